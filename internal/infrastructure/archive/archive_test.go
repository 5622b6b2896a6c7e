package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirArchive(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	d := NewDir(root)

	require.NoError(t, d.Archive(context.Background(), "reports/2024-03-12.md", []byte("v1"), "text/markdown"))
	require.NoError(t, d.Archive(context.Background(), "reports/2024-03-12.md", []byte("v2"), "text/markdown"))

	got, err := os.ReadFile(filepath.Join(root, "reports", "2024-03-12.md"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	entries, err := os.ReadDir(filepath.Join(root, "reports"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	assert.Error(t, d.Archive(context.Background(), "../escape.md", nil, ""))
	assert.Error(t, d.Archive(context.Background(), "/abs.md", nil, ""))
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies []string
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(body))
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archive(t *testing.T) {
	t.Parallel()
	fake := &fakePutter{}
	a := &S3{client: fake, bucket: "bucket", prefix: "funnel"}

	require.NoError(t, a.Archive(context.Background(), "reports/2024-03-12.json", []byte("{}"), "application/json"))
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "bucket", aws.ToString(fake.inputs[0].Bucket))
	assert.Equal(t, "funnel/reports/2024-03-12.json", aws.ToString(fake.inputs[0].Key))
	assert.Equal(t, "application/json", aws.ToString(fake.inputs[0].ContentType))
	assert.Equal(t, "{}", fake.bodies[0])
}
