// Package archive stores rendered reports on disk or in S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ArtifactFunnel/internal/ports"
)

// Dir writes reports below a local directory.
type Dir struct {
	root string
}

var _ ports.ReportArchiver = (*Dir)(nil)

// NewDir archives under root, creating it on first write.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Archive replaces name atomically so readers never see a partial report.
func (d *Dir) Archive(_ context.Context, name string, body []byte, _ string) error {
	path, err := d.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

func (d *Dir) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid report name %q", name)
	}
	return filepath.Join(d.root, clean), nil
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads reports to a bucket under an optional prefix.
type S3 struct {
	client objectPutter
	bucket string
	prefix string
}

var _ ports.ReportArchiver = (*S3)(nil)

// NewS3 loads the default AWS credential chain.
func NewS3(ctx context.Context, region, bucket, prefix string) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *S3) Archive(ctx context.Context, name string, body []byte, contentType string) error {
	key := strings.TrimLeft(name, "/")
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
