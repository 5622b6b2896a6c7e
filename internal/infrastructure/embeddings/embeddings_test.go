package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArtifactFunnel/internal/config"
	"ArtifactFunnel/internal/domain"
)

func TestOpenAIEmbedOrdersByIndex(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var body struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"a", "b"}, body.Input)
		assert.Equal(t, "small", body.Model)

		_, _ = w.Write([]byte(`{"data": [{"index": 1, "embedding": [0, 1]}, {"index": 0, "embedding": [1, 0]}]}`))
	}))
	defer server.Close()

	vectors, err := NewOpenAI(server.URL, "key", "small").Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
}

func TestOpenAIEmbedClassifiesFailures(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", int(status.Load()))
	}))
	defer server.Close()

	client := NewOpenAI(server.URL, "key", "")
	_, err := client.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))

	status.Store(http.StatusBadRequest)
	_, err = client.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
}

func TestMemoryCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := NewMemoryCache(time.Hour)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []float32{1, 2}))
	vec, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{1, 2}, vec)
}

func TestVectorEncoding(t *testing.T) {
	t.Parallel()

	in := []float32{0, -1.5, 3.25, 1e-7}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFactory(t *testing.T) {
	t.Parallel()

	e, err := New(config.EmbeddingsConfig{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, e)

	_, err = New(config.EmbeddingsConfig{Provider: "openai"})
	assert.Error(t, err)

	e, err = New(config.EmbeddingsConfig{Provider: "cohere", CohereKey: "k", Model: "text-embedding-3-small"})
	require.NoError(t, err)
	assert.Equal(t, "embed-english-v3.0", e.Model())

	c, err := NewCache(config.EmbeddingsConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)

	_, err = NewCache(config.EmbeddingsConfig{Cache: "redis"})
	assert.Error(t, err)
}
