package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"

	"ArtifactFunnel/internal/ports"
)

// Cohere embeds through the Cohere v2 Embed API.
type Cohere struct {
	client *cohereclient.Client
	model  string
}

var _ ports.Embedder = (*Cohere)(nil)

// NewCohere creates a Cohere embedder. Non-Cohere model names fall back to embed-english-v3.0.
func NewCohere(apiKey, model string) *Cohere {
	if model == "" || !strings.HasPrefix(model, "embed-") {
		model = "embed-english-v3.0"
	}
	client := cohereclient.NewClient(
		cohereclient.WithToken(apiKey),
		cohereclient.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
	)
	return &Cohere{client: client, model: model}
}

func (c *Cohere) Model() string { return c.model }

func (c *Cohere) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	resp, err := c.client.V2.Embed(ctx, &cohere.V2EmbedRequest{
		Texts:          texts,
		Model:          c.model,
		InputType:      cohere.EmbedInputTypeSearchDocument,
		EmbeddingTypes: []cohere.EmbeddingType{cohere.EmbeddingTypeFloat},
	})
	if err != nil {
		return nil, fmt.Errorf("cohere embed: %w", err)
	}
	if resp == nil || resp.Embeddings == nil || resp.Embeddings.Float == nil {
		return nil, errors.New("cohere embed returned no float embeddings")
	}
	if len(resp.Embeddings.Float) != len(texts) {
		return nil, errors.New("embedding count mismatch")
	}

	out := make([][]float32, len(texts))
	for i, vec := range resp.Embeddings.Float {
		out[i] = toFloat32(vec)
	}
	return out, nil
}
