package embeddings

import (
	"fmt"
	"strings"

	"ArtifactFunnel/internal/config"
	"ArtifactFunnel/internal/ports"
)

// New selects the configured embedder. It returns nil for "none", which makes
// matching fall back to lexical similarity.
func New(cfg config.EmbeddingsConfig) (ports.Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return nil, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embeddings: openai requires an api key")
		}
		return NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "cohere":
		if cfg.CohereKey == "" {
			return nil, fmt.Errorf("embeddings: cohere requires an api key")
		}
		return NewCohere(cfg.CohereKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("embeddings: unknown provider %q", cfg.Provider)
	}
}

// NewCache selects the configured cache; "none" disables caching.
func NewCache(cfg config.EmbeddingsConfig) (ports.EmbeddingCache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Cache)) {
	case "", "memory":
		return NewMemoryCache(cfg.CacheTTL), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("embeddings: redis cache requires an address")
		}
		return NewRedisCache(cfg.RedisAddr, cfg.CacheTTL), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("embeddings: unknown cache %q", cfg.Cache)
	}
}
