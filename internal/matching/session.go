package matching

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"ArtifactFunnel/internal/ports"
)

const (
	maxEmbedRunes  = 8000
	embedChunkSize = 100
)

// Session scopes embedding state to one reconciliation run. The embedder and the
// cache are injected, never read from package state, so runs stay reproducible.
type Session struct {
	embedder ports.Embedder
	cache    ports.EmbeddingCache
	logger   *slog.Logger
	vectors  map[string][]float32
}

// NewSession builds a session. A nil embedder selects lexical similarity; a nil cache disables memoization across runs.
func NewSession(embedder ports.Embedder, cache ports.EmbeddingCache, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		embedder: embedder,
		cache:    cache,
		logger:   logger.With("component", "matching.session"),
		vectors:  map[string][]float32{},
	}
}

// Semantic reports whether vectors are available.
func (s *Session) Semantic() bool {
	return s != nil && s.embedder != nil
}

// Prepare embeds every text not yet known to the session.
func (s *Session) Prepare(ctx context.Context, texts []string) error {
	if !s.Semantic() {
		return nil
	}

	var missing []string
	seen := map[string]bool{}
	for _, text := range texts {
		text = truncateRunes(text, maxEmbedRunes)
		if _, ok := s.vectors[text]; ok || seen[text] {
			continue
		}
		seen[text] = true

		if s.cache != nil {
			vec, ok, err := s.cache.Get(ctx, s.cacheKey(text))
			if err != nil {
				s.logger.Warn("embedding cache read failed", "error", err)
			} else if ok {
				s.vectors[text] = vec
				continue
			}
		}
		missing = append(missing, text)
	}

	for start := 0; start < len(missing); start += embedChunkSize {
		chunk := missing[start:min(start+embedChunkSize, len(missing))]
		vectors, err := s.embedder.Embed(ctx, chunk)
		if err != nil {
			return fmt.Errorf("embed %d texts: %w", len(chunk), err)
		}
		if len(vectors) != len(chunk) {
			return fmt.Errorf("embed: got %d vectors for %d texts", len(vectors), len(chunk))
		}
		for i, text := range chunk {
			s.vectors[text] = vectors[i]
			if s.cache == nil {
				continue
			}
			if err := s.cache.Set(ctx, s.cacheKey(text), vectors[i]); err != nil {
				s.logger.Warn("embedding cache write failed", "error", err)
			}
		}
	}

	s.logger.Debug("embeddings prepared", "texts", len(texts), "embedded", len(missing), "model", s.embedder.Model())
	return nil
}

func (s *Session) vector(text string) ([]float32, bool) {
	vec, ok := s.vectors[truncateRunes(text, maxEmbedRunes)]
	return vec, ok
}

func (s *Session) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return s.embedder.Model() + ":" + hex.EncodeToString(sum[:])
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
