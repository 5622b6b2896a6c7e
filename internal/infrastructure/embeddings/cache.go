package embeddings

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"ArtifactFunnel/internal/ports"
)

// MemoryCache keeps vectors in process memory with a TTL.
type MemoryCache struct {
	cache *cache.Cache
}

var _ ports.EmbeddingCache = (*MemoryCache)(nil)

// NewMemoryCache creates an in-memory cache; ttl <= 0 keeps entries forever.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		return &MemoryCache{cache: cache.New(cache.NoExpiration, 0)}
	}
	return &MemoryCache{cache: cache.New(ttl, ttl/2)}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	vec, ok := v.([]float32)
	return vec, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, vector []float32) error {
	m.cache.Set(key, vector, cache.DefaultExpiration)
	return nil
}

// RedisCache shares vectors between processes. Values are little-endian float32 blobs.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ ports.EmbeddingCache = (*RedisCache)(nil)

// NewRedisCache connects to addr.
func NewRedisCache(addr string, ttl time.Duration) *RedisCache {
	return NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: addr}), ttl)
}

// NewRedisCacheWithClient wraps a preconfigured client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "artifactfunnel:embedding:", ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get embedding: %w", err)
	}
	vec, err := decodeVector(raw)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, vector []float32) error {
	if err := r.client.Set(ctx, r.prefix+key, encodeVector(vector), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set embedding: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("corrupt embedding blob of %d bytes", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}
