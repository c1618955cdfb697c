package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"study-rag/internal/config"
)

// CachedEmbedder wraps an embedder with a Redis cache keyed by the SHA-256
// of the text. Redis problems fall through to the wrapped embedder.
type CachedEmbedder struct {
	embedder embeddings.Embedder
	redis    goredis.UniversalClient
	ttl      time.Duration
	prefix   string
}

var _ embeddings.Embedder = (*CachedEmbedder)(nil)

func NewCachedEmbedder(embedder embeddings.Embedder, client goredis.UniversalClient, ttl time.Duration, prefix string) *CachedEmbedder {
	return &CachedEmbedder{embedder: embedder, redis: client, ttl: ttl, prefix: prefix}
}

// NewRedisClient connects to the cache described by cfg and pings it
func NewRedisClient(ctx context.Context, cfg *config.CacheConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) get(ctx context.Context, text string) ([]float32, bool) {
	key := c.key(text)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			log.Warn().Err(err).Msg("Redis get failed, falling back to embedder")
		}
		return nil, false
	}
	var v []float32
	if err := json.Unmarshal(data, &v); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Dropping unreadable cached embedding")
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return v, true
}

func (c *CachedEmbedder) set(ctx context.Context, text string, v []float32) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.key(text), data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to cache embedding")
	}
}

func (c *CachedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if v, ok := c.get(ctx, text); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		log.Debug().Int("total", len(texts)).Msg("All embeddings from cache")
		return out, nil
	}

	log.Debug().Int("total", len(texts)).Int("uncached", len(missTexts)).Msg("Embedding cache miss")
	vectors, err := c.embedder.EmbedDocuments(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	// a short answer is passed through for the gateway to reject
	if len(vectors) != len(missTexts) {
		return vectors, nil
	}
	for i, idx := range missIdx {
		out[idx] = vectors[i]
		c.set(ctx, missTexts[i], vectors[i])
	}
	return out, nil
}

func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.get(ctx, text); ok {
		return v, nil
	}
	v, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.set(ctx, text, v)
	return v, nil
}

// ClearCache deletes every key under the cache prefix
func (c *CachedEmbedder) ClearCache(ctx context.Context) (int, error) {
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			log.Warn().Err(err).Str("key", iter.Val()).Msg("Failed to delete cache key")
			continue
		}
		deleted++
	}
	return deleted, iter.Err()
}
