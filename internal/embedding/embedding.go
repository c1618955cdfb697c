package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"study-rag/internal/config"
	"study-rag/internal/models"
)

const DefaultBatchSize = 32

// NewEmbedder builds the langchaingo embedder for the configured provider
func NewEmbedder(cfg *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "ollama", "":
		return NewOllamaEmbedder(cfg)
	}
	return nil, fmt.Errorf("unknown embedding provider %q: %w", cfg.Provider, models.ErrInvalidArgument)
}

// NewOpenAIEmbedder talks to any OpenAI-compatible embeddings endpoint
func NewOpenAIEmbedder(cfg *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	log.Debug().Interface("config", map[string]string{
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("Creating OpenAI embedder")

	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding client: %w", err)
	}
	return embeddings.NewEmbedder(llm, embeddings.WithBatchSize(batchSize(cfg)))
}

// NewOllamaEmbedder uses a local Ollama server
func NewOllamaEmbedder(cfg *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	log.Debug().Interface("config", map[string]string{
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("Creating Ollama embedder")

	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding client: %w", err)
	}
	return embeddings.NewEmbedder(llm, embeddings.WithBatchSize(batchSize(cfg)))
}

func batchSize(cfg *config.LLMConfig) int {
	if cfg.BatchSize > 0 {
		return cfg.BatchSize
	}
	return DefaultBatchSize
}

// Gateway turns texts into vectors of a fixed dimension. Anything the
// model returns that breaks that contract is reported as
// ErrEmbeddingUnavailable; vectors are never padded or zero-filled.
type Gateway struct {
	embedder  embeddings.Embedder
	dim       int
	batchSize int
}

type Option func(*Gateway)

func WithBatchSize(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.batchSize = n
		}
	}
}

func NewGateway(embedder embeddings.Embedder, dim int, opts ...Option) *Gateway {
	g := &Gateway{embedder: embedder, dim: dim, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Dimension() int { return g.dim }

// Embed returns one vector per text, in input order.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingUnavailable, err)
		}
		end := min(start+g.batchSize, len(texts))
		vectors, err := g.embedder.EmbedDocuments(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingUnavailable, err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("%w: asked for %d embeddings, got %d", models.ErrEmbeddingUnavailable, end-start, len(vectors))
		}
		for i, v := range vectors {
			if err := g.check(v); err != nil {
				return nil, fmt.Errorf("%w: text %d: %v", models.ErrEmbeddingUnavailable, start+i, err)
			}
		}
		out = append(out, vectors...)
	}
	log.Debug().Int("texts", len(texts)).Int("batch_size", g.batchSize).Msg("Generated embeddings")
	return out, nil
}

// EmbedQuery embeds a single query string
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := g.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingUnavailable, err)
	}
	if err := g.check(v); err != nil {
		return nil, fmt.Errorf("%w: query: %v", models.ErrEmbeddingUnavailable, err)
	}
	return v, nil
}

func (g *Gateway) check(v []float32) error {
	if len(v) != g.dim {
		return fmt.Errorf("dimension %d, want %d", len(v), g.dim)
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("non-finite value")
		}
	}
	return nil
}
