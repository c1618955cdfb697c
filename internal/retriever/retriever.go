package retriever

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"study-rag/internal/models"
)

// QueryEmbedder embeds a query string
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher finds the k nearest chunks to a vector
type Searcher interface {
	Search(q []float32, k int) ([]models.ScoredChunk, error)
}

type Retriever struct {
	embedder QueryEmbedder
	index    Searcher
}

func New(embedder QueryEmbedder, index Searcher) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Retrieve embeds query once and returns up to k chunks, closest first.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]models.ScoredChunk, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d: %w", k, models.ErrInvalidArgument)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is empty: %w", models.ErrInvalidArgument)
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := r.index.Search(vec, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}
	log.Debug().Str("query", query).Int("k", k).Int("hits", len(results)).Msg("Retrieved chunks")
	return results, nil
}
