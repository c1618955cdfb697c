package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"study-rag/internal/models"
	"study-rag/internal/retriever"
)

// Mirror is a copy of the index kept in another vector database
type Mirror interface {
	Sync(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error
	Search(ctx context.Context, q []float32, k int) ([]models.ScoredChunk, error)
}

// SyncMirror replaces the mirror's contents with a snapshot of the index.
func (s *Service) SyncMirror(ctx context.Context, m Mirror) (int, error) {
	chunks, vectors := s.store.Snapshot()
	if err := m.Sync(ctx, chunks, vectors); err != nil {
		return 0, fmt.Errorf("failed to sync mirror: %w", err)
	}
	log.Info().Int("chunks", len(chunks)).Msg("Mirror synced")
	return len(chunks), nil
}

// QueryMirror answers question from chunks retrieved out of m instead of
// the local index.
func (s *Service) QueryMirror(ctx context.Context, m Mirror, question string) (*QueryResponse, error) {
	r := retriever.New(s.gateway, mirrorSearcher{ctx: ctx, mirror: m})
	retrieved, err := r.Retrieve(ctx, question, s.topK)
	if err != nil {
		return nil, err
	}
	answer, err := s.synthesizer.Answer(ctx, question, retrieved)
	if err != nil {
		return nil, err
	}
	return newQueryResponse(answer, retrieved), nil
}

type mirrorSearcher struct {
	ctx    context.Context
	mirror Mirror
}

func (m mirrorSearcher) Search(q []float32, k int) ([]models.ScoredChunk, error) {
	return m.mirror.Search(m.ctx, q, k)
}
