package rag

import (
	"context"

	"github.com/rs/zerolog/log"

	"study-rag/internal/models"
)

// Retriever finds the chunks most relevant to a query
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]models.ScoredChunk, error)
}

// Response is the result of one question
type Response struct {
	Answer  *models.Answer       `json:"answer"`
	Sources []models.ScoredChunk `json:"sources"`
}

// RAG wires retrieval to answer synthesis
type RAG struct {
	retriever   Retriever
	synthesizer *Synthesizer
	topK        int
}

func NewRAG(retriever Retriever, synthesizer *Synthesizer, topK int) *RAG {
	return &RAG{retriever: retriever, synthesizer: synthesizer, topK: topK}
}

// Query retrieves the top chunks for query and answers from them.
// Failures never touch the index.
func (r *RAG) Query(ctx context.Context, query string) (*Response, error) {
	retrieved, err := r.retriever.Retrieve(ctx, query, r.topK)
	if err != nil {
		return nil, err
	}
	answer, err := r.synthesizer.Answer(ctx, query, retrieved)
	if err != nil {
		return nil, err
	}
	log.Info().Int("sources", len(retrieved)).Int("citations", len(answer.Citations)).Msg("Answered query")
	return &Response{Answer: answer, Sources: retrieved}, nil
}
