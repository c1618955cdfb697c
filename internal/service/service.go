// Package service ties extraction, chunking, embedding, the vector index and
// answer synthesis into the operations exposed by the CLI and HTTP server.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"study-rag/internal/chunker"
	"study-rag/internal/config"
	"study-rag/internal/embedding"
	"study-rag/internal/helper"
	"study-rag/internal/llmservice"
	"study-rag/internal/models"
	"study-rag/internal/rag"
	"study-rag/internal/retriever"
	"study-rag/internal/vectorstore"
)

// Extractor turns an uploaded file into pages of text
type Extractor interface {
	ExtractPages(ctx context.Context, name string, data []byte) ([]models.Page, error)
}

// Deps are the components a Service is built from
type Deps struct {
	Parser    Extractor
	Gateway   *embedding.Gateway
	Store     *vectorstore.Store
	Completer llmservice.Completer
}

// Upload is one file handed to Ingest
type Upload struct {
	Name string
	Data []byte
}

type IngestOptions struct {
	// ReplaceExisting drops previously indexed chunks of the same source
	// in the same commit that adds the new ones.
	ReplaceExisting bool
}

// IngestResult reports what happened to one upload. Err is nil on success.
type IngestResult struct {
	Source string `json:"source"`
	Pages  int    `json:"pages"`
	Chunks int    `json:"chunks"`
	Err    error  `json:"-"`
}

// QueryResponse is the answer to one question plus the chunks it used
type QueryResponse struct {
	Answer      string               `json:"answer"`
	Citations   []models.Citation    `json:"citations"`
	Sources     []models.ScoredChunk `json:"sources"`
	ContextFree bool                 `json:"context_free"`
}

type Service struct {
	parser      Extractor
	chunker     *chunker.Chunker
	gateway     *embedding.Gateway
	store       *vectorstore.Store
	synthesizer *rag.Synthesizer
	rag         *rag.RAG
	pool        *ants.Pool
	topK        int
	maxUpload   int64
}

func New(cfg *config.Config, deps Deps) (*Service, error) {
	if deps.Parser == nil || deps.Gateway == nil || deps.Store == nil || deps.Completer == nil {
		return nil, fmt.Errorf("parser, gateway, store and completer are required: %w", models.ErrInvalidArgument)
	}
	if deps.Gateway.Dimension() != deps.Store.Dimension() {
		return nil, fmt.Errorf("embedding dimension %d, index dimension %d: %w",
			deps.Gateway.Dimension(), deps.Store.Dimension(), models.ErrDimensionMismatch)
	}

	workers := cfg.RAG.Workers
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p interface{}) {
		log.Error().Interface("panic", p).Msg("Ingest worker panicked")
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	synth := rag.NewSynthesizer(deps.Completer, cfg.InferLLM.Model, cfg.InferLLM.Temperature, cfg.RAG.SnippetLength)
	return &Service{
		parser:      deps.Parser,
		chunker:     chunker.New(chunker.WithChunkSize(cfg.RAG.ChunkSize), chunker.WithOverlap(cfg.RAG.ChunkOverlap)),
		gateway:     deps.Gateway,
		store:       deps.Store,
		synthesizer: synth,
		rag:         rag.NewRAG(retriever.New(deps.Gateway, deps.Store), synth, cfg.RAG.TopK),
		pool:        pool,
		topK:        cfg.RAG.TopK,
		maxUpload:   cfg.RAG.MaxUploadSize,
	}, nil
}

type prepared struct {
	pages   int
	chunks  []models.Chunk
	vectors [][]float32
	err     error
}

// Ingest extracts, chunks and embeds uploads concurrently, then commits
// them to the index one at a time in upload order. A failed upload never
// leaves partial chunks behind and does not stop the others.
func (s *Service) Ingest(ctx context.Context, uploads []Upload, opts IngestOptions) []IngestResult {
	batch, err := helper.GenerateUUID()
	if err != nil {
		batch = "unknown"
	}
	logger := log.With().Str("batch", batch).Logger()
	logger.Info().
		Int("files", len(uploads)).
		Bool("replace", opts.ReplaceExisting).
		Int("chunk_size", s.chunker.Size()).
		Int("chunk_overlap", s.chunker.Overlap()).
		Msg("Ingest started")

	work := make([]prepared, len(uploads))
	var wg sync.WaitGroup
	for i := range uploads {
		wg.Add(1)
		if err := s.pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					work[i] = prepared{err: fmt.Errorf("extraction of %s panicked: %v", uploads[i].Name, r)}
				}
			}()
			work[i] = s.prepare(ctx, uploads[i])
		}); err != nil {
			wg.Done()
			work[i].err = fmt.Errorf("failed to schedule extraction: %w", err)
		}
	}
	wg.Wait()

	results := make([]IngestResult, len(uploads))
	for i, up := range uploads {
		res := IngestResult{Source: up.Name, Pages: work[i].pages, Err: work[i].err}
		if res.Err == nil {
			res.Err = s.commit(up.Name, work[i], opts)
		}
		if res.Err == nil {
			res.Chunks = len(work[i].chunks)
			logger.Info().Str("source", up.Name).Int("pages", res.Pages).Int("chunks", res.Chunks).Msg("Indexed source")
		} else if errors.Is(res.Err, models.ErrExtractionEmpty) {
			logger.Warn().Str("source", up.Name).Msg("No text extracted, skipping")
		} else {
			logger.Error().Err(res.Err).Str("source", up.Name).Msg("Failed to ingest source")
		}
		results[i] = res
	}
	return results
}

func (s *Service) prepare(ctx context.Context, up Upload) prepared {
	if strings.TrimSpace(up.Name) == "" {
		return prepared{err: fmt.Errorf("source name is empty: %w", models.ErrInvalidArgument)}
	}
	if s.maxUpload > 0 && int64(len(up.Data)) > s.maxUpload {
		return prepared{err: fmt.Errorf("%s is %d bytes, limit %d: %w", up.Name, len(up.Data), s.maxUpload, models.ErrUploadTooLarge)}
	}

	pages, err := s.parser.ExtractPages(ctx, up.Name, up.Data)
	if err != nil {
		return prepared{err: fmt.Errorf("failed to extract %s: %w", up.Name, err)}
	}
	chunks := s.chunker.Chunk(up.Name, pages)
	if len(chunks) == 0 {
		return prepared{pages: len(pages), err: fmt.Errorf("%s: %w", up.Name, models.ErrExtractionEmpty)}
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.gateway.Embed(ctx, texts)
	if err != nil {
		return prepared{pages: len(pages), err: fmt.Errorf("failed to embed %s: %w", up.Name, err)}
	}
	return prepared{pages: len(pages), chunks: chunks, vectors: vectors}
}

func (s *Service) commit(source string, p prepared, opts IngestOptions) error {
	if len(p.chunks) == 0 {
		return fmt.Errorf("%s has nothing to index: %w", source, models.ErrExtractionEmpty)
	}
	var err error
	if opts.ReplaceExisting {
		_, err = s.store.ReplaceSource(source, p.chunks, p.vectors)
	} else {
		_, err = s.store.Commit(p.chunks, p.vectors)
	}
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", source, err)
	}
	return nil
}

// Query answers question from the top-K indexed chunks.
func (s *Service) Query(ctx context.Context, question string) (*QueryResponse, error) {
	resp, err := s.rag.Query(ctx, question)
	if err != nil {
		return nil, err
	}
	return newQueryResponse(resp.Answer, resp.Sources), nil
}

func newQueryResponse(answer *models.Answer, sources []models.ScoredChunk) *QueryResponse {
	if sources == nil {
		sources = []models.ScoredChunk{}
	}
	return &QueryResponse{
		Answer:      answer.Text,
		Citations:   answer.Citations,
		Sources:     sources,
		ContextFree: answer.ContextFree,
	}
}

func (s *Service) Sources() []models.SourceInfo { return s.store.Sources() }

func (s *Service) Stats() models.Stats { return s.store.Stats() }

// RemoveSource deletes every chunk of source and returns how many went.
func (s *Service) RemoveSource(source string) (int, error) {
	n, err := s.store.RemoveSource(source)
	if err != nil {
		return 0, err
	}
	log.Info().Str("source", source).Int("chunks", n).Msg("Removed source")
	return n, nil
}

// Clear empties the knowledge base
func (s *Service) Clear() error {
	if err := s.store.Clear(); err != nil {
		return err
	}
	log.Info().Msg("Cleared knowledge base")
	return nil
}

// Close stops the worker pool and flushes the index
func (s *Service) Close() error {
	s.pool.Release()
	return s.store.Close()
}
