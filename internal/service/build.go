package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"study-rag/internal/config"
	"study-rag/internal/embedding"
	"study-rag/internal/llmservice"
	"study-rag/internal/ocr"
	"study-rag/internal/parser"
	"study-rag/internal/vectorstore"
)

// Build opens the index under cfg.RAG.DataDir and connects the embedding
// and completion models described by cfg. The returned closer releases
// whatever Build opened besides the Service itself.
func Build(ctx context.Context, cfg *config.Config) (*Service, io.Closer, error) {
	store, err := vectorstore.Open(vectorstore.Options{
		Dir:       cfg.RAG.DataDir,
		Dimension: cfg.RAG.EmbeddingDim,
		Distance:  vectorstore.Distance(cfg.RAG.Distance),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open index: %w", err)
	}

	var embedder embeddings.Embedder
	embedder, err = embedding.NewEmbedder(&cfg.EmbedLLM)
	if err != nil {
		return nil, nil, err
	}

	closers := closerFunc(func() error { return nil })
	if cfg.Cache.Enabled {
		client, err := embedding.NewRedisClient(ctx, &cfg.Cache)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Cache.Addr).Msg("Embedding cache unavailable, continuing without it")
		} else {
			ttl, _ := time.ParseDuration(cfg.Cache.TTL)
			embedder = embedding.NewCachedEmbedder(embedder, client, ttl, cfg.Cache.KeyPrefix)
			closers = client.Close
		}
	}

	model, err := llmservice.NewModel(&cfg.InferLLM)
	if err != nil {
		closers.Close()
		return nil, nil, err
	}

	var opts []parser.Option
	if cfg.OCR.Enabled {
		t := ocr.NewTesseract(&cfg.OCR, nil)
		if t.Available() {
			opts = append(opts, parser.WithOCR(t))
		} else {
			log.Warn().Msg("OCR enabled but pdftoppm or tesseract is not installed")
		}
	}

	svc, err := New(cfg, Deps{
		Parser:    parser.New(opts...),
		Gateway:   embedding.NewGateway(embedder, cfg.RAG.EmbeddingDim, embedding.WithBatchSize(cfg.EmbedLLM.BatchSize)),
		Store:     store,
		Completer: llmservice.NewClient(model),
	})
	if err != nil {
		closers.Close()
		return nil, nil, err
	}
	return svc, closers, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
