package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"study-rag/internal/config"
	"study-rag/internal/models"
)

// Document is one indexed chunk mirrored into Postgres
type Document struct {
	bun.BaseModel  `bun:"table:documents,alias:d"`
	ID             int64           `bun:"id,pk,autoincrement"`
	ChunkID        int64           `bun:"chunk_id,notnull"`
	Content        string          `bun:"content,notnull"`
	SourceFilename string          `bun:"source_filename,notnull"`
	PageNumber     int             `bun:"page_number,notnull"`
	CharOffset     int             `bun:"char_offset,notnull"`
	Embedding      pgvector.Vector `bun:"embedding,notnull"`
	Distance       float64         `bun:"distance,scanonly"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens (but does not ping) the database. Driver "pq" uses
// lib/pq, anything else the bun pgdriver.
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required: %w", models.ErrInvalidArgument)
	}
	switch cfg.Driver {
	case "pq":
		return sql.Open("postgres", cfg.DSN)
	case "", "pgdriver":
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	}
	return nil, fmt.Errorf("unknown database driver %q: %w", cfg.Driver, models.ErrInvalidArgument)
}

// InitDB enables pgvector and creates the documents table with a fixed
// embedding dimension.
func InitDB(ctx context.Context, db *bun.DB, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("dimension must be positive, got %d: %w", dim, models.ErrInvalidArgument)
	}
	if _, err := db.NewRaw("CREATE EXTENSION IF NOT EXISTS vector").Exec(ctx); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	_, err := db.NewRaw(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
	id BIGSERIAL PRIMARY KEY,
	chunk_id BIGINT NOT NULL,
	content TEXT NOT NULL,
	source_filename TEXT NOT NULL,
	page_number INTEGER NOT NULL,
	char_offset INTEGER NOT NULL,
	embedding vector(%d) NOT NULL
)`, dim)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	return nil
}

// FromChunks converts indexed chunks to rows
func FromChunks(chunks []models.Chunk, vectors [][]float32) ([]Document, error) {
	if len(chunks) != len(vectors) {
		return nil, fmt.Errorf("%d chunks but %d vectors: %w", len(chunks), len(vectors), models.ErrInvalidChunkBatch)
	}
	docs := make([]Document, len(chunks))
	for i, ch := range chunks {
		docs[i] = Document{
			ChunkID:        ch.ID,
			Content:        ch.Text,
			SourceFilename: ch.SourceName,
			PageNumber:     ch.PageNumber,
			CharOffset:     ch.CharOffset,
			Embedding:      pgvector.NewVector(vectors[i]),
		}
	}
	return docs, nil
}

// Scored converts a search row back into a scored chunk. pgvector's <->
// is the Euclidean distance; it is squared to match the local index.
func (d Document) Scored() models.ScoredChunk {
	return models.ScoredChunk{
		Chunk: models.Chunk{
			ID:         d.ChunkID,
			Text:       d.Content,
			SourceName: d.SourceFilename,
			PageNumber: d.PageNumber,
			CharOffset: d.CharOffset,
		},
		Score: d.Distance * d.Distance,
	}
}

// StoreDocuments replaces every row with docs in one transaction
func StoreDocuments(ctx context.Context, db *bun.DB, docs []Document) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Document)(nil)).Where("TRUE").Exec(ctx); err != nil {
			return fmt.Errorf("failed to clear documents: %w", err)
		}
		if len(docs) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&docs).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert documents: %w", err)
		}
		return nil
	})
}

func searchQuery(db bun.IDB, queryEmbedding []float32, limit int) (*bun.SelectQuery, *[]Document) {
	var docs []Document
	vec := pgvector.NewVector(queryEmbedding)
	q := db.NewSelect().
		Model(&docs).
		Column("chunk_id", "content", "source_filename", "page_number", "char_offset").
		ColumnExpr("embedding <-> ? AS distance", vec).
		OrderExpr("embedding <-> ?", vec).
		OrderExpr("chunk_id ASC").
		Limit(limit)
	return q, &docs
}

func SearchDocuments(ctx context.Context, db *bun.DB, queryEmbedding []float32, limit int) ([]Document, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d: %w", limit, models.ErrInvalidArgument)
	}
	q, docs := searchQuery(db, queryEmbedding, limit)
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	return *docs, nil
}

// drop table documents
func DropDocuments(ctx context.Context, db *bun.DB) error {
	_, err := db.NewDropTable().Model((*Document)(nil)).IfExists().Exec(ctx)
	return err
}

// Mirror keeps a pgvector copy of the index
type Mirror struct {
	db  *bun.DB
	dim int
}

func NewMirror(db *bun.DB, dim int) *Mirror {
	return &Mirror{db: db, dim: dim}
}

// Sync creates the table if needed and replaces its contents.
func (m *Mirror) Sync(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	docs, err := FromChunks(chunks, vectors)
	if err != nil {
		return err
	}
	if err := InitDB(ctx, m.db, m.dim); err != nil {
		return err
	}
	return StoreDocuments(ctx, m.db, docs)
}

func (m *Mirror) Search(ctx context.Context, q []float32, k int) ([]models.ScoredChunk, error) {
	docs, err := SearchDocuments(ctx, m.db, q, k)
	if err != nil {
		return nil, err
	}
	out := make([]models.ScoredChunk, len(docs))
	for i, d := range docs {
		out[i] = d.Scored()
	}
	return out, nil
}

// Drop removes the documents table so the next Sync recreates it
func (m *Mirror) Drop(ctx context.Context) error {
	if err := DropDocuments(ctx, m.db); err != nil {
		return fmt.Errorf("failed to drop documents: %w", err)
	}
	return nil
}

func (m *Mirror) Close() error { return m.db.Close() }
