package chromemdb

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"study-rag/internal/models"
)

// metadata keys stored next to each document
const (
	metaSource     = "source_filename"
	metaPage       = "page_number"
	metaCharOffset = "char_offset"
	metaChunkID    = "chunk_id"
)

const compress = false

// VectorDBManager keeps a copy of the index in a chromem-go collection so it
// can be shipped as a single (optionally encrypted) export file.
type VectorDBManager struct {
	db            *chromem.DB
	collection    *chromem.Collection
	name          string
	dbPath        string
	encryptionKey string
}

// NewVectorDBManager opens a persistent database under dbPath, or an
// in-memory one when inMemory is set.
func NewVectorDBManager(dbPath, collectionName string, inMemory bool, encryptionKey string) (*VectorDBManager, error) {
	var db *chromem.DB
	var err error
	if inMemory {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(dbPath, compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	m := &VectorDBManager{
		db:            db,
		name:          collectionName,
		dbPath:        dbPath,
		encryptionKey: encryptionKey,
	}
	if _, err := m.GetOrCreateCollection(); err != nil {
		return nil, err
	}
	return m, nil
}

// create or read collection
func (m *VectorDBManager) GetOrCreateCollection() (*chromem.Collection, error) {
	c, err := m.db.GetOrCreateCollection(m.name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	m.collection = c
	return c, nil
}

func (m *VectorDBManager) Count() int { return m.collection.Count() }

// Sync replaces the collection with the given chunks and vectors.
func (m *VectorDBManager) Sync(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%d chunks but %d vectors: %w", len(chunks), len(vectors), models.ErrInvalidChunkBatch)
	}
	if err := m.DeleteCollection(); err != nil {
		return err
	}
	if _, err := m.GetOrCreateCollection(); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	return m.CreateDocs(ctx, ToDocuments(chunks, vectors))
}

// ToDocuments converts indexed chunks into chromem documents keyed by
// chunk id.
func ToDocuments(chunks []models.Chunk, vectors [][]float32) []chromem.Document {
	docs := make([]chromem.Document, len(chunks))
	for i, ch := range chunks {
		docs[i] = chromem.Document{
			ID:      strconv.FormatInt(ch.ID, 10),
			Content: ch.Text,
			Metadata: map[string]string{
				metaSource:     ch.SourceName,
				metaPage:       strconv.Itoa(ch.PageNumber),
				metaCharOffset: strconv.Itoa(ch.CharOffset),
				metaChunkID:    strconv.FormatInt(ch.ID, 10),
			},
			Embedding: vectors[i],
		}
	}
	return docs
}

// add multiple documents
func (m *VectorDBManager) CreateDocs(ctx context.Context, documents []chromem.Document) error {
	err := m.collection.AddDocuments(ctx, documents, runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

// Search returns up to k chunks by cosine similarity. chromem normalizes
// vectors, so the score is reported as 1 - similarity.
func (m *VectorDBManager) Search(ctx context.Context, q []float32, k int) ([]models.ScoredChunk, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d: %w", k, models.ErrInvalidArgument)
	}
	// chromem rejects nResults above the collection size
	n := min(k, m.collection.Count())
	if n == 0 {
		return []models.ScoredChunk{}, nil
	}

	results, err := m.SearchWithQueryOptions(ctx, chromem.QueryOptions{QueryEmbedding: q, NResults: n})
	if err != nil {
		return nil, err
	}
	out := make([]models.ScoredChunk, len(results))
	for i, r := range results {
		out[i] = models.ScoredChunk{Chunk: toChunk(r), Score: 1 - float64(r.Similarity)}
	}
	return out, nil
}

// SearchWithQueryOptions runs a raw chromem query
func (m *VectorDBManager) SearchWithQueryOptions(ctx context.Context, opts chromem.QueryOptions) ([]chromem.Result, error) {
	// exit if query or embedding is not provided
	if opts.QueryText == "" && opts.QueryEmbedding == nil {
		return nil, fmt.Errorf("either query or embedding must be provided: %w", models.ErrInvalidArgument)
	}

	results, err := m.collection.QueryWithOptions(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}
	return results, nil
}

func toChunk(r chromem.Result) models.Chunk {
	id, _ := strconv.ParseInt(r.Metadata[metaChunkID], 10, 64)
	page, _ := strconv.Atoi(r.Metadata[metaPage])
	offset, _ := strconv.Atoi(r.Metadata[metaCharOffset])
	return models.Chunk{
		ID:         id,
		Text:       r.Content,
		SourceName: r.Metadata[metaSource],
		PageNumber: page,
		CharOffset: offset,
	}
}

// delete collection
func (m *VectorDBManager) DeleteCollection() error {
	if err := m.db.DeleteCollection(m.name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	m.collection = nil
	return nil
}

// ExportPath is where Export writes when no path is given
func (m *VectorDBManager) ExportPath() string {
	return filepath.Join(m.dbPath, m.name+".chromem")
}

// Export writes the collection to path, encrypted when a key is set.
func (m *VectorDBManager) Export(path string) error {
	if path == "" {
		path = m.ExportPath()
	}
	log.Debug().Str("collection", m.name).Str("file", path).Bool("encrypted", m.encryptionKey != "").Msg("Exporting collection")
	if err := m.db.ExportToFile(path, compress, m.encryptionKey, m.name); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// Import loads the collection from a file written by Export
func (m *VectorDBManager) Import(path string) error {
	if path == "" {
		path = m.ExportPath()
	}
	if err := m.db.ImportFromFile(path, m.encryptionKey, m.name); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	c := m.db.GetCollection(m.name, nil)
	if c == nil {
		return fmt.Errorf("collection %q missing from %s", m.name, path)
	}
	m.collection = c
	return nil
}
