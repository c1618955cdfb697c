// Package vectorstore keeps chunk vectors in a flat float32 arena next to a
// metadata table keyed by the same ordinal position, and persists the pair
// as two checksummed files.
package vectorstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"study-rag/internal/models"
)

// Options configures a Store. Fs defaults to the OS filesystem.
type Options struct {
	Dir       string
	Dimension int
	Distance  Distance
	Fs        afero.Fs
}

// Store is an exact nearest-neighbour index over chunk vectors.
//
// writeMu serializes mutations together with their persistence. mu guards
// the in-memory arena so searches see a whole batch or none of it.
type Store struct {
	fs       afero.Fs
	dir      string
	dim      int
	distance Distance

	writeMu sync.Mutex

	mu      sync.RWMutex
	vectors []float32
	chunks  []models.Chunk
	nextID  int64
	dirty   bool
}

// New creates an empty store rooted at opts.Dir.
func New(opts Options) (*Store, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d: %w", opts.Dimension, models.ErrInvalidArgument)
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("store directory is required: %w", models.ErrInvalidArgument)
	}
	dist, err := ParseDistance(string(opts.Distance))
	if err != nil {
		return nil, err
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{fs: fs, dir: opts.Dir, dim: opts.Dimension, distance: dist}, nil
}

// Open creates a store and loads any persisted state. A missing index is
// not an error; the store starts empty.
func Open(opts Options) (*Store, error) {
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := s.Load(); err != nil {
		if errors.Is(err, models.ErrIndexNotFound) {
			log.Info().Str("dir", opts.Dir).Msg("No existing index, starting empty")
			return s, nil
		}
		return nil, err
	}
	return s, nil
}

func (s *Store) Dimension() int     { return s.dim }
func (s *Store) Distance() Distance { return s.distance }

// Len returns the number of indexed chunks
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func (s *Store) validate(chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%d chunks but %d vectors: %w", len(chunks), len(vectors), models.ErrInvalidChunkBatch)
	}
	for i := range chunks {
		if chunks[i].Text == "" {
			return fmt.Errorf("chunk %d has no text: %w", i, models.ErrInvalidChunkBatch)
		}
		if len(vectors[i]) != s.dim {
			return fmt.Errorf("vector %d has dimension %d, want %d: %w", i, len(vectors[i]), s.dim, models.ErrInvalidChunkBatch)
		}
		if !finite(vectors[i]) {
			return fmt.Errorf("vector %d has non-finite values: %w", i, models.ErrInvalidChunkBatch)
		}
	}
	return nil
}

// Add appends chunks and their vectors in memory and returns the chunks
// with their assigned ids. The batch is validated up front; on error the
// store is unchanged.
func (s *Store) Add(chunks []models.Chunk, vectors [][]float32) ([]models.Chunk, error) {
	if err := s.validate(chunks, vectors); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.appendLocked(chunks, vectors), nil
}

func (s *Store) appendLocked(chunks []models.Chunk, vectors [][]float32) []models.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := make([]models.Chunk, len(chunks))
	for i, ch := range chunks {
		ch.ID = s.nextID
		s.nextID++
		added[i] = ch
		s.chunks = append(s.chunks, ch)
		s.vectors = append(s.vectors, vectors[i]...)
	}
	if len(added) > 0 {
		s.dirty = true
	}
	return added
}

// Commit adds a batch and persists it. If persisting fails the batch is
// removed again, so memory and disk never disagree on what was accepted.
// A concurrent Search may still see a rolled-back batch while the write
// is in flight.
func (s *Store) Commit(chunks []models.Chunk, vectors [][]float32) ([]models.Chunk, error) {
	if err := s.validate(chunks, vectors); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	prevLen, prevNext, prevDirty := len(s.chunks), s.nextID, s.dirty
	s.mu.RUnlock()

	added := s.appendLocked(chunks, vectors)
	if err := s.persistLocked(); err != nil {
		s.mu.Lock()
		s.chunks = s.chunks[:prevLen]
		s.vectors = s.vectors[:prevLen*s.dim]
		s.nextID = prevNext
		s.dirty = prevDirty
		s.mu.Unlock()
		s.restoreDisk()
		return nil, err
	}
	return added, nil
}

// ReplaceSource drops every chunk of source and appends the new batch in
// one persisted step. An empty batch only removes.
func (s *Store) ReplaceSource(source string, chunks []models.Chunk, vectors [][]float32) ([]models.Chunk, error) {
	if err := s.validate(chunks, vectors); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, prev := s.rebuildLocked(source)
	added := s.appendLocked(chunks, vectors)
	if err := s.persistLocked(); err != nil {
		s.swap(prev)
		s.restoreDisk()
		return nil, err
	}
	return added, nil
}

// RemoveSource deletes every chunk of source by rebuilding the arena from
// the remaining metadata. This is O(total chunks). Ids are not reused.
func (s *Store) RemoveSource(source string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	removed, prev := s.rebuildLocked(source)
	if removed == 0 {
		return 0, fmt.Errorf("%s: %w", source, models.ErrSourceNotFound)
	}
	if err := s.persistLocked(); err != nil {
		s.swap(prev)
		s.restoreDisk()
		return 0, err
	}
	log.Info().Str("source", source).Int("removed", removed).Msg("Removed source from index")
	return removed, nil
}

type arena struct {
	vectors []float32
	chunks  []models.Chunk
	nextID  int64
	dirty   bool
}

// rebuildLocked filters source out of the arena and returns how many
// chunks went away along with the previous arena for rollback.
func (s *Store) rebuildLocked(source string) (int, arena) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := arena{vectors: s.vectors, chunks: s.chunks, nextID: s.nextID, dirty: s.dirty}
	vectors := make([]float32, 0, len(s.vectors))
	chunks := make([]models.Chunk, 0, len(s.chunks))
	for i, ch := range s.chunks {
		if ch.SourceName == source {
			continue
		}
		chunks = append(chunks, ch)
		vectors = append(vectors, s.vectors[i*s.dim:(i+1)*s.dim]...)
	}
	removed := len(s.chunks) - len(chunks)
	if removed > 0 {
		s.vectors, s.chunks = vectors, chunks
		s.dirty = true
	}
	return removed, prev
}

func (s *Store) swap(a arena) {
	s.mu.Lock()
	s.vectors, s.chunks, s.nextID, s.dirty = a.vectors, a.chunks, a.nextID, a.dirty
	s.mu.Unlock()
}

// restoreDisk rewrites the rolled-back state after a failed persist so the
// files on disk match memory again. Failure leaves a pair that Load rejects.
func (s *Store) restoreDisk() {
	if err := s.persistLocked(); err != nil {
		log.Error().Err(err).Str("dir", s.dir).Msg("Failed to restore index after rollback")
	}
}

// Clear discards every vector and chunk, resets the id counter and
// persists the empty store.
func (s *Store) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	prev := arena{vectors: s.vectors, chunks: s.chunks, nextID: s.nextID, dirty: s.dirty}
	s.vectors, s.chunks, s.nextID = nil, nil, 0
	s.dirty = true
	s.mu.Unlock()

	if err := s.persistLocked(); err != nil {
		s.swap(prev)
		s.restoreDisk()
		return err
	}
	log.Info().Str("dir", s.dir).Msg("Cleared index")
	return nil
}

// Search returns the k chunks closest to q, closest first. Ties are broken
// by ascending id. An empty store yields an empty result.
func (s *Store) Search(q []float32, k int) ([]models.ScoredChunk, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d: %w", k, models.ErrInvalidArgument)
	}
	if len(q) != s.dim {
		return nil, fmt.Errorf("query has dimension %d, want %d: %w", len(q), s.dim, models.ErrDimensionMismatch)
	}
	if !finite(q) {
		return nil, fmt.Errorf("query has non-finite values: %w", models.ErrInvalidArgument)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]models.ScoredChunk, len(s.chunks))
	for i, ch := range s.chunks {
		results[i] = models.ScoredChunk{
			Chunk: ch,
			Score: s.distance.between(q, s.vectors[i*s.dim:(i+1)*s.dim]),
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score < results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Sources lists indexed documents in first-indexed order.
func (s *Store) Sources() []models.SourceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		infos []models.SourceInfo
		index = map[string]int{}
		pages = map[string]map[int]struct{}{}
	)
	for _, ch := range s.chunks {
		i, ok := index[ch.SourceName]
		if !ok {
			i = len(infos)
			index[ch.SourceName] = i
			infos = append(infos, models.SourceInfo{SourceName: ch.SourceName})
			pages[ch.SourceName] = map[int]struct{}{}
		}
		infos[i].Chunks++
		pages[ch.SourceName][ch.PageNumber] = struct{}{}
	}
	for i := range infos {
		infos[i].Pages = len(pages[infos[i].SourceName])
	}
	return infos
}

// Stats summarizes the index
func (s *Store) Stats() models.Stats {
	return models.Stats{
		TotalChunks: s.Len(),
		Dimension:   s.dim,
		Distance:    string(s.distance),
		Sources:     s.Sources(),
	}
}

// Snapshot copies the current chunks and vectors, ordinal aligned.
func (s *Store) Snapshot() ([]models.Chunk, [][]float32) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := make([]models.Chunk, len(s.chunks))
	copy(chunks, s.chunks)
	vectors := make([][]float32, len(s.chunks))
	for i := range vectors {
		v := make([]float32, s.dim)
		copy(v, s.vectors[i*s.dim:(i+1)*s.dim])
		vectors[i] = v
	}
	return chunks, vectors
}

// Close flushes unpersisted changes.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	dirty := s.dirty
	s.mu.RUnlock()
	if !dirty {
		return nil
	}
	return s.persistLocked()
}
