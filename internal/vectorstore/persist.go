package vectorstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"study-rag/internal/models"
)

const (
	VectorsFile  = "vectors.bin"
	MetadataFile = "metadata.json"

	formatVersion = 1
	headerSize    = 4 + 4 + 4 + 8
	trailerSize   = 8
)

var vectorsMagic = [4]byte{'S', 'R', 'V', 'X'}

// metadata is the on-disk form of the chunk table. Count, Dimension and
// VectorsChecksum must agree with vectors.bin.
type metadata struct {
	Version         int            `json:"version"`
	Dimension       int            `json:"dimension"`
	Distance        Distance       `json:"distance"`
	Count           int            `json:"count"`
	NextID          int64          `json:"next_id"`
	VectorsChecksum string         `json:"vectors_checksum"`
	Chunks          []models.Chunk `json:"chunks"`
}

// Persist writes vectors.bin and then metadata.json, each through a temp
// file and rename. The metadata records the checksum of the vectors file,
// so a crash between the two writes is caught by Load.
func (s *Store) Persist() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	s.mu.RLock()
	vecData := encodeVectors(s.dim, len(s.chunks), s.vectors)
	meta := metadata{
		Version:   formatVersion,
		Dimension: s.dim,
		Distance:  s.distance,
		Count:     len(s.chunks),
		NextID:    s.nextID,
		Chunks:    append([]models.Chunk{}, s.chunks...),
	}
	s.mu.RUnlock()

	meta.VectorsChecksum = checksumHex(vecData[len(vecData)-trailerSize:])
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	if err := writeAtomic(s.fs, filepath.Join(s.dir, VectorsFile), vecData); err != nil {
		return fmt.Errorf("failed to write vectors: %w", err)
	}
	if err := writeAtomic(s.fs, filepath.Join(s.dir, MetadataFile), metaData); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	log.Debug().Str("dir", s.dir).Int("count", meta.Count).Msg("Persisted index")
	return nil
}

// Load replaces the in-memory state with the persisted pair. Neither file
// present is ErrIndexNotFound; anything inconsistent is ErrCorruptIndex.
func (s *Store) Load() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	vecPath := filepath.Join(s.dir, VectorsFile)
	metaPath := filepath.Join(s.dir, MetadataFile)
	vecExists, err := afero.Exists(s.fs, vecPath)
	if err != nil {
		return err
	}
	metaExists, err := afero.Exists(s.fs, metaPath)
	if err != nil {
		return err
	}
	switch {
	case !vecExists && !metaExists:
		return models.ErrIndexNotFound
	case !vecExists:
		return fmt.Errorf("%s present without %s: %w", MetadataFile, VectorsFile, models.ErrCorruptIndex)
	case !metaExists:
		return fmt.Errorf("%s present without %s: %w", VectorsFile, MetadataFile, models.ErrCorruptIndex)
	}

	vecData, err := afero.ReadFile(s.fs, vecPath)
	if err != nil {
		return fmt.Errorf("failed to read vectors: %w", err)
	}
	dim, count, vectors, err := decodeVectors(vecData)
	if err != nil {
		return err
	}

	metaData, err := afero.ReadFile(s.fs, metaPath)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta metadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return fmt.Errorf("failed to decode metadata: %v: %w", err, models.ErrCorruptIndex)
	}
	if err := checkMetadata(meta, dim, count, checksumHex(vecData[len(vecData)-trailerSize:])); err != nil {
		return err
	}
	if dim != s.dim {
		return fmt.Errorf("index has dimension %d, store expects %d: %w", dim, s.dim, models.ErrDimensionMismatch)
	}
	if meta.Distance != s.distance {
		log.Warn().Str("persisted", string(meta.Distance)).Str("configured", string(s.distance)).
			Msg("Index was written with a different distance, using configured one")
	}

	s.mu.Lock()
	s.vectors = vectors
	s.chunks = meta.Chunks
	if s.chunks == nil {
		s.chunks = []models.Chunk{}
	}
	s.nextID = meta.NextID
	s.dirty = false
	s.mu.Unlock()

	log.Info().Str("dir", s.dir).Int("count", count).Msg("Loaded index")
	return nil
}

func checkMetadata(meta metadata, dim, count int, checksum string) error {
	if meta.Version != formatVersion {
		return fmt.Errorf("unsupported metadata version %d: %w", meta.Version, models.ErrCorruptIndex)
	}
	if meta.VectorsChecksum != checksum {
		return fmt.Errorf("metadata checksum %s does not match vectors %s: %w", meta.VectorsChecksum, checksum, models.ErrCorruptIndex)
	}
	if meta.Dimension != dim {
		return fmt.Errorf("metadata dimension %d, vectors %d: %w", meta.Dimension, dim, models.ErrCorruptIndex)
	}
	if meta.Count != count || len(meta.Chunks) != count {
		return fmt.Errorf("metadata count %d with %d chunks, vectors %d: %w", meta.Count, len(meta.Chunks), count, models.ErrCorruptIndex)
	}
	prev := int64(-1)
	for _, ch := range meta.Chunks {
		if ch.ID <= prev || ch.ID >= meta.NextID {
			return fmt.Errorf("chunk id %d out of order: %w", ch.ID, models.ErrCorruptIndex)
		}
		if ch.Text == "" {
			return fmt.Errorf("chunk %d has no text: %w", ch.ID, models.ErrCorruptIndex)
		}
		prev = ch.ID
	}
	return nil
}

// encodeVectors lays out header | little-endian float32 arena | xxhash64 of
// everything before the trailer.
func encodeVectors(dim, count int, arena []float32) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, headerSize+4*len(arena)+trailerSize))
	buf.Write(vectorsMagic[:])
	_ = binary.Write(buf, binary.LittleEndian, uint32(formatVersion))
	_ = binary.Write(buf, binary.LittleEndian, uint32(dim))
	_ = binary.Write(buf, binary.LittleEndian, uint64(count))

	var word [4]byte
	for _, v := range arena {
		binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
		buf.Write(word[:])
	}
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], xxhash.Sum64(buf.Bytes()))
	buf.Write(sum[:])
	return buf.Bytes()
}

func decodeVectors(data []byte) (dim, count int, arena []float32, err error) {
	if len(data) < headerSize+trailerSize {
		return 0, 0, nil, fmt.Errorf("vectors file truncated: %w", models.ErrCorruptIndex)
	}
	if !bytes.Equal(data[:4], vectorsMagic[:]) {
		return 0, 0, nil, fmt.Errorf("vectors file has bad magic: %w", models.ErrCorruptIndex)
	}
	body := data[:len(data)-trailerSize]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(data[len(data)-trailerSize:]) {
		return 0, 0, nil, fmt.Errorf("vectors checksum mismatch: %w", models.ErrCorruptIndex)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != formatVersion {
		return 0, 0, nil, fmt.Errorf("unsupported vectors version %d: %w", v, models.ErrCorruptIndex)
	}
	dim = int(binary.LittleEndian.Uint32(data[8:12]))
	n := binary.LittleEndian.Uint64(data[12:20])
	payload := body[headerSize:]
	if dim <= 0 || n > uint64(len(payload))/uint64(dim)/4 || uint64(len(payload)) != n*uint64(dim)*4 {
		return 0, 0, nil, fmt.Errorf("vectors file holds %d bytes for %d x %d: %w", len(payload), n, dim, models.ErrCorruptIndex)
	}
	count = int(n)
	arena = make([]float32, count*dim)
	for i := range arena {
		arena[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return dim, count, arena, nil
}

func checksumHex(trailer []byte) string {
	return fmt.Sprintf("%016x", binary.LittleEndian.Uint64(trailer))
}

// writeAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeAtomic(fsys afero.Fs, path string, data []byte) error {
	tmp, err := afero.TempFile(fsys, filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	cleanup := func() {
		if rmErr := fsys.Remove(name); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			log.Warn().Err(rmErr).Str("file", name).Msg("Failed to remove temp file")
		}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := fsys.Rename(name, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
