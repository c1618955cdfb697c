package vectorstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-rag/internal/models"
)

const testDir = "/kb"

// failingFs refuses to create files whose name contains match.
type failingFs struct {
	afero.Fs
	match string
}

func (f failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&os.O_CREATE != 0 && strings.Contains(filepath.Base(name), f.match) {
		return nil, errors.New("simulated crash")
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func (f failingFs) Create(name string) (afero.File, error) {
	return f.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

func newStore(t *testing.T, fs afero.Fs, dim int, dist Distance) *Store {
	t.Helper()
	s, err := New(Options{Dir: testDir, Dimension: dim, Distance: dist, Fs: fs})
	require.NoError(t, err)
	return s
}

func batch(source string, n int, dim int, rng *rand.Rand) ([]models.Chunk, [][]float32) {
	chunks := make([]models.Chunk, n)
	vectors := make([][]float32, n)
	for i := range chunks {
		chunks[i] = models.Chunk{
			Text:       fmt.Sprintf("%s chunk %d", source, i),
			SourceName: source,
			PageNumber: i/2 + 1,
			CharOffset: i * 800,
		}
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		vectors[i] = v
	}
	return chunks, vectors
}

func TestNew_Validation(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := New(Options{Dir: testDir, Dimension: 0, Fs: fs})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = New(Options{Dimension: 3, Fs: fs})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = New(Options{Dir: testDir, Dimension: 3, Distance: "manhattan", Fs: fs})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	s, err := New(Options{Dir: testDir, Dimension: 3, Fs: fs})
	require.NoError(t, err)
	assert.Equal(t, L2, s.Distance())
}

func TestAdd_AssignsSequentialIDs(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), 4, L2)
	rng := rand.New(rand.NewSource(1))

	c1, v1 := batch("a.pdf", 3, 4, rng)
	added, err := s.Add(c1, v1)
	require.NoError(t, err)
	c2, v2 := batch("b.pdf", 2, 4, rng)
	added2, err := s.Add(c2, v2)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1, 2}, ids(added))
	assert.Equal(t, []int64{3, 4}, ids(added2))
	assert.Equal(t, 5, s.Len())
}

func ids(chunks []models.Chunk) []int64 {
	out := make([]int64, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID
	}
	return out
}

func TestAdd_InvalidBatchLeavesStateUnchanged(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), 3, L2)
	rng := rand.New(rand.NewSource(2))
	c, v := batch("a", 2, 3, rng)
	_, err := s.Add(c, v)
	require.NoError(t, err)
	beforeChunks, beforeVectors := s.Snapshot()

	tests := []struct {
		name    string
		chunks  []models.Chunk
		vectors [][]float32
	}{
		{"more chunks than vectors", c, v[:1]},
		{"more vectors than chunks", c[:1], v},
		{"wrong dimension", c[:1], [][]float32{{1, 2}}},
		{"empty text", []models.Chunk{{SourceName: "a"}}, [][]float32{{1, 2, 3}}},
		{"nan", c[:1], [][]float32{{1, float32(math.NaN()), 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Add(tt.chunks, tt.vectors)
			assert.ErrorIs(t, err, models.ErrInvalidChunkBatch)
			_, err = s.Commit(tt.chunks, tt.vectors)
			assert.ErrorIs(t, err, models.ErrInvalidChunkBatch)

			afterChunks, afterVectors := s.Snapshot()
			assert.Equal(t, beforeChunks, afterChunks)
			assert.Equal(t, beforeVectors, afterVectors)
		})
	}

	// the id counter did not move either
	added, err := s.Add(c[:1], v[:1])
	require.NoError(t, err)
	assert.Equal(t, int64(2), added[0].ID)
}

func TestSearch_EmptyStore(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), 3, L2)
	for _, k := range []int{1, 4, 100} {
		res, err := s.Search([]float32{1, 0, 0}, k)
		require.NoError(t, err)
		assert.Empty(t, res)
	}
}

func TestSearch_Arguments(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), 3, L2)

	_, err := s.Search([]float32{1, 0, 0}, 0)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = s.Search([]float32{1, 0}, 1)
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
	_, err = s.Search([]float32{1, float32(math.Inf(1)), 0}, 1)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestSearch_OrderingL2(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), 2, L2)
	chunks := []models.Chunk{
		{Text: "far", SourceName: "s"},
		{Text: "near", SourceName: "s"},
		{Text: "mid", SourceName: "s"},
		{Text: "near twin", SourceName: "s"},
	}
	vectors := [][]float32{{10, 0}, {1, 0}, {3, 0}, {1, 0}}
	_, err := s.Add(chunks, vectors)
	require.NoError(t, err)

	res, err := s.Search([]float32{0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "near", res[0].Chunk.Text)
	assert.Equal(t, "near twin", res[1].Chunk.Text, "ties break by ascending id")
	assert.Equal(t, "mid", res[2].Chunk.Text)
	assert.InDelta(t, 1.0, res[0].Score, 1e-9)
	assert.InDelta(t, 9.0, res[2].Score, 1e-9)

	all, err := s.Search([]float32{0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSearch_Cosine(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), 2, Cosine)
	_, err := s.Add(
		[]models.Chunk{{Text: "same direction"}, {Text: "opposite"}, {Text: "zero"}, {Text: "orthogonal"}},
		[][]float32{{5, 0}, {-1, 0}, {0, 0}, {0, 3}},
	)
	require.NoError(t, err)

	res, err := s.Search([]float32{1, 0}, 4)
	require.NoError(t, err)
	require.Len(t, res, 4)
	assert.Equal(t, "same direction", res[0].Chunk.Text)
	assert.InDelta(t, 0.0, res[0].Score, 1e-9)
	// zero vector and orthogonal both sit at distance 1, zero has the lower id
	assert.Equal(t, "zero", res[1].Chunk.Text)
	assert.Equal(t, "orthogonal", res[2].Chunk.Text)
	assert.Equal(t, "opposite", res[3].Chunk.Text)
	assert.InDelta(t, 2.0, res[3].Score, 1e-9)
}

func TestSearch_NoExcludedCandidateIsCloser(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, dist := range []Distance{L2, Cosine} {
		s := newStore(t, afero.NewMemMapFs(), 8, dist)
		c, v := batch("doc", 60, 8, rng)
		_, err := s.Add(c, v)
		require.NoError(t, err)

		q := v[7]
		k := 5
		res, err := s.Search(q, k)
		require.NoError(t, err)
		require.Len(t, res, k)

		for i := 1; i < len(res); i++ {
			assert.LessOrEqual(t, res[i-1].Score, res[i].Score)
		}
		worst := res[len(res)-1].Score
		in := map[int64]bool{}
		for _, r := range res {
			in[r.Chunk.ID] = true
		}
		for i := range v {
			if in[int64(i)] {
				continue
			}
			assert.GreaterOrEqual(t, dist.between(q, v[i]), worst)
		}
	}
}

func TestPersistLoad_SearchEquivalence(t *testing.T) {
	fs := afero.NewMemMapFs()
	rng := rand.New(rand.NewSource(4))
	s := newStore(t, fs, 16, Cosine)
	c1, v1 := batch("one.pdf", 7, 16, rng)
	c2, v2 := batch("two.pdf", 5, 16, rng)
	_, err := s.Commit(c1, v1)
	require.NoError(t, err)
	_, err = s.Commit(c2, v2)
	require.NoError(t, err)

	reloaded := newStore(t, fs, 16, Cosine)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, s.Len(), reloaded.Len())

	for i := 0; i < 10; i++ {
		q := make([]float32, 16)
		for j := range q {
			q[j] = rng.Float32()
		}
		for _, k := range []int{1, 3, 12, 50} {
			want, err := s.Search(q, k)
			require.NoError(t, err)
			got, err := reloaded.Search(q, k)
			require.NoError(t, err)
			require.Len(t, got, len(want))
			for j := range want {
				assert.Equal(t, want[j].Chunk, got[j].Chunk)
				assert.InDelta(t, want[j].Score, got[j].Score, 1e-9)
			}
		}
	}

	// next id survives the reload
	c3, v3 := batch("three.pdf", 1, 16, rng)
	added, err := reloaded.Add(c3, v3)
	require.NoError(t, err)
	assert.Equal(t, int64(12), added[0].ID)
}

func TestLoad_NotFound(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), 3, L2)
	assert.ErrorIs(t, s.Load(), models.ErrIndexNotFound)
}

func TestOpen_MissingIndexStartsEmpty(t *testing.T) {
	s, err := Open(Options{Dir: testDir, Dimension: 3, Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	assert.Zero(t, s.Len())
}

func TestLoad_CrashBeforeMetadataWrite(t *testing.T) {
	mem := afero.NewMemMapFs()
	rng := rand.New(rand.NewSource(5))
	crashing := failingFs{Fs: mem, match: MetadataFile}

	s := newStore(t, crashing, 4, L2)
	c1, v1 := batch("first.pdf", 3, 4, rng)
	c2, v2 := batch("second.pdf", 2, 4, rng)
	_, err := s.Add(c1, v1)
	require.NoError(t, err)
	_, err = s.Add(c2, v2)
	require.NoError(t, err)
	require.Equal(t, 5, s.Len())

	require.Error(t, s.Persist())
	exists, err := afero.Exists(mem, filepath.Join(testDir, VectorsFile))
	require.NoError(t, err)
	require.True(t, exists, "vectors were written before the crash")

	reloaded := newStore(t, mem, 4, L2)
	err = reloaded.Load()
	assert.ErrorIs(t, err, models.ErrCorruptIndex)
	assert.Zero(t, reloaded.Len())
}

func TestLoad_CrashOverExistingIndex(t *testing.T) {
	mem := afero.NewMemMapFs()
	rng := rand.New(rand.NewSource(6))

	s := newStore(t, mem, 4, L2)
	c1, v1 := batch("first.pdf", 3, 4, rng)
	_, err := s.Commit(c1, v1)
	require.NoError(t, err)

	// same files, but metadata can no longer be replaced
	s.fs = failingFs{Fs: mem, match: MetadataFile}
	c2, v2 := batch("second.pdf", 2, 4, rng)
	_, err = s.Add(c2, v2)
	require.NoError(t, err)
	require.Error(t, s.Persist())

	reloaded := newStore(t, mem, 4, L2)
	assert.ErrorIs(t, reloaded.Load(), models.ErrCorruptIndex)
}

func TestCommit_RollsBackOnPersistFailure(t *testing.T) {
	mem := afero.NewMemMapFs()
	rng := rand.New(rand.NewSource(7))

	s := newStore(t, mem, 4, L2)
	c1, v1 := batch("first.pdf", 3, 4, rng)
	_, err := s.Commit(c1, v1)
	require.NoError(t, err)
	before, _ := s.Snapshot()

	s.fs = failingFs{Fs: mem, match: VectorsFile}
	c2, v2 := batch("second.pdf", 2, 4, rng)
	_, err = s.Commit(c2, v2)
	require.Error(t, err)

	after, _ := s.Snapshot()
	assert.Equal(t, before, after)
	assert.False(t, s.dirty, "rollback restores the clean flag")

	// disk was never touched, so the old pair still loads
	reloaded := newStore(t, mem, 4, L2)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 3, reloaded.Len())

	s.fs = mem
	added, err := s.Commit(c2, v2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, ids(added))
}

func TestLoad_DetectsTampering(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	setup := func(t *testing.T) afero.Fs {
		mem := afero.NewMemMapFs()
		s := newStore(t, mem, 4, L2)
		c, v := batch("doc", 4, 4, rng)
		_, err := s.Commit(c, v)
		require.NoError(t, err)
		return mem
	}

	t.Run("flipped vector byte", func(t *testing.T) {
		mem := setup(t)
		path := filepath.Join(testDir, VectorsFile)
		data, err := afero.ReadFile(mem, path)
		require.NoError(t, err)
		data[headerSize+3] ^= 0xff
		require.NoError(t, afero.WriteFile(mem, path, data, 0o644))

		assert.ErrorIs(t, newStore(t, mem, 4, L2).Load(), models.ErrCorruptIndex)
	})

	t.Run("truncated vectors", func(t *testing.T) {
		mem := setup(t)
		path := filepath.Join(testDir, VectorsFile)
		data, err := afero.ReadFile(mem, path)
		require.NoError(t, err)
		require.NoError(t, afero.WriteFile(mem, path, data[:10], 0o644))

		assert.ErrorIs(t, newStore(t, mem, 4, L2).Load(), models.ErrCorruptIndex)
	})

	t.Run("metadata missing", func(t *testing.T) {
		mem := setup(t)
		require.NoError(t, mem.Remove(filepath.Join(testDir, MetadataFile)))
		assert.ErrorIs(t, newStore(t, mem, 4, L2).Load(), models.ErrCorruptIndex)
	})

	t.Run("vectors missing", func(t *testing.T) {
		mem := setup(t)
		require.NoError(t, mem.Remove(filepath.Join(testDir, VectorsFile)))
		assert.ErrorIs(t, newStore(t, mem, 4, L2).Load(), models.ErrCorruptIndex)
	})

	t.Run("metadata not json", func(t *testing.T) {
		mem := setup(t)
		require.NoError(t, afero.WriteFile(mem, filepath.Join(testDir, MetadataFile), []byte("{"), 0o644))
		assert.ErrorIs(t, newStore(t, mem, 4, L2).Load(), models.ErrCorruptIndex)
	})

	t.Run("dimension differs from configuration", func(t *testing.T) {
		mem := setup(t)
		assert.ErrorIs(t, newStore(t, mem, 8, L2).Load(), models.ErrDimensionMismatch)
	})
}

func TestClear(t *testing.T) {
	mem := afero.NewMemMapFs()
	rng := rand.New(rand.NewSource(9))
	s := newStore(t, mem, 4, L2)
	c, v := batch("doc", 4, 4, rng)
	_, err := s.Commit(c, v)
	require.NoError(t, err)

	require.NoError(t, s.Clear())
	assert.Zero(t, s.Len())
	require.NoError(t, s.Persist())

	reloaded := newStore(t, mem, 4, L2)
	require.NoError(t, reloaded.Load(), "empty store persists a valid pair")
	assert.Zero(t, reloaded.Len())
	res, err := reloaded.Search(v[0], 3)
	require.NoError(t, err)
	assert.Empty(t, res)

	added, err := s.Add(c[:1], v[:1])
	require.NoError(t, err)
	assert.Equal(t, int64(0), added[0].ID, "clear resets the id counter")
}

func TestRemoveSource(t *testing.T) {
	mem := afero.NewMemMapFs()
	rng := rand.New(rand.NewSource(10))
	s := newStore(t, mem, 4, L2)
	ca, va := batch("a.pdf", 3, 4, rng)
	cb, vb := batch("b.pdf", 2, 4, rng)
	_, err := s.Commit(ca, va)
	require.NoError(t, err)
	_, err = s.Commit(cb, vb)
	require.NoError(t, err)

	removed, err := s.RemoveSource("a.pdf")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 2, s.Len())

	// vectors followed their chunks through the rebuild
	res, err := s.Search(vb[1], 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(4), res[0].Chunk.ID)
	assert.InDelta(t, 0.0, res[0].Score, 1e-9)

	_, err = s.RemoveSource("a.pdf")
	assert.ErrorIs(t, err, models.ErrSourceNotFound)

	reloaded := newStore(t, mem, 4, L2)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 2, reloaded.Len())

	// ids are not reused after deletion
	added, err := reloaded.Add(ca[:1], va[:1])
	require.NoError(t, err)
	assert.Equal(t, int64(5), added[0].ID)
}

func TestReplaceSource(t *testing.T) {
	mem := afero.NewMemMapFs()
	rng := rand.New(rand.NewSource(11))
	s := newStore(t, mem, 4, L2)
	ca, va := batch("a.pdf", 3, 4, rng)
	cb, vb := batch("b.pdf", 2, 4, rng)
	_, err := s.Commit(ca, va)
	require.NoError(t, err)
	_, err = s.Commit(cb, vb)
	require.NoError(t, err)

	newA, newVA := batch("a.pdf", 1, 4, rng)
	added, err := s.ReplaceSource("a.pdf", newA, newVA)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids(added))

	infos := s.Sources()
	require.Len(t, infos, 2)
	assert.Equal(t, models.SourceInfo{SourceName: "b.pdf", Chunks: 2, Pages: 1}, infos[0])
	assert.Equal(t, models.SourceInfo{SourceName: "a.pdf", Chunks: 1, Pages: 1}, infos[1])

	// replacing a source that is not indexed just adds
	cc, vc := batch("c.pdf", 2, 4, rng)
	_, err = s.ReplaceSource("c.pdf", cc, vc)
	require.NoError(t, err)
	assert.Equal(t, 5, s.Len())
}

func TestReplaceSource_RollbackOnPersistFailure(t *testing.T) {
	mem := afero.NewMemMapFs()
	rng := rand.New(rand.NewSource(12))
	s := newStore(t, mem, 4, L2)
	ca, va := batch("a.pdf", 3, 4, rng)
	_, err := s.Commit(ca, va)
	require.NoError(t, err)
	before, beforeVec := s.Snapshot()

	s.fs = failingFs{Fs: mem, match: ".tmp"}
	newA, newVA := batch("a.pdf", 1, 4, rng)
	_, err = s.ReplaceSource("a.pdf", newA, newVA)
	require.Error(t, err)

	after, afterVec := s.Snapshot()
	assert.Equal(t, before, after)
	assert.Equal(t, beforeVec, afterVec)
	assert.False(t, s.dirty)
}

func TestDecodeVectors_CountOverflow(t *testing.T) {
	// 2^60+1 vectors of 4 floats wraps to 16 bytes in uint64
	data := encodeVectors(4, 0, []float32{1, 2, 3, 4})
	binary.LittleEndian.PutUint64(data[12:20], uint64(1)<<60+1)
	body := data[:len(data)-trailerSize]
	binary.LittleEndian.PutUint64(data[len(data)-trailerSize:], xxhash.Sum64(body))

	_, _, _, err := decodeVectors(data)
	assert.ErrorIs(t, err, models.ErrCorruptIndex)
}

func TestStats(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), 4, Cosine)
	rng := rand.New(rand.NewSource(13))
	c, v := batch("a.pdf", 5, 4, rng)
	_, err := s.Add(c, v)
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, 5, stats.TotalChunks)
	assert.Equal(t, 4, stats.Dimension)
	assert.Equal(t, "cosine", stats.Distance)
	require.Len(t, stats.Sources, 1)
	assert.Equal(t, 3, stats.Sources[0].Pages)
}

func TestClose_FlushesPendingChanges(t *testing.T) {
	mem := afero.NewMemMapFs()
	rng := rand.New(rand.NewSource(14))
	s := newStore(t, mem, 4, L2)
	c, v := batch("a.pdf", 2, 4, rng)
	_, err := s.Add(c, v)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reloaded := newStore(t, mem, 4, L2)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 2, reloaded.Len())
}

func TestConcurrentSearchDuringCommit(t *testing.T) {
	mem := afero.NewMemMapFs()
	rng := rand.New(rand.NewSource(15))
	s := newStore(t, mem, 4, L2)
	const batchSize = 4
	var batches [][]models.Chunk
	var vecs [][][]float32
	for i := 0; i < 20; i++ {
		c, v := batch(fmt.Sprintf("doc-%d", i), batchSize, 4, rng)
		batches = append(batches, c)
		vecs = append(vecs, v)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range batches {
			_, err := s.Commit(batches[i], vecs[i])
			assert.NoError(t, err)
		}
	}()

	for i := 0; i < 200; i++ {
		res, err := s.Search([]float32{0, 0, 0, 0}, 1000)
		require.NoError(t, err)
		assert.Zero(t, len(res)%batchSize, "search saw a partial batch")
	}
	wg.Wait()
	assert.Equal(t, 80, s.Len())
}
