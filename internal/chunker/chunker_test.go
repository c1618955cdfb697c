package chunker

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-rag/internal/models"
)

// reconstruct drops the overlapping prefix of every chunk after the first
// and concatenates what remains.
func reconstruct(chunks []models.Chunk) string {
	var sb strings.Builder
	covered := 0
	for _, ch := range chunks {
		r := []rune(ch.Text)
		skip := covered - ch.CharOffset
		if skip < 0 {
			skip = 0
		}
		if skip < len(r) {
			sb.WriteString(string(r[skip:]))
		}
		covered = ch.CharOffset + len(r)
	}
	return sb.String()
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := New()
		assert.Equal(t, DefaultChunkSize, c.Size())
		assert.Equal(t, DefaultChunkOverlap, c.Overlap())
	})

	t.Run("overlap not below size is clamped", func(t *testing.T) {
		c := New(WithChunkSize(100), WithOverlap(150))
		assert.Equal(t, 50, c.Overlap())

		c = New(WithChunkSize(100), WithOverlap(100))
		assert.Equal(t, 50, c.Overlap())
	})

	t.Run("invalid values ignored", func(t *testing.T) {
		c := New(WithChunkSize(0), WithOverlap(-3))
		assert.Equal(t, DefaultChunkSize, c.Size())
		assert.Equal(t, DefaultChunkOverlap, c.Overlap())
	})
}

func TestChunk_SinglePage2300(t *testing.T) {
	text := strings.Repeat("abcdefghij", 230)
	require.Len(t, text, 2300)

	c := New(WithChunkSize(1000), WithOverlap(200))
	chunks := c.Chunk("notes.pdf", []models.Page{{Number: 1, Text: text}})

	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].CharOffset)
	assert.Equal(t, 800, chunks[1].CharOffset)
	assert.Equal(t, 1600, chunks[2].CharOffset)
	assert.Len(t, chunks[0].Text, 1000)
	assert.Len(t, chunks[1].Text, 1000)
	assert.Len(t, chunks[2].Text, 700)
	assert.Equal(t, text[800:1800], chunks[1].Text)
	for _, ch := range chunks {
		assert.Equal(t, "notes.pdf", ch.SourceName)
		assert.Equal(t, 1, ch.PageNumber)
		assert.Zero(t, ch.ID)
	}
}

func TestChunk_ExactFitStopsAtEnd(t *testing.T) {
	c := New(WithChunkSize(10), WithOverlap(2))
	chunks := c.Chunk("a", []models.Page{{Number: 1, Text: strings.Repeat("x", 10)}})
	require.Len(t, chunks, 1)

	// 18 = 0..10, 8..18; no trailing window made only of overlap
	chunks = c.Chunk("a", []models.Page{{Number: 1, Text: strings.Repeat("x", 18)}})
	require.Len(t, chunks, 2)
	assert.Equal(t, 8, chunks[1].CharOffset)
}

func TestChunk_PageMapping(t *testing.T) {
	c := New(WithChunkSize(4), WithOverlap(1))
	pages := []models.Page{
		{Number: 1, Text: "aaaa"},
		{Number: 2, Text: "   "},
		{Number: 3, Text: "bbbb"},
	}
	chunks := c.Chunk("doc", pages)

	// combined text "aaaa\nbbbb", windows at 0, 3 and 6
	require.Len(t, chunks, 3)
	assert.Equal(t, "aaaa", chunks[0].Text)
	assert.Equal(t, 1, chunks[0].PageNumber)
	assert.Equal(t, "a\nbb", chunks[1].Text)
	assert.Equal(t, 1, chunks[1].PageNumber)
	assert.Equal(t, "bbb", chunks[2].Text)
	assert.Equal(t, 3, chunks[2].PageNumber)
}

func TestChunk_SeparatorBelongsToPrecedingPage(t *testing.T) {
	c := New(WithChunkSize(3), WithOverlap(0))
	chunks := c.Chunk("doc", []models.Page{{Number: 1, Text: "ab"}, {Number: 2, Text: "cd"}})

	// "ab\ncd": windows "ab\n" at 0 and "cd" at 3
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].PageNumber)
	assert.Equal(t, 3, chunks[1].CharOffset)
	assert.Equal(t, 2, chunks[1].PageNumber)
}

func TestChunk_EmptyInputs(t *testing.T) {
	c := New()
	assert.Empty(t, c.Chunk("x", nil))
	assert.Empty(t, c.Chunk("x", []models.Page{{Number: 1, Text: ""}, {Number: 2, Text: "\r\n\t "}}))
}

func TestChunk_UnpaginatedSource(t *testing.T) {
	c := New(WithChunkSize(50), WithOverlap(10))
	chunks := c.Chunk("readme.md", []models.Page{{Number: models.NoPageNumber, Text: "hello world"}})
	require.Len(t, chunks, 1)
	assert.Equal(t, models.NoPageNumber, chunks[0].PageNumber)
}

func TestChunk_MultibyteOffsetsAreRunes(t *testing.T) {
	c := New(WithChunkSize(3), WithOverlap(1))
	chunks := c.Chunk("uni", []models.Page{{Number: 1, Text: "日本語のテキスト"}})

	require.Len(t, chunks, 4)
	assert.Equal(t, "日本語", chunks[0].Text)
	assert.Equal(t, 2, chunks[1].CharOffset)
	assert.Equal(t, "語のテ", chunks[1].Text)
}

func TestChunk_ReconstructsSource(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := []rune("abc def\nghé日.")

	for i := 0; i < 50; i++ {
		var pages []models.Page
		numPages := 1 + rng.Intn(4)
		for p := 1; p <= numPages; p++ {
			n := rng.Intn(300)
			r := make([]rune, n)
			for j := range r {
				r[j] = alphabet[rng.Intn(len(alphabet))]
			}
			pages = append(pages, models.Page{Number: p, Text: string(r)})
		}

		size := 5 + rng.Intn(60)
		overlap := rng.Intn(size)
		c := New(WithChunkSize(size), WithOverlap(overlap))
		chunks := c.Chunk("rand", pages)

		var want []string
		for _, p := range pages {
			if n := Normalize(p.Text); n != "" {
				want = append(want, n)
			}
		}
		assert.Equal(t, strings.Join(want, "\n"), reconstruct(chunks), "size=%d overlap=%d", size, overlap)

		for _, ch := range chunks {
			assert.NotEmpty(t, ch.Text)
			assert.LessOrEqual(t, len([]rune(ch.Text)), size)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"crlf", "a\r\nb\rc", "a\nb\nc"},
		{"control chars dropped", "a\x00b\x07c\td", "abc\td"},
		{"trimmed", "  \n text \n ", "text"},
		{"invalid utf8", "a\xffb", "a\uFFFDb"},
		{"blank", " \t\r\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}
