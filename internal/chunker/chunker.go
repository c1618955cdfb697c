// Package chunker turns extracted pages into overlapping fixed-size chunks
// that remember which page and offset they came from.
package chunker

import (
	"sort"
	"strings"
	"unicode"

	"study-rag/internal/models"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Chunker slides a window of size runes over the concatenated page text,
// advancing by size-overlap each step.
type Chunker struct {
	size    int
	overlap int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithChunkSize sets the window size in characters
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

// WithOverlap sets how many characters consecutive windows share
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// New builds a Chunker. An overlap that is not smaller than the size is
// clamped to size/2.
func New(opts ...Option) *Chunker {
	c := &Chunker{size: DefaultChunkSize, overlap: DefaultChunkOverlap}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.size {
		c.overlap = c.size / 2
	}
	return c
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk normalizes pages, drops blank ones and splits the rest into chunks.
// Pages are joined with a single newline that belongs to the earlier page.
// Chunk ids are left zero; the vector store assigns them.
func (c *Chunker) Chunk(source string, pages []models.Page) []models.Chunk {
	var (
		text   []rune
		starts []int
		nums   []int
	)
	for _, p := range pages {
		norm := Normalize(p.Text)
		if norm == "" {
			continue
		}
		if len(text) > 0 {
			text = append(text, '\n')
		}
		starts = append(starts, len(text))
		nums = append(nums, p.Number)
		text = append(text, []rune(norm)...)
	}
	if len(text) == 0 {
		return nil
	}

	step := c.size - c.overlap
	chunks := make([]models.Chunk, 0, len(text)/step+1)
	for start := 0; start < len(text); start += step {
		end := min(start+c.size, len(text))
		chunks = append(chunks, models.Chunk{
			Text:       string(text[start:end]),
			SourceName: source,
			PageNumber: pageAt(starts, nums, start),
			CharOffset: start,
		})
		if end == len(text) {
			break
		}
	}
	return chunks
}

// pageAt returns the page owning the rune at offset. A page's separator
// newline counts as part of that page.
func pageAt(starts, nums []int, offset int) int {
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > offset }) - 1
	if i < 0 {
		return models.NoPageNumber
	}
	return nums[i]
}

// Normalize canonicalizes line endings, replaces invalid UTF-8, drops
// control characters other than newline and tab, and trims the result.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ToValidUTF8(s, string(unicode.ReplacementChar))
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
