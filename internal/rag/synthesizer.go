package rag

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"study-rag/internal/helper"
	"study-rag/internal/llmservice"
	"study-rag/internal/models"
)

const DefaultSnippetLength = 300

var thinkRe = regexp.MustCompile(models.ThinkTag)

// Synthesizer turns retrieved chunks into a grounded, cited answer.
type Synthesizer struct {
	completer   llmservice.Completer
	model       string
	temperature float64
	snippetLen  int
}

func NewSynthesizer(completer llmservice.Completer, model string, temperature float64, snippetLen int) *Synthesizer {
	if snippetLen <= 0 {
		snippetLen = DefaultSnippetLength
	}
	return &Synthesizer{completer: completer, model: model, temperature: temperature, snippetLen: snippetLen}
}

// Answer asks the model to answer query from retrieved alone. With nothing
// retrieved the model is still asked, but the answer is marked context-free
// and carries no citations.
func (s *Synthesizer) Answer(ctx context.Context, query string, retrieved []models.ScoredChunk) (*models.Answer, error) {
	prompt, contextFree := BuildPrompt(query, retrieved)
	if contextFree {
		log.Info().Str("query", query).Msg("No context retrieved, asking without sources")
	}

	text, err := s.completer.Complete(ctx, prompt, s.model, s.temperature)
	if err != nil {
		return nil, err
	}

	answer := &models.Answer{
		Text:        strings.TrimSpace(thinkRe.ReplaceAllString(text, "")),
		Citations:   []models.Citation{},
		ContextFree: contextFree,
	}
	if !contextFree {
		answer.Citations = Citations(retrieved, s.snippetLen)
	}
	return answer, nil
}

// BuildPrompt reports whether the prompt carries no context.
func BuildPrompt(query string, retrieved []models.ScoredChunk) (models.Prompt, bool) {
	if len(retrieved) == 0 {
		return models.Prompt{
			System: models.SystemPrompt,
			User:   fmt.Sprintf(models.NoContextPromptTemplate, query),
		}, true
	}

	entries := make([]string, len(retrieved))
	for i, r := range retrieved {
		tag := fmt.Sprintf(models.SourceTagFormat, i+1, r.Chunk.SourceName, PageLabel(r.Chunk.PageNumber))
		entries[i] = tag + "\n" + r.Chunk.Text
	}
	return models.Prompt{
		System: models.SystemPrompt,
		User:   fmt.Sprintf(models.ContextPromptTemplate, strings.Join(entries, models.ContextSeparator), query),
	}, false
}

// PageLabel renders a page number for display
func PageLabel(page int) string {
	if page == models.NoPageNumber {
		return "n/a"
	}
	return strconv.Itoa(page)
}

// Citations returns one citation per distinct (source, page) in the order
// first retrieved. The snippet comes from the first chunk seen for it.
func Citations(retrieved []models.ScoredChunk, snippetLen int) []models.Citation {
	type key struct {
		source string
		page   int
	}
	seen := make(map[key]struct{}, len(retrieved))
	citations := make([]models.Citation, 0, len(retrieved))
	for _, r := range retrieved {
		k := key{r.Chunk.SourceName, r.Chunk.PageNumber}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		citations = append(citations, models.Citation{
			SourceName: r.Chunk.SourceName,
			PageNumber: r.Chunk.PageNumber,
			Snippet:    helper.Truncate(r.Chunk.Text, snippetLen),
		})
	}
	return citations
}
