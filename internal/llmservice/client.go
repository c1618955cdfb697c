package llmservice

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"study-rag/internal/config"
	"study-rag/internal/models"
)

// Completer sends a prompt to a language model and returns its text
type Completer interface {
	Complete(ctx context.Context, prompt models.Prompt, model string, temperature float64) (string, error)
}

// NewModel builds the langchaingo model for the configured provider.
// "openai" covers every OpenAI-compatible endpoint, Groq included.
func NewModel(cfg *config.LLMConfig) (llms.Model, error) {
	log.Debug().Str("provider", cfg.Provider).Str("base_url", cfg.BaseURL).Str("model", cfg.Model).Msg("Creating LLM client")
	switch cfg.Provider {
	case "openai", "":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize llm client: %w", err)
		}
		return llm, nil
	case "ollama":
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize llm client: %w", err)
		}
		return llm, nil
	}
	return nil, fmt.Errorf("unknown llm provider %q: %w", cfg.Provider, models.ErrInvalidArgument)
}

type Client struct {
	llm llms.Model
}

var _ Completer = (*Client)(nil)

func NewClient(llm llms.Model) *Client {
	return &Client{llm: llm}
}

// GenerateContent passes messages straight to the model
func (c *Client) GenerateContent(ctx context.Context, tools []llms.Tool, messages []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	if len(tools) > 0 {
		opts = append(opts, llms.WithTools(tools))
	}
	return c.llm.GenerateContent(ctx, messages, opts...)
}

// Complete sends a system and a user message. Any failure, including an
// empty response, is ErrCompletionUnavailable.
func (c *Client) Complete(ctx context.Context, prompt models.Prompt, model string, temperature float64) (string, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if prompt.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, prompt.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt.User))

	opts := []llms.CallOption{llms.WithTemperature(temperature)}
	if model != "" {
		opts = append(opts, llms.WithModel(model))
	}
	res, err := c.GenerateContent(ctx, nil, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrCompletionUnavailable, err)
	}
	if res == nil || len(res.Choices) == 0 {
		return "", fmt.Errorf("%w: model returned no choices", models.ErrCompletionUnavailable)
	}
	return res.Choices[0].Content, nil
}
