// Package chat produces avatar dialogue through the OpenAI chat completions API.
package chat

import (
	"context"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/AvatarStream/internal/core"
)

const DefaultModel = "gpt-3.5-turbo"

// Config selects the model and the persona prompt.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int64
}

// Generator implements core.UtteranceGenerator.
type Generator struct {
	client openai.Client
	model  string
	system string
	limit  int64
}

var _ core.UtteranceGenerator = (*Generator)(nil)

func NewGenerator(cfg Config, hc *http.Client) *Generator {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if hc != nil {
		opts = append(opts, option.WithHTTPClient(hc))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	return &Generator{
		client: openai.NewClient(opts...),
		model:  model,
		system: cfg.SystemPrompt,
		limit:  cfg.MaxTokens,
	}
}

func (g *Generator) GenerateUtterance(ctx context.Context, prompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if g.system != "" {
		messages = append(messages, openai.SystemMessage(g.system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.model),
		Messages: messages,
	}
	if g.limit > 0 {
		params.MaxCompletionTokens = openai.Int(g.limit)
	}

	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", errors.Wrap(err, "chat completion")
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("chat completion returned empty content")
	}
	log.Debug().Str("module", "openai").Str("model", g.model).Int("chars", len(text)).Msg("utterance generated")
	return text, nil
}
