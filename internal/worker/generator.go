package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// textGenerator is the narrow LLM surface the generation executors
// depend on; tests substitute a fake.
type textGenerator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// claudeGenerator calls the Anthropic Messages API.
type claudeGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func newClaudeGenerator(apiKey, model string, maxTokens int) (*claudeGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required for generation executors")
	}
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &claudeGenerator{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
	}, nil
}

func (g *claudeGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", errors.New("empty completion")
	}
	return out.String(), nil
}
