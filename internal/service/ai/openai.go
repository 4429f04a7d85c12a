package ai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/openai/openai-go"

	"github.com/zhouzirui/voice-relay/backend/internal/model/conversation"
)

// OpenAIOptions tunes the OpenAI chat completion call.
type OpenAIOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// OpenAICompleter answers prompts with the OpenAI chat completions API.
type OpenAICompleter struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAICompleter wraps a configured client.
func NewOpenAICompleter(client *openai.Client, opts OpenAIOptions) *OpenAICompleter {
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT3_5Turbo
	}
	return &OpenAICompleter{client: client, opts: opts}
}

// Complete sends system, context and user messages in that order.
func (c *OpenAICompleter) Complete(ctx context.Context, p conversation.Prompt) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(p.System)}
	if strings.TrimSpace(p.Context) != "" {
		messages = append(messages, openai.SystemMessage(p.Context))
	}
	messages = append(messages, openai.UserMessage(p.Message))

	params := openai.ChatCompletionNewParams{
		Model:       c.opts.Model,
		Messages:    messages,
		Temperature: openai.Float(c.opts.Temperature),
	}
	if c.opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.opts.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyReply
	}

	text := resp.Choices[0].Message.Content
	log.Printf("[ai] openai response model=%s length=%d", resp.Model, len(text))
	return text, nil
}
