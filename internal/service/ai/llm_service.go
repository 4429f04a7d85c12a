package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/voice-relay/backend/internal/model/conversation"
)

// ErrEmptyReply is returned when the model answers with no text.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Service runs the completion chain: system instruction, optional history
// context, then the user message.
type Service struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewService compiles the chat chain around any eino chat model.
func NewService(ctx context.Context, chatModel model.BaseChatModel) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("context", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{chain: runnable}, nil
}

// Complete generates the assistant reply for one prompt.
func (s *Service) Complete(ctx context.Context, p conversation.Prompt) (string, error) {
	response, err := s.chain.Invoke(ctx, buildChainInput(p))
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", ErrEmptyReply
	}

	log.Printf("[ai] generated response length=%d", len(response.Content))
	return response.Content, nil
}

// buildChainInput 将历史上下文作为第二条 system 消息注入。
func buildChainInput(p conversation.Prompt) map[string]any {
	var contextMessages []*schema.Message
	if strings.TrimSpace(p.Context) != "" {
		contextMessages = []*schema.Message{schema.SystemMessage(p.Context)}
	}

	return map[string]any{
		"system":  p.System,
		"context": contextMessages,
		"query":   p.Message,
	}
}
