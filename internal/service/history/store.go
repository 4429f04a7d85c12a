// Package history persists conversation exchanges per session and renders
// recent exchanges as model context.
package history

import (
	"context"
	"errors"
	"strings"

	"github.com/zhouzirui/voice-relay/backend/internal/model/conversation"
)

var (
	ErrSessionRequired     = errors.New("session id is required")
	ErrConversationExists  = errors.New("conversation already exists")
	ErrConversationMissing = errors.New("conversation not found")
)

// Store is the conversation-history persistence contract. Implementations
// must be safe for concurrent use.
type Store interface {
	// Create starts an empty conversation for sessionID.
	Create(ctx context.Context, sessionID string) (conversation.Conversation, error)
	// Append adds an exchange, creating the conversation if needed.
	Append(ctx context.Context, sessionID string, exchange conversation.Exchange) error
	// Recent returns at most limit exchanges, oldest first. Unknown sessions
	// yield an empty slice.
	Recent(ctx context.Context, sessionID string, limit int) ([]conversation.Exchange, error)
	// Get returns the conversation with at most limit trailing exchanges.
	Get(ctx context.Context, sessionID string, limit int) (conversation.Conversation, error)
	// Delete removes the conversation and reports whether it existed.
	Delete(ctx context.Context, sessionID string) (bool, error)
	Close() error
}

// FormatContext renders exchanges as the context block sent to the model.
// An empty slice renders as "".
func FormatContext(exchanges []conversation.Exchange) string {
	if len(exchanges) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, ex := range exchanges {
		b.WriteString("User: ")
		b.WriteString(ex.UserMessage)
		b.WriteString("\nAssistant: ")
		b.WriteString(ex.AssistantReply)
		b.WriteString("\n")
	}
	return b.String()
}

// normalizeSessionID trims surrounding whitespace so every operation of a
// store addresses the same conversation for the same id.
func normalizeSessionID(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", ErrSessionRequired
	}
	return sessionID, nil
}

// tail returns the last n items of s; n <= 0 means none.
func tail(s []conversation.Exchange, n int) []conversation.Exchange {
	if n <= 0 {
		return []conversation.Exchange{}
	}
	start := 0
	if len(s) > n {
		start = len(s) - n
	}
	out := make([]conversation.Exchange, len(s)-start)
	copy(out, s[start:])
	return out
}
