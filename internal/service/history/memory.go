package history

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/voice-relay/backend/internal/model/conversation"
)

// MemoryStore keeps conversations in process memory. Suitable for local
// development and tests; data is lost on restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*conversation.Conversation),
	}
}

// Create provisions an empty conversation.
func (s *MemoryStore) Create(_ context.Context, sessionID string) (conversation.Conversation, error) {
	sessionID, err := normalizeSessionID(sessionID)
	if err != nil {
		return conversation.Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[sessionID]; ok {
		return conversation.Conversation{}, ErrConversationExists
	}

	now := time.Now().UTC()
	conv := &conversation.Conversation{
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]conversation.Exchange, 0, 16),
	}
	s.conversations[sessionID] = conv
	return snapshot(conv, 0), nil
}

// Append adds an exchange, upserting the conversation.
func (s *MemoryStore) Append(_ context.Context, sessionID string, exchange conversation.Exchange) error {
	sessionID, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if exchange.Timestamp.IsZero() {
		exchange.Timestamp = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[sessionID]
	if !ok {
		conv = &conversation.Conversation{SessionID: sessionID, CreatedAt: now}
		s.conversations[sessionID] = conv
	}
	conv.Messages = append(conv.Messages, exchange)
	conv.UpdatedAt = now
	return nil
}

// Recent returns the trailing limit exchanges, oldest first.
func (s *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]conversation.Exchange, error) {
	sessionID, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[sessionID]
	if !ok {
		return []conversation.Exchange{}, nil
	}
	return tail(conv.Messages, limit), nil
}

// Get returns a copy of the conversation trimmed to limit exchanges
// (limit <= 0 returns all of them).
func (s *MemoryStore) Get(_ context.Context, sessionID string, limit int) (conversation.Conversation, error) {
	sessionID, err := normalizeSessionID(sessionID)
	if err != nil {
		return conversation.Conversation{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[sessionID]
	if !ok {
		return conversation.Conversation{}, ErrConversationMissing
	}
	return snapshot(conv, limit), nil
}

// Delete drops the conversation.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) (bool, error) {
	sessionID, err := normalizeSessionID(sessionID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[sessionID]; !ok {
		return false, nil
	}
	delete(s.conversations, sessionID)
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }

// snapshot copies conv; limit <= 0 keeps every exchange.
func snapshot(conv *conversation.Conversation, limit int) conversation.Conversation {
	if limit <= 0 {
		limit = len(conv.Messages)
	}
	out := *conv
	out.Messages = tail(conv.Messages, limit)
	return out
}
