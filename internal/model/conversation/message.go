package conversation

import "time"

// Exchange is one user utterance together with the assistant reply.
// Exchanges are append-only; once stored they are never rewritten.
type Exchange struct {
	UserMessage    string    `json:"user_message"`
	AssistantReply string    `json:"ai_response"`
	Transcription  string    `json:"transcription,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Conversation is the persisted log of a session.
type Conversation struct {
	SessionID string     `json:"session_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Messages  []Exchange `json:"messages"`
}

// Prompt is the input handed to a completion backend.
type Prompt struct {
	// System is the assistant instruction.
	System string
	// Context is an optional block summarising earlier exchanges.
	Context string
	// Message is the user's utterance for this turn.
	Message string
}
