// Package relay defines the JSON frames exchanged over the voice WebSocket.
package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Inbound frame type values.
const (
	TypeAudioData    = "audio_data"
	TypeVoiceMessage = "voice_message"
	TypePing         = "ping"
)

// Outbound frame type values.
const (
	TypeAIResponse = "ai_response"
	TypeError      = "error"
	TypePong       = "pong"
)

// Kind 入站事件类型，在传输边界解析一次。
type Kind int

const (
	// KindUnknown covers missing or unrecognised type values; it is a no-op.
	KindUnknown Kind = iota
	KindAudio
	KindText
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return TypeAudioData
	case KindText:
		return TypeVoiceMessage
	case KindPing:
		return TypePing
	default:
		return "unknown"
	}
}

var (
	// ErrMalformedFrame is returned when a frame is not a JSON object.
	ErrMalformedFrame = errors.New("invalid JSON format")
	// ErrInvalidField is returned when a recognised frame carries a payload
	// field of the wrong JSON type.
	ErrInvalidField = errors.New("invalid field")
)

// Inbound is a decoded client frame.
type Inbound struct {
	Kind Kind
	// Type keeps the raw type value for logging.
	Type string
	// Audio is the base64 payload of an audio_data frame.
	Audio string
	// Message is the text of a voice_message frame.
	Message string
}

// DecodeInbound parses a raw frame. Frames that are not JSON objects fail
// with ErrMalformedFrame. A type that is missing, not a string or not
// recognised decodes to KindUnknown, and fields the kind does not use are
// never inspected. A recognised kind whose payload field has the wrong JSON
// type fails with ErrInvalidField.
func DecodeInbound(data []byte) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		if err == nil {
			err = errors.New("frame is null")
		}
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var in Inbound
	rawType, ok := fields["type"]
	if !ok {
		return in, nil
	}
	if err := json.Unmarshal(rawType, &in.Type); err != nil {
		in.Type = string(rawType)
		return in, nil
	}

	switch in.Type {
	case TypeAudioData:
		in.Kind = KindAudio
		audio, err := stringField(fields, "audio")
		if err != nil {
			return in, err
		}
		in.Audio = audio
	case TypeVoiceMessage:
		in.Kind = KindText
		message, err := stringField(fields, "message")
		if err != nil {
			return in, err
		}
		in.Message = message
	case TypePing:
		in.Kind = KindPing
	}
	return in, nil
}

// stringField reads an optional string field. Absent and null read as "".
func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", nil
	}
	var value *string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("%w: %q must be a string", ErrInvalidField, name)
	}
	if value == nil {
		return "", nil
	}
	return *value, nil
}

// DecodeAudio converts the transport encoding of an audio_data frame back to
// raw bytes. Browser data URLs ("data:audio/webm;base64,...") are accepted.
func (in Inbound) DecodeAudio() ([]byte, error) {
	payload := strings.TrimSpace(in.Audio)
	if strings.HasPrefix(payload, "data:") {
		if idx := strings.Index(payload, ","); idx >= 0 {
			payload = payload[idx+1:]
		}
	}
	if payload == "" {
		return nil, errors.New("audio payload is empty")
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("audio payload is empty")
	}
	return raw, nil
}

// Outbound is a server frame. Transcription is only set for replies to
// audio frames. Message and Audio are always set on ai_response frames,
// possibly empty; pong frames carry neither.
type Outbound struct {
	Type          string  `json:"type"`
	Transcription *string `json:"transcription,omitempty"`
	Message       *string `json:"message,omitempty"`
	Audio         *string `json:"audio,omitempty"`
	SessionID     string  `json:"session_id"`
	Timestamp     float64 `json:"timestamp"`
}

// Reply builds an ai_response frame.
func Reply(sessionID, message string, audio []byte) Outbound {
	encoded := ""
	if len(audio) > 0 {
		encoded = base64.StdEncoding.EncodeToString(audio)
	}
	return Outbound{
		Type:      TypeAIResponse,
		Message:   &message,
		Audio:     &encoded,
		SessionID: sessionID,
		Timestamp: Now(),
	}
}

// WithTranscription attaches the transcript of the originating audio.
func (o Outbound) WithTranscription(transcript string) Outbound {
	o.Transcription = &transcript
	return o
}

// Error builds an error frame.
func Error(sessionID, message string) Outbound {
	return Outbound{
		Type:      TypeError,
		Message:   &message,
		SessionID: sessionID,
		Timestamp: Now(),
	}
}

// Pong builds a liveness acknowledgment.
func Pong(sessionID string) Outbound {
	return Outbound{
		Type:      TypePong,
		SessionID: sessionID,
		Timestamp: Now(),
	}
}

// Text returns the message field, or "" when the frame has none.
func (o Outbound) Text() string {
	if o.Message == nil {
		return ""
	}
	return *o.Message
}

// IsError reports whether the frame is an error frame.
func (o Outbound) IsError() bool {
	return o.Type == TypeError
}

// Encode serializes the frame for the wire.
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// Now returns the frame timestamp in fractional Unix seconds.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
