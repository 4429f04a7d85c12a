// Package pipeline sequences transcription, completion, history and speech
// synthesis for one inbound voice event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhouzirui/voice-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/voice-relay/backend/internal/model/relay"
	"github.com/zhouzirui/voice-relay/backend/internal/service/history"
)

const scopeName = "github.com/zhouzirui/voice-relay/backend/internal/service/pipeline"

var tracer = otel.Tracer(scopeName)

// ApologyPrefix marks transcription text that actually reports a failure.
// Adapters that cannot return an error in-band use it; real transcripts
// starting with these words are misclassified, which is accepted.
const ApologyPrefix = "I'm sorry"

const (
	DefaultSystemPrompt = "You are a helpful voice assistant. Keep your responses concise and conversational, as they will be spoken aloud. Limit responses to 2-3 sentences maximum. Remember previous conversations to provide contextual responses."
	DefaultContextLimit = 3
	DefaultStageTimeout = 30 * time.Second
)

// Transcriber converts recorded audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Completer produces the assistant reply.
type Completer interface {
	Complete(ctx context.Context, prompt conversation.Prompt) (string, error)
}

// Synthesizer converts reply text to audio. Empty output means failure.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// History is the slice of history.Store the pipeline needs.
type History interface {
	Append(ctx context.Context, sessionID string, exchange conversation.Exchange) error
	Recent(ctx context.Context, sessionID string, limit int) ([]conversation.Exchange, error)
}

// Ports bundles the external collaborators. Any of them may be nil, in
// which case the matching stage degrades as if it had failed.
type Ports struct {
	Transcriber Transcriber
	Completer   Completer
	Synthesizer Synthesizer
	History     History
}

// Options tunes the coordinator.
type Options struct {
	SystemPrompt string
	ContextLimit int
	StageTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.SystemPrompt) == "" {
		o.SystemPrompt = DefaultSystemPrompt
	}
	if o.ContextLimit <= 0 {
		o.ContextLimit = DefaultContextLimit
	}
	if o.StageTimeout <= 0 {
		o.StageTimeout = DefaultStageTimeout
	}
	return o
}

// Coordinator runs the voice pipeline. It holds no locks across port calls
// and is safe for concurrent use by every connection.
type Coordinator struct {
	ports   Ports
	opts    Options
	pending sync.WaitGroup
}

// New creates a coordinator over the given ports.
func New(ports Ports, opts Options) *Coordinator {
	return &Coordinator{ports: ports, opts: opts.withDefaults()}
}

// HandleAudio transcribes audio and answers the transcript. It always
// returns a frame: an ai_response carrying the transcription, or an error.
func (c *Coordinator) HandleAudio(ctx context.Context, sessionID string, audio []byte) relay.Outbound {
	ctx, span := tracer.Start(ctx, "pipeline.handle_audio", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("audio.bytes", len(audio)),
	))
	defer span.End()

	if c.ports.Transcriber == nil {
		log.Printf("[pipeline] transcriber not configured session=%s", sessionID)
		return c.fail(span, sessionID, "I'm sorry, the speech recognition service is not available right now.", nil)
	}

	transcript, err := c.transcribe(ctx, audio)
	if err != nil {
		log.Printf("[pipeline] transcription failed session=%s: %v", sessionID, err)
		return c.fail(span, sessionID, fmt.Sprintf("I'm sorry, I couldn't understand the audio: %v", err), err)
	}

	transcript = strings.TrimSpace(transcript)
	switch {
	case transcript == "":
		log.Printf("[pipeline] empty transcript session=%s", sessionID)
		return c.fail(span, sessionID, "I'm sorry, I couldn't hear anything in that recording.", nil)
	case strings.HasPrefix(transcript, ApologyPrefix):
		log.Printf("[pipeline] transcriber reported failure session=%s: %s", sessionID, transcript)
		return c.fail(span, sessionID, transcript, nil)
	}

	log.Printf("[pipeline] transcribed session=%s text=%q", sessionID, preview(transcript))

	out := c.respond(ctx, sessionID, transcript, transcript)
	if out.IsError() {
		span.SetStatus(codes.Error, out.Text())
		return out
	}
	return out.WithTranscription(transcript)
}

// Respond answers a text message: context fetch, completion, history append
// and synthesis.
func (c *Coordinator) Respond(ctx context.Context, sessionID, message string) relay.Outbound {
	ctx, span := tracer.Start(ctx, "pipeline.respond", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	out := c.respond(ctx, sessionID, message, "")
	if out.IsError() {
		span.SetStatus(codes.Error, out.Text())
	}
	return out
}

// Wait blocks until every in-flight history append has finished.
func (c *Coordinator) Wait() {
	c.pending.Wait()
}

func (c *Coordinator) respond(ctx context.Context, sessionID, message, transcript string) relay.Outbound {
	if c.ports.Completer == nil {
		log.Printf("[pipeline] completer not configured session=%s", sessionID)
		return relay.Error(sessionID, "I'm sorry, the AI service is not available right now.")
	}

	prompt := conversation.Prompt{
		System:  c.opts.SystemPrompt,
		Context: c.loadContext(ctx, sessionID),
		Message: message,
	}

	reply, err := c.complete(ctx, prompt)
	if err != nil {
		log.Printf("[pipeline] completion failed session=%s: %v", sessionID, err)
		return relay.Error(sessionID, fmt.Sprintf("I'm sorry, I encountered an error: %v", err))
	}
	reply = strings.TrimSpace(reply)
	log.Printf("[pipeline] reply session=%s text=%q", sessionID, preview(reply))

	c.appendAsync(ctx, sessionID, conversation.Exchange{
		UserMessage:    message,
		AssistantReply: reply,
		Transcription:  transcript,
		Timestamp:      time.Now().UTC(),
	})

	return relay.Reply(sessionID, reply, c.synthesize(ctx, sessionID, reply))
}

func (c *Coordinator) loadContext(ctx context.Context, sessionID string) string {
	if c.ports.History == nil {
		return ""
	}

	ctx, span := tracer.Start(ctx, "pipeline.history.recent")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.opts.StageTimeout)
	defer cancel()

	recent, err := c.ports.History.Recent(ctx, sessionID, c.opts.ContextLimit)
	if err != nil {
		recordError(span, err)
		log.Printf("[pipeline] could not retrieve conversation context session=%s: %v", sessionID, err)
		return ""
	}
	span.SetAttributes(attribute.Int("history.exchanges", len(recent)))
	return history.FormatContext(recent)
}

func (c *Coordinator) transcribe(ctx context.Context, audio []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "pipeline.transcribe")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.opts.StageTimeout)
	defer cancel()

	text, err := c.ports.Transcriber.Transcribe(ctx, audio)
	if err != nil {
		recordError(span, err)
		return "", stageError(ctx, err)
	}
	return text, nil
}

func (c *Coordinator) complete(ctx context.Context, prompt conversation.Prompt) (string, error) {
	ctx, span := tracer.Start(ctx, "pipeline.complete")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.opts.StageTimeout)
	defer cancel()

	reply, err := c.ports.Completer.Complete(ctx, prompt)
	if err != nil {
		recordError(span, err)
		return "", stageError(ctx, err)
	}
	return reply, nil
}

// synthesize returns nil on any failure; the text reply still goes out.
func (c *Coordinator) synthesize(ctx context.Context, sessionID, text string) []byte {
	if c.ports.Synthesizer == nil || text == "" {
		return nil
	}

	ctx, span := tracer.Start(ctx, "pipeline.synthesize")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.opts.StageTimeout)
	defer cancel()

	audio, err := c.ports.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		recordError(span, err)
		log.Printf("[pipeline] speech synthesis failed session=%s: %v", sessionID, stageError(ctx, err))
		return nil
	}
	if len(audio) == 0 {
		log.Printf("[pipeline] speech synthesis returned no audio session=%s", sessionID)
		return nil
	}
	span.SetAttributes(attribute.Int("audio.bytes", len(audio)))
	return audio
}

// appendAsync persists the exchange without delaying the reply. The write
// outlives connection cancellation but is bounded by StageTimeout.
func (c *Coordinator) appendAsync(ctx context.Context, sessionID string, exchange conversation.Exchange) {
	if c.ports.History == nil {
		return
	}

	linked := trace.LinkFromContext(ctx)
	detached := context.WithoutCancel(ctx)

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()

		ctx, span := tracer.Start(detached, "pipeline.history.append", trace.WithLinks(linked))
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, c.opts.StageTimeout)
		defer cancel()

		if err := c.ports.History.Append(ctx, sessionID, exchange); err != nil {
			recordError(span, err)
			log.Printf("[pipeline] error saving conversation session=%s: %v", sessionID, err)
		}
	}()
}

func (c *Coordinator) fail(span trace.Span, sessionID, message string, err error) relay.Outbound {
	if err != nil {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, message)
	return relay.Error(sessionID, message)
}

// stageError names timeouts explicitly so clients see a useful cause.
func stageError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out: %w", err)
	}
	return err
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func preview(s string) string {
	const max = 50
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
