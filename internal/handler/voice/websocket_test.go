package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/voice-relay/backend/internal/model/relay"
	"github.com/zhouzirui/voice-relay/backend/internal/service/history"
	"github.com/zhouzirui/voice-relay/backend/internal/service/pipeline"
	"github.com/zhouzirui/voice-relay/backend/internal/service/session"
)

type stubCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (s *stubCompleter) Complete(context.Context, conversation.Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.reply, s.err
}

func (s *stubCompleter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubTranscriber struct {
	text string
}

func (s stubTranscriber) Transcribe(context.Context, []byte) (string, error) {
	return s.text, nil
}

type stubSynthesizer struct {
	mu    sync.Mutex
	audio []byte
	calls int
}

func (s *stubSynthesizer) Synthesize(context.Context, string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.audio, nil
}

func (s *stubSynthesizer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type wireFrame struct {
	Type          string  `json:"type"`
	Transcription *string `json:"transcription"`
	Message       string  `json:"message"`
	Audio         *string `json:"audio"`
	SessionID     string  `json:"session_id"`
	Timestamp     float64 `json:"timestamp"`
}

func newTestServer(t *testing.T, p Pipeline) (*httptest.Server, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(time.Second)
	srv := httptest.NewServer(NewWebSocketHandler(p, registry, Options{}))
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame wireFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	return frame
}

func TestPingReturnsPong(t *testing.T) {
	completer := &stubCompleter{reply: "unused"}
	srv, _ := newTestServer(t, pipeline.New(pipeline.Ports{Completer: completer}, pipeline.Options{}))
	conn := dial(t, srv)

	before := float64(time.Now().Unix())
	sendRaw(t, conn, `{"type":"ping"}`)
	frame := readFrame(t, conn)

	if frame.Type != relay.TypePong || frame.SessionID == "" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Timestamp < before {
		t.Fatalf("timestamp %f is before request time %f", frame.Timestamp, before)
	}
	if completer.count() != 0 {
		t.Fatal("ping must not touch the pipeline")
	}
}

func TestMalformedFrameYieldsSingleErrorAndStaysOpen(t *testing.T) {
	srv, _ := newTestServer(t, pipeline.New(pipeline.Ports{}, pipeline.Options{}))
	conn := dial(t, srv)

	sendRaw(t, conn, `not json`)
	frame := readFrame(t, conn)
	if frame.Type != relay.TypeError || frame.Message != "Invalid JSON format" || frame.SessionID == "" {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	sendRaw(t, conn, `{"type":"ping"}`)
	if next := readFrame(t, conn); next.Type != relay.TypePong || next.SessionID != frame.SessionID {
		t.Fatalf("expected pong on the same session, got %+v", next)
	}
}

func TestUnknownTypeIsIgnored(t *testing.T) {
	srv, _ := newTestServer(t, pipeline.New(pipeline.Ports{}, pipeline.Options{}))
	conn := dial(t, srv)

	sendRaw(t, conn, `{"type":"subscribe","channel":"x"}`)
	sendRaw(t, conn, `{}`)
	sendRaw(t, conn, `{"type":5}`)
	sendRaw(t, conn, `{"type":null,"message":"hi"}`)
	sendRaw(t, conn, `{"type":"ping"}`)

	if frame := readFrame(t, conn); frame.Type != relay.TypePong {
		t.Fatalf("expected the first reply to be pong, got %+v", frame)
	}
}

func TestPingIgnoresUnrelatedFields(t *testing.T) {
	srv, _ := newTestServer(t, pipeline.New(pipeline.Ports{}, pipeline.Options{}))
	conn := dial(t, srv)

	sendRaw(t, conn, `{"type":"ping","audio":123,"message":{"nested":true}}`)
	if frame := readFrame(t, conn); frame.Type != relay.TypePong {
		t.Fatalf("expected pong, got %+v", frame)
	}
}

func TestWrongPayloadTypeYieldsFieldError(t *testing.T) {
	completer := &stubCompleter{reply: "unused"}
	srv, _ := newTestServer(t, pipeline.New(pipeline.Ports{Completer: completer}, pipeline.Options{}))
	conn := dial(t, srv)

	sendRaw(t, conn, `{"type":"voice_message","message":7}`)
	frame := readFrame(t, conn)
	if frame.Type != relay.TypeError || frame.Message == "Invalid JSON format" || !strings.Contains(frame.Message, "message") {
		t.Fatalf("expected field error, got %+v", frame)
	}

	sendRaw(t, conn, `{"type":"audio_data","audio":[1,2]}`)
	frame = readFrame(t, conn)
	if frame.Type != relay.TypeError || !strings.Contains(frame.Message, "audio") {
		t.Fatalf("expected field error, got %+v", frame)
	}
	if completer.count() != 0 {
		t.Fatal("pipeline must not run for invalid fields")
	}
}

// blockingCompleter waits until the request context ends.
type blockingCompleter struct {
	started   chan struct{}
	cancelled chan struct{}
}

func (b *blockingCompleter) Complete(ctx context.Context, _ conversation.Prompt) (string, error) {
	close(b.started)
	<-ctx.Done()
	close(b.cancelled)
	return "", ctx.Err()
}

type recordingSessions struct {
	*session.Registry
	mu   sync.Mutex
	sent []string
}

func (r *recordingSessions) Send(sessionID string, payload []byte) {
	r.mu.Lock()
	r.sent = append(r.sent, sessionID)
	r.mu.Unlock()
	r.Registry.Send(sessionID, payload)
}

func (r *recordingSessions) sends() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestDisconnectCancelsInFlightReply(t *testing.T) {
	completer := &blockingCompleter{started: make(chan struct{}), cancelled: make(chan struct{})}
	synth := &stubSynthesizer{audio: []byte("x")}
	store := history.NewMemoryStore()
	coord := pipeline.New(pipeline.Ports{
		Completer:   completer,
		Synthesizer: synth,
		History:     store,
	}, pipeline.Options{StageTimeout: 10 * time.Second})

	sessions := &recordingSessions{Registry: session.NewRegistry(time.Second)}
	handler := NewWebSocketHandler(coord, sessions, Options{})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	sendRaw(t, conn, `{"type":"voice_message","message":"Hi"}`)

	select {
	case <-completer.started:
	case <-time.After(3 * time.Second):
		t.Fatal("completion never started")
	}
	conn.Close()

	select {
	case <-completer.cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight completion was not cancelled")
	}

	done := make(chan struct{})
	go func() {
		handler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("connection goroutine did not exit")
	}

	if sessions.Count() != 0 {
		t.Fatalf("session still registered, count=%d", sessions.Count())
	}
	if n := sessions.sends(); n != 0 {
		t.Fatalf("expected no frames for the closed session, got %d", n)
	}
	if synth.count() != 0 {
		t.Fatal("synthesizer must not run after disconnect")
	}
	coord.Wait()
}

func TestVoiceMessageScenario(t *testing.T) {
	store := history.NewMemoryStore()
	coord := pipeline.New(pipeline.Ports{
		Completer:   &stubCompleter{reply: "Hello there."},
		Synthesizer: &stubSynthesizer{audio: []byte{0x01, 0x02}},
		History:     store,
	}, pipeline.Options{})
	srv, _ := newTestServer(t, coord)
	conn := dial(t, srv)

	sendRaw(t, conn, `{"type":"voice_message","message":"Hi"}`)
	frame := readFrame(t, conn)

	if frame.Type != relay.TypeAIResponse || frame.Message != "Hello there." {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Transcription != nil {
		t.Fatal("text reply must not carry a transcription")
	}
	if frame.Audio == nil || *frame.Audio != "AQI=" {
		t.Fatalf("unexpected audio: %v", frame.Audio)
	}

	coord.Wait()
	recent, err := store.Recent(context.Background(), frame.SessionID, 3)
	if err != nil {
		t.Fatalf("Recent err: %v", err)
	}
	if len(recent) != 1 || recent[0].UserMessage != "Hi" || recent[0].AssistantReply != "Hello there." {
		t.Fatalf("unexpected history for session %s: %+v", frame.SessionID, recent)
	}
}

func TestAudioScenarioWithApologySentinel(t *testing.T) {
	completer := &stubCompleter{reply: "unused"}
	synth := &stubSynthesizer{audio: []byte("x")}
	coord := pipeline.New(pipeline.Ports{
		Transcriber: stubTranscriber{text: "I'm sorry, I couldn't understand the audio: noise"},
		Completer:   completer,
		Synthesizer: synth,
	}, pipeline.Options{})
	srv, _ := newTestServer(t, coord)
	conn := dial(t, srv)

	audio := base64.StdEncoding.EncodeToString([]byte("webm"))
	sendRaw(t, conn, `{"type":"audio_data","audio":"`+audio+`"}`)
	frame := readFrame(t, conn)

	if frame.Type != relay.TypeError || !strings.HasPrefix(frame.Message, "I'm sorry") {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if completer.count() != 0 || synth.count() != 0 {
		t.Fatalf("later stages ran: completer=%d synth=%d", completer.count(), synth.count())
	}
}

func TestAudioScenarioSuccess(t *testing.T) {
	coord := pipeline.New(pipeline.Ports{
		Transcriber: stubTranscriber{text: "What's the weather?"},
		Completer:   &stubCompleter{reply: "Sunny."},
	}, pipeline.Options{})
	srv, _ := newTestServer(t, coord)
	conn := dial(t, srv)

	audio := base64.StdEncoding.EncodeToString([]byte("webm"))
	sendRaw(t, conn, `{"type":"audio_data","audio":"data:audio/webm;base64,`+audio+`"}`)
	frame := readFrame(t, conn)

	if frame.Type != relay.TypeAIResponse || frame.Message != "Sunny." {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Transcription == nil || *frame.Transcription != "What's the weather?" {
		t.Fatalf("expected transcription, got %v", frame.Transcription)
	}
	if frame.Audio == nil || *frame.Audio != "" {
		t.Fatalf("expected empty audio without synthesizer, got %v", frame.Audio)
	}
}

func TestInvalidAudioIsRejectedBeforePipeline(t *testing.T) {
	completer := &stubCompleter{reply: "unused"}
	srv, _ := newTestServer(t, pipeline.New(pipeline.Ports{Completer: completer}, pipeline.Options{}))
	conn := dial(t, srv)

	sendRaw(t, conn, `{"type":"audio_data","audio":"%%%"}`)
	if frame := readFrame(t, conn); frame.Type != relay.TypeError {
		t.Fatalf("expected error frame, got %+v", frame)
	}
	sendRaw(t, conn, `{"type":"voice_message","message":"   "}`)
	if frame := readFrame(t, conn); frame.Type != relay.TypeError {
		t.Fatalf("expected error frame for empty message, got %+v", frame)
	}
	if completer.count() != 0 {
		t.Fatal("pipeline must not run for invalid input")
	}
}

func TestCompletionFailureKeepsConnectionOpen(t *testing.T) {
	store := history.NewMemoryStore()
	synth := &stubSynthesizer{audio: []byte("x")}
	coord := pipeline.New(pipeline.Ports{
		Completer:   &stubCompleter{err: errors.New("quota exceeded")},
		Synthesizer: synth,
		History:     store,
	}, pipeline.Options{})
	srv, _ := newTestServer(t, coord)
	conn := dial(t, srv)

	sendRaw(t, conn, `{"type":"voice_message","message":"Hi"}`)
	frame := readFrame(t, conn)
	if frame.Type != relay.TypeError || !strings.Contains(frame.Message, "quota exceeded") {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if synth.count() != 0 {
		t.Fatal("synthesizer must not run after completion failure")
	}

	sendRaw(t, conn, `{"type":"ping"}`)
	if next := readFrame(t, conn); next.Type != relay.TypePong {
		t.Fatalf("expected pong after failure, got %+v", next)
	}

	coord.Wait()
	if recent, _ := store.Recent(context.Background(), frame.SessionID, 3); len(recent) != 0 {
		t.Fatalf("history must stay empty, got %+v", recent)
	}
}

func TestConnectionsGetDistinctSessionsAndUnregister(t *testing.T) {
	srv, registry := newTestServer(t, pipeline.New(pipeline.Ports{}, pipeline.Options{}))
	a := dial(t, srv)
	b := dial(t, srv)

	sendRaw(t, a, `{"type":"ping"}`)
	sendRaw(t, b, `{"type":"ping"}`)
	fa := readFrame(t, a)
	fb := readFrame(t, b)
	if fa.SessionID == fb.SessionID {
		t.Fatalf("connections share session id %s", fa.SessionID)
	}
	if registry.Count() != 2 {
		t.Fatalf("expected 2 registered connections, got %d", registry.Count())
	}

	a.Close()
	deadline := time.Now().Add(3 * time.Second)
	for registry.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("closed connection was not unregistered, count=%d", registry.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFramesAreAnsweredInOrder(t *testing.T) {
	srv, _ := newTestServer(t, pipeline.New(pipeline.Ports{Completer: &stubCompleter{reply: "ok"}}, pipeline.Options{}))
	conn := dial(t, srv)

	sendRaw(t, conn, `{"type":"voice_message","message":"first"}`)
	sendRaw(t, conn, `{"type":"ping"}`)

	if frame := readFrame(t, conn); frame.Type != relay.TypeAIResponse {
		t.Fatalf("expected ai_response first, got %+v", frame)
	}
	if frame := readFrame(t, conn); frame.Type != relay.TypePong {
		t.Fatalf("expected pong second, got %+v", frame)
	}
}
