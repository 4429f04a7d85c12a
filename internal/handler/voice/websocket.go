// Package voice serves the voice conversation WebSocket.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-relay/backend/internal/middleware"
	"github.com/zhouzirui/voice-relay/backend/internal/model/relay"
	"github.com/zhouzirui/voice-relay/backend/internal/service/session"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Pipeline answers decoded voice events. *pipeline.Coordinator satisfies it.
type Pipeline interface {
	HandleAudio(ctx context.Context, sessionID string, audio []byte) relay.Outbound
	Respond(ctx context.Context, sessionID, message string) relay.Outbound
}

// Sessions tracks live connections and delivers frames to them.
// *session.Registry satisfies it.
type Sessions interface {
	Register(conn session.Conn) string
	Unregister(conn session.Conn)
	Count() int
	Send(sessionID string, payload []byte)
}

// Options 控制连接层行为。
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
}

// WebSocketHandler WebSocket语音处理器
type WebSocketHandler struct {
	pipeline Pipeline
	registry Sessions
	opts     Options
	upgrader websocket.Upgrader
	// conns 跟踪被劫持的连接，Shutdown 不会等待它们。
	conns sync.WaitGroup
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(pipeline Pipeline, registry Sessions, opts Options) *WebSocketHandler {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 16 << 20
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	h := &WebSocketHandler{
		pipeline: pipeline,
		registry: registry,
		opts:     opts,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(h.opts.AllowedOrigins, r.Header.Get("Origin"))
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws", h.ServeHTTP)
}

// ServeHTTP upgrades the request and runs the connection until the client
// goes away. Every frame is processed to completion before the next one.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.conns.Add(1)
	defer h.conns.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sessionID := h.registry.Register(conn)
	defer h.registry.Unregister(conn)
	log.Printf("[websocket] new connection session=%s active=%d", sessionID, h.registry.Count())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(h.opts.MaxMessageBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(ctx, conn)

	frames := make(chan []byte)
	go h.readLoop(ctx, cancel, conn, sessionID, frames)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[websocket] connection closed session=%s", sessionID)
			return
		case raw, ok := <-frames:
			if !ok {
				log.Printf("[websocket] connection closed session=%s", sessionID)
				return
			}
			h.dispatch(ctx, sessionID, raw)
		}
	}
}

// readLoop keeps reading while a frame is being processed so a disconnect
// cancels the in-flight pipeline call.
func (h *WebSocketHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string, frames chan<- []byte) {
	defer close(frames)
	defer cancel()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("[websocket] read error session=%s: %v", sessionID, err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, sessionID string, raw []byte) {
	in, err := relay.DecodeInbound(raw)
	if errors.Is(err, relay.ErrInvalidField) {
		log.Printf("[websocket] invalid %s frame session=%s: %v", in.Kind, sessionID, err)
		h.send(sessionID, relay.Error(sessionID, fmt.Sprintf("Invalid %s frame: %v", in.Kind, err)))
		return
	}
	if err != nil {
		log.Printf("[websocket] malformed frame session=%s: %v", sessionID, err)
		h.send(sessionID, relay.Error(sessionID, "Invalid JSON format"))
		return
	}

	switch in.Kind {
	case relay.KindPing:
		h.send(sessionID, relay.Pong(sessionID))

	case relay.KindAudio:
		audio, err := in.DecodeAudio()
		if err != nil {
			log.Printf("[websocket] bad audio session=%s: %v", sessionID, err)
			h.send(sessionID, relay.Error(sessionID, fmt.Sprintf("Invalid audio data: %v", err)))
			return
		}
		log.Printf("[websocket] processing audio session=%s bytes=%d", sessionID, len(audio))
		h.reply(ctx, sessionID, h.pipeline.HandleAudio(ctx, sessionID, audio))

	case relay.KindText:
		message := strings.TrimSpace(in.Message)
		if message == "" {
			h.send(sessionID, relay.Error(sessionID, "Message must not be empty"))
			return
		}
		log.Printf("[websocket] processing text session=%s length=%d", sessionID, len(message))
		h.reply(ctx, sessionID, h.pipeline.Respond(ctx, sessionID, message))

	default:
		log.Printf("[websocket] ignoring frame type=%q session=%s", in.Type, sessionID)
	}
}

// reply drops results of work aborted by a disconnect.
func (h *WebSocketHandler) reply(ctx context.Context, sessionID string, out relay.Outbound) {
	if errors.Is(ctx.Err(), context.Canceled) {
		log.Printf("[websocket] dropping %s for closed session=%s", out.Type, sessionID)
		return
	}
	h.send(sessionID, out)
}

func (h *WebSocketHandler) send(sessionID string, out relay.Outbound) {
	payload, err := out.Encode()
	if err != nil {
		log.Printf("[websocket] encode %s failed session=%s: %v", out.Type, sessionID, err)
		return
	}
	h.registry.Send(sessionID, payload)
}

// Wait blocks until every connection goroutine has returned. Call it after
// the server stopped accepting requests and the connection contexts were
// cancelled.
func (h *WebSocketHandler) Wait() {
	h.conns.Wait()
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
