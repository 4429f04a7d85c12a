package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/voice-relay/backend/internal/handler/conversation"
	"github.com/zhouzirui/voice-relay/backend/internal/handler/voice"
	middlewarePkg "github.com/zhouzirui/voice-relay/backend/internal/middleware"
	"github.com/zhouzirui/voice-relay/backend/internal/service/history"
	"github.com/zhouzirui/voice-relay/backend/internal/service/session"
	"github.com/zhouzirui/voice-relay/backend/pkg/utils"
)

// Dependencies 汇总路由需要的核心服务。
type Dependencies struct {
	Pipeline       voice.Pipeline
	Registry       *session.Registry
	History        history.Store
	AllowedOrigins []string
	// MaxMessageBytes 限制 WebSocket 单帧大小。
	MaxMessageBytes int64
	// WebSocket overrides the handler built from Pipeline and Registry, so the
	// caller can wait for its connections at shutdown.
	WebSocket *voice.WebSocketHandler
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":      "healthy",
			"message":     "Voice assistant server is running",
			"connections": deps.Registry.Count(),
		})
	})

	wsHandler := deps.WebSocket
	if wsHandler == nil {
		wsHandler = voice.NewWebSocketHandler(deps.Pipeline, deps.Registry, voice.Options{
			AllowedOrigins:  deps.AllowedOrigins,
			MaxMessageBytes: deps.MaxMessageBytes,
		})
	}
	wsHandler.RegisterWebSocketRoutes(r)

	r.Route("/api", func(api chi.Router) {
		if deps.History == nil {
			api.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "conversation history unavailable")
			})
			return
		}
		conversation.New(deps.History).RegisterRoutes(api)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondMessage(w, http.StatusNotFound, "not found")
	})

	return r
}
