// Package conversation exposes conversation history over REST.
package conversation

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	model "github.com/zhouzirui/voice-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/voice-relay/backend/internal/service/history"
	"github.com/zhouzirui/voice-relay/backend/pkg/utils"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Handler 对话历史的HTTP处理器
type Handler struct {
	store history.Store
	newID func() string
}

// New 创建对话处理器
func New(store history.Store) *Handler {
	return &Handler{store: store, newID: uuid.NewString}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/conversations", h.handleCreate)
	r.Get("/conversations/{sessionID}", h.handleGet)
	r.Delete("/conversations/{sessionID}", h.handleDelete)
}

type createResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type getResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []model.Exchange `json:"messages"`
	Count     int              `json:"count"`
}

type deleteResponse struct {
	SessionID string `json:"session_id"`
	Deleted   bool   `json:"deleted"`
	Message   string `json:"message"`
}

// handleCreate 创建新的对话
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	sessionID := h.newID()
	if _, err := h.store.Create(r.Context(), sessionID); err != nil {
		log.Printf("[conversation] create failed session=%s: %v", sessionID, err)
		utils.RespondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create conversation: %v", err))
		return
	}

	utils.RespondJSON(w, http.StatusCreated, createResponse{
		SessionID: sessionID,
		Message:   "Conversation created successfully",
	})
}

// handleGet 返回最近 limit 条对话记录，未知会话返回空列表
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}

	conv, err := h.store.Get(r.Context(), sessionID, limit)
	switch {
	case errors.Is(err, history.ErrConversationMissing):
		conv.Messages = []model.Exchange{}
	case err != nil:
		log.Printf("[conversation] get failed session=%s: %v", sessionID, err)
		utils.RespondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve conversation: %v", err))
		return
	}
	if conv.Messages == nil {
		conv.Messages = []model.Exchange{}
	}

	utils.RespondJSON(w, http.StatusOK, getResponse{
		SessionID: sessionID,
		Messages:  conv.Messages,
		Count:     len(conv.Messages),
	})
}

// handleDelete 删除对话，重复删除返回 deleted=false
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	deleted, err := h.store.Delete(r.Context(), sessionID)
	if err != nil {
		log.Printf("[conversation] delete failed session=%s: %v", sessionID, err)
		utils.RespondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete conversation: %v", err))
		return
	}

	message := fmt.Sprintf("Conversation %s not found", sessionID)
	if deleted {
		message = fmt.Sprintf("Conversation %s deleted successfully", sessionID)
	}
	utils.RespondJSON(w, http.StatusOK, deleteResponse{
		SessionID: sessionID,
		Deleted:   deleted,
		Message:   message,
	})
}
