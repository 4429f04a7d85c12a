package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	model "github.com/zhouzirui/voice-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/voice-relay/backend/internal/service/history"
)

func setupRouter() (*chi.Mux, *history.MemoryStore) {
	store := history.NewMemoryStore()
	handler := New(store)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, store
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateConversation(t *testing.T) {
	r, store := setupRouter()

	req := httptest.NewRequest(http.MethodPost, "/conversations", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	var body createResponse
	decode(t, resp, &body)
	if body.SessionID == "" || body.Message == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if _, err := store.Get(context.Background(), body.SessionID, 0); err != nil {
		t.Fatalf("conversation not stored: %v", err)
	}
}

func TestCreateConversationCollisionFails(t *testing.T) {
	_, store := setupRouter()
	if _, err := store.Create(context.Background(), "fixed"); err != nil {
		t.Fatalf("Create err: %v", err)
	}

	h := New(store)
	h.newID = func() string { return "fixed" }
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/conversations", nil))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func TestGetConversation(t *testing.T) {
	r, store := setupRouter()
	ctx := context.Background()
	for _, msg := range []string{"one", "two", "three"} {
		if err := store.Append(ctx, "s1", model.Exchange{UserMessage: msg, AssistantReply: "re " + msg}); err != nil {
			t.Fatalf("Append err: %v", err)
		}
	}

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/s1?limit=2", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body getResponse
	decode(t, resp, &body)
	if body.SessionID != "s1" || body.Count != 2 || len(body.Messages) != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Messages[0].UserMessage != "two" || body.Messages[1].UserMessage != "three" {
		t.Fatalf("expected the two newest exchanges oldest first, got %+v", body.Messages)
	}
}

func TestGetUnknownConversationIsEmpty(t *testing.T) {
	r, _ := setupRouter()

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/missing", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var raw map[string]any
	decode(t, resp, &raw)
	messages, ok := raw["messages"].([]any)
	if !ok || len(messages) != 0 || raw["count"] != float64(0) {
		t.Fatalf("expected empty message list, got %v", raw)
	}
}

func TestGetConversationRejectsBadLimit(t *testing.T) {
	r, _ := setupRouter()

	for _, q := range []string{"limit=abc", "limit=0", "limit=-3"} {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/s1?"+q, nil))
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, resp.Code)
		}
	}
}

func TestDeleteConversationTwice(t *testing.T) {
	r, store := setupRouter()
	if err := store.Append(context.Background(), "s1", model.Exchange{UserMessage: "hi", AssistantReply: "hello"}); err != nil {
		t.Fatalf("Append err: %v", err)
	}

	for i, want := range []bool{true, false} {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodDelete, "/conversations/s1", nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("delete #%d: expected 200, got %d", i+1, resp.Code)
		}
		var body deleteResponse
		decode(t, resp, &body)
		if body.Deleted != want {
			t.Fatalf("delete #%d: deleted=%v, want %v", i+1, body.Deleted, want)
		}
	}
}
