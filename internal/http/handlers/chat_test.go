package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/http/response"
	"github.com/yungbote/loqui-backend/internal/llm"
	"github.com/yungbote/loqui-backend/internal/platform/apierr"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/services"
)

type fakeChatService struct {
	turnFn   func(dbc dbctx.Context, in services.TurnInput) (*services.TurnResult, error)
	streamFn func(dbc dbctx.Context, in services.TurnInput, stream services.TurnStream) error
	chats    []*types.Chat
	messages []*types.Message
	renameFn func(chatID uuid.UUID, title string) (*types.Chat, error)
	deleteFn func(chatID uuid.UUID) error

	lastTurn services.TurnInput
}

func (f *fakeChatService) Turn(dbc dbctx.Context, in services.TurnInput) (*services.TurnResult, error) {
	f.lastTurn = in
	if f.turnFn != nil {
		return f.turnFn(dbc, in)
	}
	return defaultTurnResult(), nil
}

func (f *fakeChatService) StreamTurn(dbc dbctx.Context, in services.TurnInput, stream services.TurnStream) error {
	f.lastTurn = in
	if f.streamFn != nil {
		return f.streamFn(dbc, in, stream)
	}
	return nil
}

func (f *fakeChatService) ListChats(dbc dbctx.Context, limit int) ([]*types.Chat, error) {
	return f.chats, nil
}

func (f *fakeChatService) GetChat(dbc dbctx.Context, chatID uuid.UUID) (*types.Chat, []*types.Message, error) {
	if len(f.chats) == 0 {
		return nil, nil, apierr.New(http.StatusNotFound, "chat_not_found", errors.New("chat not found"))
	}
	return f.chats[0], f.messages, nil
}

func (f *fakeChatService) RenameChat(dbc dbctx.Context, chatID uuid.UUID, title string) (*types.Chat, error) {
	if f.renameFn != nil {
		return f.renameFn(chatID, title)
	}
	return &types.Chat{ID: chatID, Title: title}, nil
}

func (f *fakeChatService) DeleteChat(dbc dbctx.Context, chatID uuid.UUID) error {
	if f.deleteFn != nil {
		return f.deleteFn(chatID)
	}
	return nil
}

func defaultTurnResult() *services.TurnResult {
	chatID := uuid.New()
	return &services.TurnResult{
		Chat: &types.Chat{ID: chatID, Title: "Hello"},
		UserMessage: &types.Message{
			ID: uuid.New(), ChatID: chatID, Role: types.RoleUser, Content: "hi",
		},
		AssistantMessage: &types.Message{
			ID: uuid.New(), ChatID: chatID, Role: types.RoleAssistant,
			Content: "Hello there", CreatedAt: time.Now(),
		},
		Reply:    "Hello there",
		Usage:    llm.Usage{InputTokens: 12, OutputTokens: 7},
		Provider: "local",
	}
}

func chatRouter(t *testing.T, svc services.ChatService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewChatHandler(svc, nil, newTestLogger(t))

	r := gin.New()
	r.Use(withIdentity(testIdentity()))
	r.POST("/api/chat", h.Turn)
	r.POST("/api/chat/stream", h.TurnStream)
	r.POST("/api/chat/rag", h.RAGTurn)
	r.POST("/api/chat/rag/stream", h.RAGTurnStream)
	r.GET("/api/chats", h.ListChats)
	r.GET("/api/chats/:id", h.GetChat)
	r.PATCH("/api/chats/:id", h.RenameChat)
	r.DELETE("/api/chats/:id", h.DeleteChat)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func sseFrames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		payload := strings.TrimPrefix(block, "data: ")
		var frame map[string]any
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", payload, err)
		}
		out = append(out, frame)
	}
	return out
}

func TestChatTurnRespondsWithUsage(t *testing.T) {
	svc := &fakeChatService{}
	r := chatRouter(t, svc)

	rec := postJSON(t, r, "/api/chat", `{"message":"hi"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec.Body.Bytes())
	if body["chat_id"] == nil || body["message_id"] == nil {
		t.Fatalf("ids missing: %v", body)
	}
	if body["reply"] != "Hello there" {
		t.Fatalf("reply: got %v", body["reply"])
	}
	usage, ok := body["usage"].(map[string]any)
	if !ok || usage["total_tokens"] != float64(19) {
		t.Fatalf("usage wrong: %v", body["usage"])
	}
	if _, ok := body["rag_context"]; ok {
		t.Fatalf("plain turn must not carry rag_context: %v", body)
	}
	if svc.lastTurn.RAG {
		t.Fatal("plain route must not request RAG")
	}
}

func TestChatTurnRejectsBadJSON(t *testing.T) {
	r := chatRouter(t, &fakeChatService{})

	rec := postJSON(t, r, "/api/chat", `{"message":`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: want=400 got=%d", rec.Code)
	}
}

func TestChatRAGTurnCarriesContext(t *testing.T) {
	svc := &fakeChatService{
		turnFn: func(dbc dbctx.Context, in services.TurnInput) (*services.TurnResult, error) {
			res := defaultTurnResult()
			res.RAGContext = &services.RAGContext{DocumentsUsed: 2, Sources: []string{"handbook.pdf"}}
			return res, nil
		},
	}
	r := chatRouter(t, svc)

	rec := postJSON(t, r, "/api/chat/rag", `{"message":"what changed?"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d", rec.Code)
	}
	if !svc.lastTurn.RAG {
		t.Fatal("rag route must request RAG")
	}
	body := decodeBody(t, rec.Body.Bytes())
	rag, ok := body["rag_context"].(map[string]any)
	if !ok || rag["documents_used"] != float64(2) {
		t.Fatalf("rag_context wrong: %v", body["rag_context"])
	}
}

func TestChatTurnQuotaExceeded(t *testing.T) {
	reset := time.Now().Add(800 * time.Millisecond)
	svc := &fakeChatService{
		turnFn: func(dbc dbctx.Context, in services.TurnInput) (*services.TurnResult, error) {
			return nil, &services.QuotaExceededError{
				Decision: &services.QuotaDecision{Allowed: false, Limit: 20, Remaining: 0, ResetAt: reset},
			}
		},
	}
	r := chatRouter(t, svc)

	rec := postJSON(t, r, "/api/chat", `{"message":"hi"}`)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status: want=429 got=%d body=%s", rec.Code, rec.Body.String())
	}
	var env response.QuotaEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal quota envelope: %v", err)
	}
	if env.Error.Code != "quota_exceeded" || env.Limit != 20 || env.Remaining != 0 {
		t.Fatalf("envelope wrong: %+v", env)
	}
	if env.ResetAt.IsZero() {
		t.Fatal("reset_at missing from 429 body")
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
}

func TestChatTurnMapsServiceErrors(t *testing.T) {
	svc := &fakeChatService{
		turnFn: func(dbc dbctx.Context, in services.TurnInput) (*services.TurnResult, error) {
			return nil, apierr.New(http.StatusNotFound, "chat_not_found", errors.New("chat not found"))
		},
	}
	r := chatRouter(t, svc)

	rec := postJSON(t, r, "/api/chat", `{"message":"hi","chat_id":"`+uuid.New().String()+`"}`)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: want=404 got=%d", rec.Code)
	}
	var env response.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "chat_not_found" {
		t.Fatalf("code: want=chat_not_found got=%s", env.Error.Code)
	}
}

func TestChatStreamWritesFrames(t *testing.T) {
	svc := &fakeChatService{
		streamFn: func(dbc dbctx.Context, in services.TurnInput, stream services.TurnStream) error {
			stream.SendToken("Hel")
			stream.SendToken("lo")
			stream.SendCompletion("Hello", llm.Usage{InputTokens: 8, OutputTokens: 2}, nil)
			return nil
		},
	}
	r := chatRouter(t, svc)

	rec := postJSON(t, r, "/api/chat/stream", `{"message":"hi"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got %q", ct)
	}
	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 3 {
		t.Fatalf("frames: want=3 got=%d", len(frames))
	}
	last := frames[2]
	if last["done"] != true || last["fullText"] != "Hello" {
		t.Fatalf("completion frame wrong: %v", last)
	}
	if _, ok := last["rag_context"]; ok {
		t.Fatalf("nil rag context must stay off the wire: %v", last)
	}
}

func TestChatStreamPrepFailureFallsBackToJSON(t *testing.T) {
	svc := &fakeChatService{
		streamFn: func(dbc dbctx.Context, in services.TurnInput, stream services.TurnStream) error {
			return &services.QuotaExceededError{
				Decision: &services.QuotaDecision{Limit: 20, Remaining: 0, ResetAt: time.Now().Add(time.Second)},
			}
		},
	}
	r := chatRouter(t, svc)

	rec := postJSON(t, r, "/api/chat/stream", `{"message":"hi"}`)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status: want=429 got=%d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("fallback must be JSON, got content type %q", ct)
	}
}

func TestChatStreamMidTurnErrorFrame(t *testing.T) {
	svc := &fakeChatService{
		streamFn: func(dbc dbctx.Context, in services.TurnInput, stream services.TurnStream) error {
			stream.SendToken("par")
			stream.SendError(errors.New("provider connection reset"))
			return nil
		},
	}
	r := chatRouter(t, svc)

	rec := postJSON(t, r, "/api/chat/stream", `{"message":"hi"}`)

	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 2 {
		t.Fatalf("frames: want=2 got=%d", len(frames))
	}
	last := frames[1]
	if last["error"] != "stream_failed" {
		t.Fatalf("error code: want=stream_failed got=%v", last["error"])
	}
	if !strings.Contains(last["message"].(string), "connection reset") {
		t.Fatalf("message lost: %v", last["message"])
	}
}

func TestChatStreamRAGCompletionContext(t *testing.T) {
	svc := &fakeChatService{
		streamFn: func(dbc dbctx.Context, in services.TurnInput, stream services.TurnStream) error {
			stream.SendCompletion("Grounded answer", llm.Usage{InputTokens: 30, OutputTokens: 4},
				&services.RAGContext{DocumentsUsed: 1, Sources: []string{"handbook.pdf"}})
			return nil
		},
	}
	r := chatRouter(t, svc)

	rec := postJSON(t, r, "/api/chat/rag/stream", `{"message":"what changed?"}`)

	if !svc.lastTurn.RAG {
		t.Fatal("rag stream route must request RAG")
	}
	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 1 {
		t.Fatalf("frames: want=1 got=%d", len(frames))
	}
	rag, ok := frames[0]["rag_context"].(map[string]any)
	if !ok || rag["documents_used"] != float64(1) {
		t.Fatalf("rag context wrong: %v", frames[0])
	}
}

func TestListChats(t *testing.T) {
	svc := &fakeChatService{chats: []*types.Chat{{ID: uuid.New(), Title: "first"}}}
	r := chatRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/chats?limit=5", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d", rec.Code)
	}
	body := decodeBody(t, rec.Body.Bytes())
	chats, ok := body["chats"].([]any)
	if !ok || len(chats) != 1 {
		t.Fatalf("chats wrong: %v", body)
	}
}

func TestGetChatInvalidID(t *testing.T) {
	r := chatRouter(t, &fakeChatService{})

	req := httptest.NewRequest(http.MethodGet, "/api/chats/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: want=400 got=%d", rec.Code)
	}
}

func TestGetChatNotFound(t *testing.T) {
	r := chatRouter(t, &fakeChatService{})

	req := httptest.NewRequest(http.MethodGet, "/api/chats/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: want=404 got=%d", rec.Code)
	}
}

func TestRenameChat(t *testing.T) {
	r := chatRouter(t, &fakeChatService{})

	id := uuid.New()
	req := httptest.NewRequest(http.MethodPatch, "/api/chats/"+id.String(), strings.NewReader(`{"title":"Renamed"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d", rec.Code)
	}
	body := decodeBody(t, rec.Body.Bytes())
	chat, ok := body["chat"].(map[string]any)
	if !ok || chat["title"] != "Renamed" {
		t.Fatalf("chat wrong: %v", body)
	}
}

func TestDeleteChat(t *testing.T) {
	var deleted uuid.UUID
	svc := &fakeChatService{deleteFn: func(chatID uuid.UUID) error {
		deleted = chatID
		return nil
	}}
	r := chatRouter(t, svc)

	id := uuid.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/chats/"+id.String(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d", rec.Code)
	}
	if deleted != id {
		t.Fatalf("delete id: want=%s got=%s", id, deleted)
	}
}
