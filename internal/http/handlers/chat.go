package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/loqui-backend/internal/http/response"
	"github.com/yungbote/loqui-backend/internal/llm"
	"github.com/yungbote/loqui-backend/internal/platform/apierr"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/observability"
	"github.com/yungbote/loqui-backend/internal/services"
	"github.com/yungbote/loqui-backend/internal/sse"
)

type ChatHandler struct {
	log     *logger.Logger
	chat    services.ChatService
	metrics *observability.Metrics
}

func NewChatHandler(chat services.ChatService, metrics *observability.Metrics, baseLog *logger.Logger) *ChatHandler {
	return &ChatHandler{
		log:     baseLog.With("handler", "ChatHandler"),
		chat:    chat,
		metrics: metrics,
	}
}

type turnRequest struct {
	Message string     `json:"message"`
	ChatID  *uuid.UUID `json:"chat_id"`
}

type usageBody struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type turnResponse struct {
	ChatID     uuid.UUID            `json:"chat_id"`
	MessageID  uuid.UUID            `json:"message_id"`
	Reply      string               `json:"reply"`
	CreatedAt  time.Time            `json:"created_at"`
	Usage      usageBody            `json:"usage"`
	Provider   string               `json:"provider,omitempty"`
	RAGContext *services.RAGContext `json:"rag_context,omitempty"`
}

// POST /api/chat
func (h *ChatHandler) Turn(c *gin.Context) {
	h.turn(c, false)
}

// POST /api/chat/rag
func (h *ChatHandler) RAGTurn(c *gin.Context) {
	h.turn(c, true)
}

func (h *ChatHandler) turn(c *gin.Context, rag bool) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	result, err := h.chat.Turn(dbc, services.TurnInput{
		Message: req.Message,
		ChatID:  req.ChatID,
		RAG:     rag,
	})
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, turnResponse{
		ChatID:    result.Chat.ID,
		MessageID: result.AssistantMessage.ID,
		Reply:     result.Reply,
		CreatedAt: result.AssistantMessage.CreatedAt,
		Usage: usageBody{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
			TotalTokens:  result.Usage.Total(),
		},
		Provider:   result.Provider,
		RAGContext: result.RAGContext,
	})
}

// POST /api/chat/stream
func (h *ChatHandler) TurnStream(c *gin.Context) {
	h.turnStream(c, false)
}

// POST /api/chat/rag/stream
func (h *ChatHandler) RAGTurnStream(c *gin.Context) {
	h.turnStream(c, true)
}

func (h *ChatHandler) turnStream(c *gin.Context, rag bool) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	stream, err := sse.New(c.Writer, c.Request, route, h.metrics, h.log)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", err)
		return
	}
	defer stream.Close()

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	in := services.TurnInput{Message: req.Message, ChatID: req.ChatID, RAG: rag}
	if err := h.chat.StreamTurn(dbc, in, &turnEventStream{stream: stream}); err != nil {
		// Failed before the first frame; the JSON envelope is still usable.
		if !stream.Opened() {
			response.RespondServiceError(c, err)
		}
		return
	}
}

// turnEventStream adapts the service-side frame sink onto the SSE writer.
type turnEventStream struct {
	stream *sse.Stream
}

func (t *turnEventStream) SendToken(token string) {
	t.stream.SendToken(token)
}

func (t *turnEventStream) SendCompletion(fullText string, usage llm.Usage, rag *services.RAGContext) {
	// A typed nil pointer inside an interface still marshals; keep the
	// rag_context key absent unless there is a real payload.
	if rag == nil {
		t.stream.SendCompletion(fullText, usage, nil)
		return
	}
	t.stream.SendCompletion(fullText, usage, rag)
}

func (t *turnEventStream) SendError(err error) {
	code := "stream_failed"
	message := "chat stream failed"
	var apiErr *apierr.Error
	var quotaErr *services.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		code = "quota_exceeded"
		message = "quota exhausted"
	case errors.As(err, &apiErr):
		code = apiErr.Code
		message = apiErr.Error()
	case err != nil:
		message = err.Error()
	}
	t.stream.SendError(code, message)
}

// GET /api/chats?limit=50
func (h *ChatHandler) ListChats(c *gin.Context) {
	limit := 50
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	chats, err := h.chat.ListChats(dbc, limit)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"chats": chats})
}

// GET /api/chats/:id
func (h *ChatHandler) GetChat(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_chat_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	chat, messages, err := h.chat.GetChat(dbc, chatID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"chat": chat, "messages": messages})
}

type renameChatRequest struct {
	Title string `json:"title"`
}

// PATCH /api/chats/:id
func (h *ChatHandler) RenameChat(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_chat_id", err)
		return
	}
	var req renameChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	chat, err := h.chat.RenameChat(dbc, chatID, req.Title)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"chat": chat})
}

// DELETE /api/chats/:id
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_chat_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.chat.DeleteChat(dbc, chatID); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true, "chat_id": chatID})
}
