package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/llm"
	"github.com/yungbote/loqui-backend/internal/platform/apierr"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/repos"
	"github.com/yungbote/loqui-backend/internal/requestmeta"
)

const (
	maxMessageChars = 10000
	chatTitleMax    = 80
)

// TurnInput is one chat turn request. A nil ChatID starts a fresh chat; RAG
// augments the turn with retrieved document excerpts.
type TurnInput struct {
	Message string
	ChatID  *uuid.UUID
	RAG     bool
}

// TurnResult is a completed unary turn.
type TurnResult struct {
	Chat             *types.Chat
	UserMessage      *types.Message
	AssistantMessage *types.Message
	Reply            string
	Usage            llm.Usage
	Provider         string
	RAGContext       *RAGContext
}

// TurnStream receives a streamed turn's frames. Implementations must
// tolerate calls after a client disconnect by dropping them silently;
// terminal delivery is exactly one SendCompletion or SendError.
type TurnStream interface {
	SendToken(token string)
	SendCompletion(fullText string, usage llm.Usage, rag *RAGContext)
	SendError(err error)
}

// ChatService is the turn pipeline: identity → quota → chat resolution →
// validation → persist user turn → memory window → provider → persist
// assistant turn. Streaming and unary share everything up to the provider
// call.
type ChatService interface {
	Turn(dbc dbctx.Context, in TurnInput) (*TurnResult, error)
	// StreamTurn drives frames through stream. A non-nil error means the
	// turn failed before any frame was written and the caller should fall
	// back to a plain JSON error response.
	StreamTurn(dbc dbctx.Context, in TurnInput, stream TurnStream) error

	ListChats(dbc dbctx.Context, limit int) ([]*types.Chat, error)
	GetChat(dbc dbctx.Context, chatID uuid.UUID) (*types.Chat, []*types.Message, error)
	RenameChat(dbc dbctx.Context, chatID uuid.UUID, title string) (*types.Chat, error)
	DeleteChat(dbc dbctx.Context, chatID uuid.UUID) error
}

type chatService struct {
	log       *logger.Logger
	chats     repos.ChatRepo
	messages  repos.MessageRepo
	summaries repos.SummaryRepo
	quota     QuotaService
	memory    MemoryService
	rag       RAGService
	prompts   PromptService
	provider  llm.Provider

	now func() time.Time
}

func NewChatService(
	chatRepo repos.ChatRepo,
	messageRepo repos.MessageRepo,
	summaryRepo repos.SummaryRepo,
	quota QuotaService,
	memory MemoryService,
	rag RAGService,
	prompts PromptService,
	provider llm.Provider,
	baseLog *logger.Logger,
) ChatService {
	return &chatService{
		log:       baseLog.With("service", "ChatService"),
		chats:     chatRepo,
		messages:  messageRepo,
		summaries: summaryRepo,
		quota:     quota,
		memory:    memory,
		rag:       rag,
		prompts:   prompts,
		provider:  provider,
		now:       time.Now,
	}
}

// turnState carries the shared prelude work between the unary and streaming
// paths.
type turnState struct {
	identity   *requestmeta.Identity
	chat       *types.Chat
	userMsg    *types.Message
	window     *MemoryWindow
	messages   []llm.Message
	ragCtx     *RAGContext
	promptName string
}

func (s *chatService) Turn(dbc dbctx.Context, in TurnInput) (*TurnResult, error) {
	st, err := s.prepareTurn(dbc, in)
	if err != nil {
		return nil, err
	}

	started := s.now()
	res, err := s.provider.Chat(dbc.Ctx, st.messages, st.promptName)
	if err != nil {
		return nil, apierr.New(http.StatusBadGateway, "provider_failed", err)
	}

	asst, err := s.persistAssistant(dbc, st, res.Text, res.Usage, res.Provider, nil)
	if err != nil {
		return nil, err
	}
	s.recordStats(dbc.Ctx, st.promptName, res.Usage, s.now().Sub(started))

	return &TurnResult{
		Chat:             st.chat,
		UserMessage:      st.userMsg,
		AssistantMessage: asst,
		Reply:            res.Text,
		Usage:            res.Usage,
		Provider:         res.Provider,
		RAGContext:       st.ragCtx,
	}, nil
}

func (s *chatService) StreamTurn(dbc dbctx.Context, in TurnInput, stream TurnStream) error {
	st, err := s.prepareTurn(dbc, in)
	if err != nil {
		return err
	}

	corr := requestmeta.GetRequestID(dbc.Ctx)
	started := s.now()
	var buf strings.Builder

	// Persistence has to survive the request context: a client disconnect
	// cancels dbc.Ctx and the partial row still has to land.
	detached := dbctx.Context{Ctx: context.WithoutCancel(dbc.Ctx)}

	cb := llm.StreamCallbacks{
		CorrelationID: corr,
		PromptName:    st.promptName,
		OnToken: func(tok string) {
			buf.WriteString(tok)
			stream.SendToken(tok)
		},
		OnComplete: func(full string, usage llm.Usage) {
			stream.SendCompletion(full, usage, st.ragCtx)
			if _, err := s.persistAssistant(detached, st, full, usage, s.provider.Name(), nil); err != nil {
				s.log.Error("Assistant persist after stream failed",
					"chat_id", st.chat.ID, "request_id", corr, "error", err)
				return
			}
			s.recordStats(detached.Ctx, st.promptName, usage, s.now().Sub(started))
		},
		OnError: func(streamErr error) {
			stream.SendError(streamErr)
			s.log.Warn("Stream ended with error",
				"chat_id", st.chat.ID, "request_id", corr,
				"partial_bytes", buf.Len(), "error", streamErr)
			if buf.Len() == 0 {
				return
			}
			partial := buf.String()
			usage := llm.Usage{OutputTokens: llm.EstimateTokens(partial)}
			extra := map[string]any{"partial": true}
			if _, err := s.persistAssistant(detached, st, partial, usage, s.provider.Name(), extra); err != nil {
				s.log.Warn("Partial assistant persist failed",
					"chat_id", st.chat.ID, "request_id", corr, "error", err)
			}
		},
	}

	// The provider's returned error mirrors OnError, which already produced
	// the terminal frame; nothing is left to surface.
	_ = s.provider.StreamChat(dbc.Ctx, st.messages, cb)
	return nil
}

func (s *chatService) prepareTurn(dbc dbctx.Context, in TurnInput) (*turnState, error) {
	id := requestmeta.GetIdentity(dbc.Ctx)
	if id == nil || id.OrgID == uuid.Nil || id.UserID == uuid.Nil {
		return nil, apierr.New(http.StatusUnauthorized, "unauthenticated", errors.New("missing identity"))
	}

	// Quota is the first non-trivial step after identity, so a rejected
	// turn consumes no provider budget.
	if dec := s.quota.Debit(dbc.Ctx, id.OrgID); !dec.Allowed {
		return nil, &QuotaExceededError{Decision: dec}
	}

	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return nil, apierr.New(http.StatusBadRequest, "empty_message", errors.New("message must not be empty"))
	}
	if utf8.RuneCountInString(msg) > maxMessageChars {
		return nil, apierr.New(http.StatusBadRequest, "message_too_long",
			fmt.Errorf("message exceeds %d characters", maxMessageChars))
	}

	chat, err := s.resolveChat(dbc, id, in.ChatID, msg)
	if err != nil {
		return nil, err
	}

	tc := llm.EstimateTokens(msg)
	userRow := &types.Message{ChatID: chat.ID, Role: types.RoleUser, Content: msg, TokenCount: &tc}
	if _, err := s.messages.Create(dbc, []*types.Message{userRow}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	if err := s.chats.TouchLastMessage(dbc, chat.ID, s.now()); err != nil {
		s.log.Warn("Chat touch failed", "chat_id", chat.ID, "error", err)
	}
	s.memory.InvalidateWindow(dbc.Ctx, chat.ID)

	window, err := s.memory.BuildWindow(dbc, chat.ID)
	if err != nil {
		return nil, fmt.Errorf("assemble context window: %w", err)
	}

	st := &turnState{
		identity:   id,
		chat:       chat,
		userMsg:    userRow,
		window:     window,
		messages:   s.memory.ComposePrompt(window),
		promptName: PromptChatDefault,
	}

	if in.RAG {
		docs, err := s.rag.Retrieve(dbc.Ctx, id.OrgID, msg, ragDefaultLimit)
		if err != nil {
			return nil, apierr.New(http.StatusBadGateway, "retrieval_failed", err)
		}
		st.ragCtx = s.rag.ContextOf(docs)
		if len(docs) > 0 {
			st.promptName = PromptRAGAnswer
			// The stored row keeps the raw text; only the prompt sees the
			// excerpt-augmented rendering.
			st.messages[len(st.messages)-1].Content = s.rag.AugmentTurn(msg, docs)
		}
	}

	if s.provider.WouldExceedBudget(st.messages) {
		s.log.Warn("Prompt window exceeds provider budget",
			"chat_id", chat.ID, "estimated_tokens", llm.EstimateMessages(st.messages))
	}
	return st, nil
}

func (s *chatService) resolveChat(dbc dbctx.Context, id *requestmeta.Identity, chatID *uuid.UUID, firstMessage string) (*types.Chat, error) {
	if chatID != nil && *chatID != uuid.Nil {
		chat, err := s.chats.GetByID(dbc, id.OrgID, *chatID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.New(http.StatusNotFound, "chat_not_found", err)
		}
		if err != nil {
			return nil, fmt.Errorf("load chat: %w", err)
		}
		return chat, nil
	}

	row := &types.Chat{
		OrgID:         id.OrgID,
		UserID:        id.UserID,
		Title:         deriveTitle(firstMessage),
		LastMessageAt: s.now(),
	}
	created, err := s.chats.Create(dbc, []*types.Chat{row})
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return created[0], nil
}

// deriveTitle squeezes the first user turn into a listing title.
func deriveTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if title == "" {
		return "New Chat"
	}
	runes := []rune(title)
	if len(runes) <= chatTitleMax {
		return title
	}
	return strings.TrimSpace(string(runes[:chatTitleMax-1])) + "…"
}

func (s *chatService) persistAssistant(dbc dbctx.Context, st *turnState, text string, usage llm.Usage, provider string, extra map[string]any) (*types.Message, error) {
	meta := map[string]any{}
	if provider != "" {
		meta["provider"] = provider
	}
	if usage.Total() > 0 {
		meta["input_tokens"] = usage.InputTokens
		meta["output_tokens"] = usage.OutputTokens
	}
	for k, v := range extra {
		meta[k] = v
	}
	rawMeta, _ := json.Marshal(meta)

	tc := usage.OutputTokens
	if tc <= 0 {
		tc = llm.EstimateTokens(text)
	}
	row := &types.Message{
		ChatID:     st.chat.ID,
		Role:       types.RoleAssistant,
		Content:    text,
		TokenCount: &tc,
		Metadata:   rawMeta,
	}
	if _, err := s.messages.Create(dbc, []*types.Message{row}); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	if err := s.chats.TouchLastMessage(dbc, st.chat.ID, s.now()); err != nil {
		s.log.Warn("Chat touch failed", "chat_id", st.chat.ID, "error", err)
	}
	s.memory.InvalidateWindow(dbc.Ctx, st.chat.ID)
	return row, nil
}

// recordStats feeds the prompt registry's running means; only successful
// completions arrive here.
func (s *chatService) recordStats(ctx context.Context, promptName string, usage llm.Usage, dur time.Duration) {
	if s.prompts == nil {
		return
	}
	s.prompts.RecordUsage(ctx, promptName, usage.Total(), float64(dur.Milliseconds()))
}

func (s *chatService) ListChats(dbc dbctx.Context, limit int) ([]*types.Chat, error) {
	id := requestmeta.GetIdentity(dbc.Ctx)
	if id == nil {
		return nil, apierr.New(http.StatusUnauthorized, "unauthenticated", errors.New("missing identity"))
	}
	return s.chats.ListByUser(dbc, id.OrgID, id.UserID, limit)
}

func (s *chatService) GetChat(dbc dbctx.Context, chatID uuid.UUID) (*types.Chat, []*types.Message, error) {
	id := requestmeta.GetIdentity(dbc.Ctx)
	if id == nil {
		return nil, nil, apierr.New(http.StatusUnauthorized, "unauthenticated", errors.New("missing identity"))
	}
	chat, err := s.chats.GetByID(dbc, id.OrgID, chatID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, apierr.New(http.StatusNotFound, "chat_not_found", err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load chat: %w", err)
	}
	msgs, err := s.messages.ListByChat(dbc, chatID, 500)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	return chat, msgs, nil
}

func (s *chatService) RenameChat(dbc dbctx.Context, chatID uuid.UUID, title string) (*types.Chat, error) {
	id := requestmeta.GetIdentity(dbc.Ctx)
	if id == nil {
		return nil, apierr.New(http.StatusUnauthorized, "unauthenticated", errors.New("missing identity"))
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apierr.New(http.StatusBadRequest, "empty_title", errors.New("title must not be empty"))
	}
	if utf8.RuneCountInString(title) > 200 {
		return nil, apierr.New(http.StatusBadRequest, "title_too_long", errors.New("title exceeds 200 characters"))
	}

	updated, err := s.chats.UpdateFields(dbc, id.OrgID, chatID, map[string]interface{}{"title": title})
	if err != nil {
		return nil, fmt.Errorf("rename chat: %w", err)
	}
	if !updated {
		return nil, apierr.New(http.StatusNotFound, "chat_not_found", fmt.Errorf("chat %s not found", chatID))
	}
	chat, err := s.chats.GetByID(dbc, id.OrgID, chatID)
	if err != nil {
		return nil, fmt.Errorf("reload chat: %w", err)
	}
	return chat, nil
}

func (s *chatService) DeleteChat(dbc dbctx.Context, chatID uuid.UUID) error {
	id := requestmeta.GetIdentity(dbc.Ctx)
	if id == nil {
		return apierr.New(http.StatusUnauthorized, "unauthenticated", errors.New("missing identity"))
	}
	deleted, err := s.chats.SoftDelete(dbc, id.OrgID, chatID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if !deleted {
		return apierr.New(http.StatusNotFound, "chat_not_found", fmt.Errorf("chat %s not found", chatID))
	}
	if err := s.messages.DeleteByChat(dbc, chatID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := s.summaries.DeleteByChat(dbc, chatID); err != nil {
		return fmt.Errorf("delete summaries: %w", err)
	}
	s.memory.InvalidateWindow(dbc.Ctx, chatID)
	s.log.Info("Chat deleted", "chat_id", chatID, "org_id", id.OrgID)
	return nil
}
