package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/loqui-backend/internal/config"
	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/llm"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/kv"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/repos"
)

const (
	// historyLimit bounds how much raw history one window build reads.
	historyLimit = 200

	windowCacheTTL = time.Hour

	summaryAck = "Understood. I have the summary of the earlier conversation and will keep it in mind."
)

// MemoryWindow is the bounded slice of a chat delivered to the provider:
// the latest summary (if any) plus the newest messages that fit the token
// budget, in chronological order.
type MemoryWindow struct {
	Messages    []*types.Message `json:"messages"`
	Summary     *types.Summary   `json:"summary,omitempty"`
	TotalTokens int              `json:"total_tokens"`
	Truncated   bool             `json:"truncated"`
}

// MemoryService assembles prompt context for chat turns. BuildWindow also
// owns the summarization triggers; a failed summarization never fails the
// turn, it just leaves the window sliding.
type MemoryService interface {
	BuildWindow(dbc dbctx.Context, chatID uuid.UUID) (*MemoryWindow, error)
	// ComposePrompt renders the window as provider messages, leading with a
	// synthetic user/assistant pair carrying the summary when one exists.
	ComposePrompt(w *MemoryWindow) []llm.Message
	// InvalidateWindow drops the cached window; called on every new message.
	InvalidateWindow(ctx context.Context, chatID uuid.UUID)
}

type memoryService struct {
	log       *logger.Logger
	messages  repos.MessageRepo
	summaries repos.SummaryRepo
	cache     kv.Store
	provider  llm.Provider
	prompts   PromptService
	cfg       config.MemoryConfig

	now func() time.Time
}

func NewMemoryService(
	messageRepo repos.MessageRepo,
	summaryRepo repos.SummaryRepo,
	cache kv.Store,
	provider llm.Provider,
	prompts PromptService,
	cfg config.MemoryConfig,
	baseLog *logger.Logger,
) MemoryService {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 8000
	}
	if cfg.SummaryBudget <= 0 {
		cfg.SummaryBudget = 500
	}
	if cfg.MessageThreshold <= 0 {
		cfg.MessageThreshold = 30
	}
	if cfg.TokenThreshold <= 0 {
		cfg.TokenThreshold = 6000
	}
	if cfg.ResummaryCooldown <= 0 {
		cfg.ResummaryCooldown = 24 * time.Hour
	}
	if cfg.ResummaryDelta <= 0 {
		cfg.ResummaryDelta = 20
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 10
	}
	return &memoryService{
		log:       baseLog.With("service", "MemoryService"),
		messages:  messageRepo,
		summaries: summaryRepo,
		cache:     cache,
		provider:  provider,
		prompts:   prompts,
		cfg:       cfg,
		now:       time.Now,
	}
}

func windowCacheKey(chatID uuid.UUID) string { return "chat:" + chatID.String() + ":recent" }

func (s *memoryService) BuildWindow(dbc dbctx.Context, chatID uuid.UUID) (*MemoryWindow, error) {
	if w := s.cachedWindow(dbc.Ctx, chatID); w != nil {
		return w, nil
	}

	recent, err := s.messages.ListRecent(dbc, chatID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	msgs := make([]*types.Message, len(recent))
	for i, m := range recent {
		msgs[len(recent)-1-i] = m
	}

	summary, err := s.summaries.GetLatestByChat(dbc, chatID)
	if err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}

	if next := s.maybeSummarize(dbc, chatID, summary, msgs); next != nil {
		summary = next
	}

	w := s.selectWindow(msgs, summary)
	s.storeWindow(dbc.Ctx, chatID, w)
	return w, nil
}

// selectWindow walks newest-to-oldest, greedily keeping messages while the
// running total stays within the budget left over after the summary. The
// newest message is always kept; if it alone blows the budget, it is the
// entire window and nothing older rides along.
func (s *memoryService) selectWindow(msgs []*types.Message, summary *types.Summary) *MemoryWindow {
	budget := s.cfg.MaxContextTokens
	if summary != nil {
		budget -= summaryTokenCount(summary)
	}

	w := &MemoryWindow{Summary: summary, Messages: []*types.Message{}}
	if len(msgs) == 0 {
		return w
	}

	start := len(msgs) - 1
	total := messageTokens(msgs[start])
	if total <= budget {
		for i := len(msgs) - 2; i >= 0; i-- {
			cost := messageTokens(msgs[i])
			if total+cost > budget {
				break
			}
			total += cost
			start = i
		}
	}

	w.Messages = msgs[start:]
	w.TotalTokens = total
	w.Truncated = start > 0
	return w
}

func (s *memoryService) ComposePrompt(w *MemoryWindow) []llm.Message {
	out := make([]llm.Message, 0, len(w.Messages)+2)
	if w.Summary != nil && strings.TrimSpace(w.Summary.Content) != "" {
		out = append(out,
			llm.Message{Role: llm.RoleUser, Content: "[Previous conversation summary: " + w.Summary.Content + "]"},
			llm.Message{Role: llm.RoleAssistant, Content: summaryAck},
		)
	}
	for _, m := range w.Messages {
		role := m.Role
		if role != llm.RoleUser && role != llm.RoleAssistant {
			role = llm.RoleUser
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// maybeSummarize checks the triggers and runs one summarization pass when
// they fire. Returns the new summary, or nil when nothing was (or could be)
// summarized; failures are logged and absorbed.
func (s *memoryService) maybeSummarize(dbc dbctx.Context, chatID uuid.UUID, latest *types.Summary, msgs []*types.Message) *types.Summary {
	total, err := s.messages.CountByChat(dbc, chatID)
	if err != nil {
		s.log.Warn("Message count failed, skipping summarization check", "chat_id", chatID, "error", err)
		return nil
	}

	tokens := 0
	for _, m := range msgs {
		tokens += messageTokens(m)
	}
	if total <= int64(s.cfg.MessageThreshold) && tokens <= s.cfg.TokenThreshold {
		return nil
	}

	if latest != nil {
		withinCooldown := s.now().Sub(latest.CreatedAt) < s.cfg.ResummaryCooldown
		delta := total - int64(latest.MessageCount)
		if withinCooldown && delta <= int64(s.cfg.ResummaryDelta) {
			return nil
		}
	}

	next, err := s.summarize(dbc, chatID, latest, msgs)
	if err != nil {
		s.log.Warn("Summarization failed, continuing with sliding window",
			"chat_id", chatID, "error", err)
		return nil
	}
	return next
}

// summarize compresses everything but the newest KeepRecent messages into a
// fresh summary row, folding in the previous summary when one exists.
func (s *memoryService) summarize(dbc dbctx.Context, chatID uuid.UUID, prev *types.Summary, msgs []*types.Message) (*types.Summary, error) {
	cut := len(msgs) - s.cfg.KeepRecent
	if cut <= 0 {
		return nil, nil
	}
	covered := msgs[:cut]

	fresh := covered
	startID := covered[0].ID
	coveredCount := len(covered)
	prevOriginal := 0
	prevContent := ""
	if prev != nil {
		prevContent = prev.Content
		prevOriginal = prev.OriginalTokens
		if prev.StartMessageID != uuid.Nil {
			startID = prev.StartMessageID
		}
		if idx := indexOfMessage(covered, prev.EndMessageID); idx >= 0 {
			fresh = covered[idx+1:]
		}
		coveredCount = prev.MessageCount + len(fresh)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	started := s.now()
	res, err := s.provider.Chat(dbc.Ctx, summaryInput(prevContent, fresh, s.cfg.SummaryBudget), PromptSummarization)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(res.Text)
	if content == "" {
		return nil, errors.New("provider returned empty summary")
	}

	original := prevOriginal
	for _, m := range fresh {
		original += messageTokens(m)
	}
	sumTokens := llm.EstimateTokens(content)

	row := &types.Summary{
		ChatID:           chatID,
		Content:          content,
		MessageCount:     coveredCount,
		StartMessageID:   startID,
		EndMessageID:     covered[len(covered)-1].ID,
		OriginalTokens:   original,
		SummaryTokens:    sumTokens,
		CompressionRatio: compressionRatio(original, sumTokens),
	}
	created, err := s.summaries.Create(dbc, []*types.Summary{row})
	if err != nil {
		return nil, fmt.Errorf("persist summary: %w", err)
	}

	if s.prompts != nil {
		latency := float64(s.now().Sub(started).Milliseconds())
		s.prompts.RecordUsage(dbc.Ctx, PromptSummarization, res.Usage.Total(), latency)
	}
	s.log.Info("Chat summarized",
		"chat_id", chatID,
		"covered_messages", coveredCount,
		"original_tokens", original,
		"summary_tokens", sumTokens,
	)
	return created[0], nil
}

// summaryInput renders the turns to compress as a single user message, so
// the summarization prompt never recurses into window assembly itself.
func summaryInput(prevSummary string, msgs []*types.Message, budgetTokens int) []llm.Message {
	var b strings.Builder
	if prevSummary != "" {
		b.WriteString("Existing summary of earlier turns:\n")
		b.WriteString(prevSummary)
		b.WriteString("\n\nNew turns to fold in:\n")
	}
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	if budgetTokens > 0 {
		fmt.Fprintf(&b, "\nKeep the summary under roughly %d tokens.", budgetTokens)
	}
	return []llm.Message{{Role: llm.RoleUser, Content: b.String()}}
}

func indexOfMessage(msgs []*types.Message, id uuid.UUID) int {
	if id == uuid.Nil {
		return -1
	}
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func messageTokens(m *types.Message) int {
	if m.TokenCount != nil && *m.TokenCount > 0 {
		return *m.TokenCount
	}
	return llm.EstimateTokens(m.Content)
}

func summaryTokenCount(sum *types.Summary) int {
	if sum.SummaryTokens > 0 {
		return sum.SummaryTokens
	}
	return llm.EstimateTokens(sum.Content)
}

func compressionRatio(original, summary int) float64 {
	if summary <= 0 {
		return 0
	}
	return float64(original) / float64(summary)
}

func (s *memoryService) cachedWindow(ctx context.Context, chatID uuid.UUID) *MemoryWindow {
	if s.cache == nil {
		return nil
	}
	raw, ok, err := s.cache.Get(ctx, windowCacheKey(chatID))
	if err != nil {
		s.log.Debug("Window cache read failed", "chat_id", chatID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var w MemoryWindow
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		_ = s.cache.Del(ctx, windowCacheKey(chatID))
		return nil
	}
	return &w
}

func (s *memoryService) storeWindow(ctx context.Context, chatID uuid.UUID, w *MemoryWindow) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, windowCacheKey(chatID), string(raw), windowCacheTTL); err != nil {
		s.log.Debug("Window cache write failed", "chat_id", chatID, "error", err)
	}
}

func (s *memoryService) InvalidateWindow(ctx context.Context, chatID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, windowCacheKey(chatID)); err != nil {
		s.log.Debug("Window cache invalidation failed", "chat_id", chatID, "error", err)
	}
}
