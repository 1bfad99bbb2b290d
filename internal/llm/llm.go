package llm

import (
	"context"
	"errors"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation context, already ordered oldest-first.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the normalized token accounting for a single completion. Providers
// fill it from native metadata when the upstream reports it, otherwise from
// the estimate heuristic.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Result is a completed unary chat turn. Provider names which backend
// actually served it, which matters when a fallback chain is in play.
type Result struct {
	Text     string
	Usage    Usage
	Provider string
}

// StreamCallbacks receive a streamed turn. OnToken fires once per delta;
// exactly one of OnComplete or OnError fires afterwards, never both.
type StreamCallbacks struct {
	CorrelationID string
	PromptName    string

	OnToken    func(token string)
	OnComplete func(fullText string, usage Usage)
	OnError    func(err error)
}

func (cb StreamCallbacks) token(tok string) {
	if cb.OnToken != nil {
		cb.OnToken(tok)
	}
}

func (cb StreamCallbacks) complete(full string, usage Usage) {
	if cb.OnComplete != nil {
		cb.OnComplete(full, usage)
	}
}

func (cb StreamCallbacks) fail(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

// Provider is the uniform surface over chat backends. StreamChat drives the
// callbacks synchronously and its returned error mirrors the OnError callback,
// so compositions (fallback, simulation) can intercept without re-reporting.
type Provider interface {
	Name() string
	Chat(ctx context.Context, msgs []Message, promptName string) (*Result, error)
	StreamChat(ctx context.Context, msgs []Message, cb StreamCallbacks) error
	EstimateTokens(text string) int
	WouldExceedBudget(msgs []Message) bool
}

// Embedder turns texts into fixed-dimension cosine vectors. Only the local
// inference gateway exposes this capability.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Dim() int
}

// SystemSource resolves the system prompt text for a named prompt. An empty
// string means no system turn is prepended.
type SystemSource interface {
	ActiveSystem(ctx context.Context, name string) string
}

// BlockedText substitutes a response the upstream refused on policy grounds,
// so callers still persist a deterministic assistant turn.
const BlockedText = "[response withheld by safety filter]"

var (
	ErrNoProvider     = errors.New("no llm provider configured")
	ErrBudgetExceeded = errors.New("conversation exceeds context budget")
	ErrEmptyResponse  = errors.New("provider returned empty response")
)

// EstimateTokens is the cheap sizing heuristic used for budget math and for
// usage when the upstream reports nothing: roughly four characters per token.
func EstimateTokens(text string) int {
	n := len([]rune(strings.TrimSpace(text)))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateMessages sums the per-message estimate plus a small per-turn
// framing overhead.
func EstimateMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content) + 4
	}
	return total
}

// budget carries the shared context-window arithmetic every provider embeds.
type budget struct {
	maxContextTokens int
	maxOutputTokens  int
}

func (b budget) EstimateTokens(text string) int { return EstimateTokens(text) }

func (b budget) WouldExceedBudget(msgs []Message) bool {
	if b.maxContextTokens <= 0 {
		return false
	}
	return EstimateMessages(msgs)+b.maxOutputTokens > b.maxContextTokens
}

// systemFor resolves the system text for a prompt name, tolerating a nil
// source (unit tests, bare providers).
func systemFor(ctx context.Context, src SystemSource, promptName string) string {
	if src == nil || strings.TrimSpace(promptName) == "" {
		return ""
	}
	return strings.TrimSpace(src.ActiveSystem(ctx, promptName))
}
