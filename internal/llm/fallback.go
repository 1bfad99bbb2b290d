package llm

import (
	"context"
	"sync/atomic"

	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/observability"
)

// FallbackChain tries the primary provider first and, when it fails without
// having produced output, retries once on the fallback. Partial streams are
// never replayed across providers: once the primary has emitted a token, its
// failure is surfaced as-is.
type FallbackChain struct {
	primary  Provider
	fallback Provider
	metrics  *observability.Metrics
	log      *logger.Logger
}

func NewFallbackChain(primary, fallback Provider, metrics *observability.Metrics, log *logger.Logger) *FallbackChain {
	return &FallbackChain{
		primary:  primary,
		fallback: fallback,
		metrics:  metrics,
		log:      log.With("component", "llm_fallback"),
	}
}

func (c *FallbackChain) Name() string { return c.primary.Name() }

func (c *FallbackChain) EstimateTokens(text string) int { return c.primary.EstimateTokens(text) }

func (c *FallbackChain) WouldExceedBudget(msgs []Message) bool {
	return c.primary.WouldExceedBudget(msgs)
}

func (c *FallbackChain) Chat(ctx context.Context, msgs []Message, promptName string) (*Result, error) {
	res, err := c.primary.Chat(ctx, msgs, promptName)
	if err == nil {
		return res, nil
	}
	if c.fallback == nil || ctx.Err() != nil {
		return nil, err
	}

	c.log.Warn("primary provider failed, retrying on fallback",
		"from", c.primary.Name(), "to", c.fallback.Name(), "error", err)
	c.metrics.IncLLMFallback(c.primary.Name(), c.fallback.Name())

	return c.fallback.Chat(ctx, msgs, promptName)
}

func (c *FallbackChain) StreamChat(ctx context.Context, msgs []Message, cb StreamCallbacks) error {
	if c.fallback == nil {
		return c.primary.StreamChat(ctx, msgs, cb)
	}

	var emitted atomic.Bool
	pcb := cb
	pcb.OnToken = func(tok string) {
		emitted.Store(true)
		cb.token(tok)
	}
	pcb.OnError = func(err error) {
		// Pre-token failures stay silent here so the fallback attempt below
		// owns the terminal callback.
		if emitted.Load() {
			cb.fail(err)
		}
	}

	err := c.primary.StreamChat(ctx, msgs, pcb)
	if err == nil {
		return nil
	}
	if emitted.Load() {
		return err
	}
	if ctx.Err() != nil {
		cb.fail(err)
		return err
	}

	c.log.Warn("primary provider failed before first token, retrying on fallback",
		"from", c.primary.Name(), "to", c.fallback.Name(), "correlation_id", cb.CorrelationID, "error", err)
	c.metrics.IncLLMFallback(c.primary.Name(), c.fallback.Name())

	return c.fallback.StreamChat(ctx, msgs, cb)
}
