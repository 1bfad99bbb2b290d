package llm

import (
	"context"
	"time"

	"github.com/yungbote/loqui-backend/internal/platform/observability"
)

// instrumented decorates a provider with request/latency/token metrics, so
// backend adapters stay free of observability concerns.
type instrumented struct {
	Provider

	model   string
	metrics *observability.Metrics
}

func Instrument(p Provider, model string, metrics *observability.Metrics) Provider {
	return &instrumented{Provider: p, model: model, metrics: metrics}
}

func (i *instrumented) Chat(ctx context.Context, msgs []Message, promptName string) (*Result, error) {
	start := time.Now()
	res, err := i.Provider.Chat(ctx, msgs, promptName)
	if err != nil {
		i.metrics.ObserveLLMRequest(i.Name(), i.model, "error", time.Since(start), 0, 0)
		return nil, err
	}
	i.metrics.ObserveLLMRequest(i.Name(), i.model, "ok", time.Since(start), res.Usage.InputTokens, res.Usage.OutputTokens)
	return res, nil
}

func (i *instrumented) StreamChat(ctx context.Context, msgs []Message, cb StreamCallbacks) error {
	start := time.Now()
	inner := cb
	inner.OnComplete = func(full string, usage Usage) {
		i.metrics.ObserveLLMRequest(i.Name(), i.model, "ok", time.Since(start), usage.InputTokens, usage.OutputTokens)
		cb.complete(full, usage)
	}
	inner.OnError = func(err error) {
		i.metrics.ObserveLLMRequest(i.Name(), i.model, "error", time.Since(start), 0, 0)
		cb.fail(err)
	}
	return i.Provider.StreamChat(ctx, msgs, inner)
}
