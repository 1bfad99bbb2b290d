package llm

import (
	"context"
	"fmt"

	"github.com/yungbote/loqui-backend/internal/config"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/observability"
)

// NewFromConfig assembles the provider stack from configuration: the primary
// backend, an optional fallback chain, metrics instrumentation, and the
// simulated-stream wrapper when enabled. The returned Embedder always speaks
// to the local inference gateway, whatever the chat provider is.
func NewFromConfig(ctx context.Context, cfg config.LLMConfig, prompts SystemSource, metrics *observability.Metrics, log *logger.Logger) (Provider, Embedder, error) {
	local, err := NewLocal(LocalOptions{
		BaseURL:          cfg.InferenceBaseURL,
		APIKey:           cfg.InferenceAPIKey,
		ChatModel:        cfg.InferenceChatModel,
		EmbedModel:       cfg.InferenceEmbedModel,
		EmbedDim:         cfg.InferenceEmbedDim,
		MaxContextTokens: cfg.MaxContextTokens,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		Timeout:          cfg.Timeout,
		MaxRetries:       cfg.InferenceMaxRetries,
	}, prompts, log)
	if err != nil {
		return nil, nil, fmt.Errorf("local provider: %w", err)
	}

	build := func(name string) (Provider, string, error) {
		switch name {
		case "local":
			return local, cfg.InferenceChatModel, nil
		case "gemini":
			p, err := NewGemini(ctx, GeminiOptions{
				APIKey:           cfg.GeminiAPIKey,
				Model:            cfg.GeminiModel,
				MaxContextTokens: cfg.MaxContextTokens,
				MaxOutputTokens:  cfg.MaxOutputTokens,
				Timeout:          cfg.Timeout,
			}, prompts, log)
			return p, cfg.GeminiModel, err
		case "claude":
			p, err := NewClaude(ClaudeOptions{
				APIKey:           cfg.AnthropicAPIKey,
				Model:            cfg.AnthropicModel,
				MaxContextTokens: cfg.MaxContextTokens,
				MaxOutputTokens:  cfg.MaxOutputTokens,
				Timeout:          cfg.Timeout,
			}, prompts, log)
			return p, cfg.AnthropicModel, err
		case "":
			return nil, "", ErrNoProvider
		default:
			return nil, "", fmt.Errorf("unknown llm provider %q", name)
		}
	}

	primary, primaryModel, err := build(cfg.Provider)
	if err != nil {
		return nil, nil, fmt.Errorf("primary provider %q: %w", cfg.Provider, err)
	}
	provider := Instrument(primary, primaryModel, metrics)

	if cfg.FallbackProvider != "" && cfg.FallbackProvider != cfg.Provider {
		fb, fbModel, err := build(cfg.FallbackProvider)
		if err != nil {
			return nil, nil, fmt.Errorf("fallback provider %q: %w", cfg.FallbackProvider, err)
		}
		provider = NewFallbackChain(provider, Instrument(fb, fbModel, metrics), metrics, log)
	}

	if cfg.SimulateStream {
		log.Info("llm streaming runs in simulated mode", "provider", cfg.Provider)
		provider = SimulateStream(provider)
	}

	return provider, local, nil
}
