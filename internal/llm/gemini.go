package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

// GeminiOptions configure the Google GenAI provider.
type GeminiOptions struct {
	APIKey string
	Model  string

	MaxContextTokens int
	MaxOutputTokens  int
	Timeout          time.Duration
}

type Gemini struct {
	budget

	client  *genai.Client
	model   string
	prompts SystemSource
	log     *logger.Logger
	timeout time.Duration
}

func NewGemini(ctx context.Context, opts GeminiOptions, prompts SystemSource, log *logger.Logger) (*Gemini, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gemini provider requires GEMINI_API_KEY")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("gemini provider requires a model")
	}
	maxOut := opts.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = 1024
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(opts.APIKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}

	return &Gemini{
		budget:  budget{maxContextTokens: opts.MaxContextTokens, maxOutputTokens: maxOut},
		client:  client,
		model:   model,
		prompts: prompts,
		log:     log,
		timeout: opts.Timeout,
	}, nil
}

func (p *Gemini) Name() string { return "gemini" }

func (p *Gemini) request(ctx context.Context, msgs []Message, promptName string) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(p.maxOutputTokens),
	}
	if system := systemFor(ctx, p.prompts, promptName); system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	return contents, cfg
}

func (p *Gemini) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(ctx, p.timeout)
	}
	return ctx, func() {}
}

func blockedResponse(resp *genai.GenerateContentResponse) bool {
	if resp == nil {
		return false
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return true
	}
	for _, cand := range resp.Candidates {
		if cand.FinishReason == genai.FinishReasonSafety {
			return true
		}
	}
	return false
}

func usageFrom(resp *genai.GenerateContentResponse) (Usage, bool) {
	if resp == nil || resp.UsageMetadata == nil {
		return Usage{}, false
	}
	return Usage{
		InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
	}, true
}

func (p *Gemini) Chat(ctx context.Context, msgs []Message, promptName string) (*Result, error) {
	if len(msgs) == 0 {
		return nil, errors.New("messages required")
	}

	ctx2, cancel := p.withTimeout(ctx)
	defer cancel()

	contents, cfg := p.request(ctx2, msgs, promptName)
	resp, err := p.client.Models.GenerateContent(ctx2, p.model, contents, cfg)
	if err != nil {
		return nil, err
	}

	usage := Usage{InputTokens: EstimateMessages(msgs)}
	if u, ok := usageFrom(resp); ok {
		usage = u
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		if blockedResponse(resp) {
			p.log.Warn("gemini blocked generation, substituting marker", "model", p.model)
			return &Result{Text: BlockedText, Usage: usage, Provider: p.Name()}, nil
		}
		return nil, ErrEmptyResponse
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = EstimateTokens(text)
	}
	return &Result{Text: text, Usage: usage, Provider: p.Name()}, nil
}

func (p *Gemini) StreamChat(ctx context.Context, msgs []Message, cb StreamCallbacks) error {
	if len(msgs) == 0 {
		err := errors.New("messages required")
		cb.fail(err)
		return err
	}

	ctx2, cancel := p.withTimeout(ctx)
	defer cancel()

	contents, cfg := p.request(ctx2, msgs, cb.PromptName)

	var (
		full    strings.Builder
		usage   Usage
		seen    bool
		blocked bool
	)
	for resp, err := range p.client.Models.GenerateContentStream(ctx2, p.model, contents, cfg) {
		if err != nil {
			cb.fail(err)
			return err
		}
		if u, ok := usageFrom(resp); ok {
			usage, seen = u, true
		}
		// Blocked chunks carry no text; keep reading for usage metadata.
		if blockedResponse(resp) {
			blocked = true
			continue
		}
		if tok := resp.Text(); tok != "" {
			full.WriteString(tok)
			cb.token(tok)
		}
	}

	text := full.String()
	if !seen {
		usage = Usage{InputTokens: EstimateMessages(msgs), OutputTokens: EstimateTokens(text)}
	}
	if strings.TrimSpace(text) == "" {
		if !blocked {
			cb.fail(ErrEmptyResponse)
			return ErrEmptyResponse
		}
		p.log.Warn("gemini blocked generation, substituting marker", "model", p.model)
		text = BlockedText
		cb.token(text)
	}
	cb.complete(text, usage)
	return nil
}
