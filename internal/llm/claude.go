package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

// ClaudeOptions configure the Anthropic Messages provider.
type ClaudeOptions struct {
	APIKey string
	Model  string

	MaxContextTokens int
	MaxOutputTokens  int
	Timeout          time.Duration
}

type Claude struct {
	budget

	client  sdk.Client
	model   string
	prompts SystemSource
	log     *logger.Logger
	timeout time.Duration
}

func NewClaude(opts ClaudeOptions, prompts SystemSource, log *logger.Logger) (*Claude, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("claude provider requires ANTHROPIC_API_KEY")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("claude provider requires a model")
	}
	maxOut := opts.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = 1024
	}

	return &Claude{
		budget:  budget{maxContextTokens: opts.MaxContextTokens, maxOutputTokens: maxOut},
		client:  sdk.NewClient(option.WithAPIKey(strings.TrimSpace(opts.APIKey))),
		model:   model,
		prompts: prompts,
		log:     log,
		timeout: opts.Timeout,
	}, nil
}

func (p *Claude) Name() string { return "claude" }

func (p *Claude) params(ctx context.Context, msgs []Message, promptName string) sdk.MessageNewParams {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			conversation = append(conversation, sdk.NewAssistantMessage(block))
		} else {
			conversation = append(conversation, sdk.NewUserMessage(block))
		}
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(p.maxOutputTokens),
		Messages:  conversation,
		Model:     sdk.Model(p.model),
	}
	if system := systemFor(ctx, p.prompts, promptName); system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	return params
}

func (p *Claude) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(ctx, p.timeout)
	}
	return ctx, func() {}
}

func (p *Claude) Chat(ctx context.Context, msgs []Message, promptName string) (*Result, error) {
	if len(msgs) == 0 {
		return nil, errors.New("messages required")
	}

	ctx2, cancel := p.withTimeout(ctx)
	defer cancel()

	msg, err := p.client.Messages.New(ctx2, p.params(ctx2, msgs, promptName))
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			text.WriteString(block.Text)
		}
	}

	usage := Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage = Usage{InputTokens: EstimateMessages(msgs), OutputTokens: EstimateTokens(text.String())}
	}

	out := text.String()
	if strings.TrimSpace(out) == "" {
		if string(msg.StopReason) == "refusal" {
			p.log.Warn("claude refused generation, substituting marker",
				"model", p.model, "stop_reason", string(msg.StopReason))
			return &Result{Text: BlockedText, Usage: usage, Provider: p.Name()}, nil
		}
		return nil, ErrEmptyResponse
	}
	return &Result{Text: out, Usage: usage, Provider: p.Name()}, nil
}

func (p *Claude) StreamChat(ctx context.Context, msgs []Message, cb StreamCallbacks) error {
	if len(msgs) == 0 {
		err := errors.New("messages required")
		cb.fail(err)
		return err
	}

	ctx2, cancel := p.withTimeout(ctx)
	defer cancel()

	stream := p.client.Messages.NewStreaming(ctx2, p.params(ctx2, msgs, cb.PromptName))
	defer stream.Close()

	var (
		full  strings.Builder
		usage Usage
		stop  string
	)
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				full.WriteString(delta.Text)
				cb.token(delta.Text)
			}
		case sdk.MessageDeltaEvent:
			usage.InputTokens = int(ev.Usage.InputTokens)
			usage.OutputTokens = int(ev.Usage.OutputTokens)
			stop = string(ev.Delta.StopReason)
		}
	}
	if err := stream.Err(); err != nil {
		cb.fail(err)
		return err
	}

	text := full.String()
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage = Usage{InputTokens: EstimateMessages(msgs), OutputTokens: EstimateTokens(text)}
	}
	if strings.TrimSpace(text) == "" {
		if stop != "refusal" {
			cb.fail(ErrEmptyResponse)
			return ErrEmptyResponse
		}
		p.log.Warn("claude refused generation, substituting marker",
			"model", p.model, "stop_reason", stop)
		text = BlockedText
		cb.token(text)
	}
	cb.complete(text, usage)
	return nil
}
