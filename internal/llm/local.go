package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

// LocalOptions configure the on-host inference gateway client.
type LocalOptions struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
	EmbedDim   int

	MaxContextTokens int
	MaxOutputTokens  int

	Timeout    time.Duration
	MaxRetries int

	HTTPClient *http.Client
}

// Local speaks the inference gateway protocol: JSON POSTs for unary
// chat and embeddings, text/event-stream with text.delta events for streams.
type Local struct {
	budget

	baseURL    string
	apiKey     string
	chatModel  string
	embedModel string
	embedDim   int

	prompts SystemSource
	log     *logger.Logger

	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func NewLocal(opts LocalOptions, prompts SystemSource, log *logger.Logger) (*Local, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("local provider requires base url")
	}
	if strings.TrimSpace(opts.ChatModel) == "" {
		return nil, errors.New("local provider requires chat model")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	dim := opts.EmbedDim
	if dim <= 0 {
		dim = 768
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Local{
		budget:     budget{maxContextTokens: opts.MaxContextTokens, maxOutputTokens: opts.MaxOutputTokens},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		chatModel:  strings.TrimSpace(opts.ChatModel),
		embedModel: strings.TrimSpace(opts.EmbedModel),
		embedDim:   dim,
		prompts:    prompts,
		log:        log,
		timeout:    timeout,
		maxRetries: retries,
		httpClient: hc,
	}, nil
}

func (p *Local) Name() string { return "local" }

type generateRequest struct {
	Model       string            `json:"model"`
	Messages    []generateMessage `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

type generateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateResponse struct {
	OutputText string `json:"output_text"`
	Usage      *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

func (p *Local) wireMessages(ctx context.Context, msgs []Message, promptName string) []generateMessage {
	out := make([]generateMessage, 0, len(msgs)+1)
	if system := systemFor(ctx, p.prompts, promptName); system != "" {
		out = append(out, generateMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		out = append(out, generateMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (p *Local) Chat(ctx context.Context, msgs []Message, promptName string) (*Result, error) {
	if len(msgs) == 0 {
		return nil, errors.New("messages required")
	}

	req := generateRequest{
		Model:       p.chatModel,
		Messages:    p.wireMessages(ctx, msgs, promptName),
		MaxTokens:   p.maxOutputTokens,
		Temperature: 0.2,
	}

	var resp generateResponse
	if err := p.doJSON(ctx, http.MethodPost, "/v1/text/generate", req, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.OutputText) == "" {
		return nil, ErrEmptyResponse
	}

	usage := Usage{
		InputTokens:  EstimateMessages(msgs),
		OutputTokens: EstimateTokens(resp.OutputText),
	}
	if resp.Usage != nil {
		usage.InputTokens = resp.Usage.PromptTokens
		usage.OutputTokens = resp.Usage.CompletionTokens
	}
	return &Result{Text: resp.OutputText, Usage: usage, Provider: p.Name()}, nil
}

func (p *Local) StreamChat(ctx context.Context, msgs []Message, cb StreamCallbacks) error {
	if len(msgs) == 0 {
		err := errors.New("messages required")
		cb.fail(err)
		return err
	}

	reqBody := generateRequest{
		Model:       p.chatModel,
		Messages:    p.wireMessages(ctx, msgs, cb.PromptName),
		MaxTokens:   p.maxOutputTokens,
		Temperature: 0.2,
		Stream:      true,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		cb.fail(err)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/text/generate", &buf)
	if err != nil {
		cb.fail(err)
		return err
	}
	p.setHeaders(req, "application/json", "text/event-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		cb.fail(err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		herr := parseHTTPError(resp.StatusCode, raw)
		cb.fail(herr)
		return herr
	}

	var full strings.Builder
	err = readSSE(resp.Body, func(event string, data string) error {
		if strings.TrimSpace(data) == "" || strings.TrimSpace(data) == "[DONE]" {
			return nil
		}

		switch strings.TrimSpace(event) {
		case "text.delta":
			var obj struct {
				Delta string `json:"delta"`
			}
			if err := json.Unmarshal([]byte(data), &obj); err != nil {
				return nil
			}
			d := strings.TrimRight(obj.Delta, "\u0000")
			if d == "" {
				return nil
			}
			full.WriteString(d)
			cb.token(d)
			return nil
		case "error":
			var obj struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal([]byte(data), &obj); err == nil && strings.TrimSpace(obj.Message) != "" {
				return fmt.Errorf("stream error: %s", strings.TrimSpace(obj.Message))
			}
			return fmt.Errorf("stream error: %s", strings.TrimSpace(data))
		default:
			return nil
		}
	})
	if err != nil {
		cb.fail(err)
		return err
	}

	text := full.String()
	if strings.TrimSpace(text) == "" {
		cb.fail(ErrEmptyResponse)
		return ErrEmptyResponse
	}
	cb.complete(text, Usage{
		InputTokens:  EstimateMessages(msgs),
		OutputTokens: EstimateTokens(text),
	})
	return nil
}

type embedRequest struct {
	Model  string   `json:"model"`
	Inputs []string `json:"inputs"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (p *Local) Dim() int { return p.embedDim }

// Embed returns one vector per input, in input order. The gateway may answer
// out of order, so vectors are re-slotted by the reported index.
func (p *Local) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if strings.TrimSpace(p.embedModel) == "" {
		return nil, errors.New("local provider has no embed model configured")
	}
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	req := embedRequest{Model: p.embedModel, Inputs: normalizeInputs(inputs)}

	var resp embedResponse
	if err := p.doJSON(ctx, http.MethodPost, "/v1/embeddings", req, &resp); err != nil {
		return nil, err
	}

	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("embeddings missing index=%d", i)
		}
		if len(out[i]) != p.embedDim {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(out[i]), p.embedDim)
		}
	}
	return out, nil
}

func (p *Local) setHeaders(req *http.Request, contentType, accept string) {
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func (p *Local) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	ctx2 := ctx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		ctx2, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if ctx2.Err() != nil {
			return ctx2.Err()
		}

		req, err := http.NewRequestWithContext(ctx2, method, p.baseURL+path, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return err
		}
		p.setHeaders(req, "application/json", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			_ = resp.Body.Close()
			if readErr != nil {
				return readErr
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				lastErr = parseHTTPError(resp.StatusCode, raw)
			} else {
				if out == nil {
					return nil
				}
				return json.Unmarshal(raw, out)
			}
		}

		if attempt < p.maxRetries {
			select {
			case <-ctx2.Done():
				return ctx2.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	if lastErr == nil {
		lastErr = errors.New("request failed")
	}
	return lastErr
}

func normalizeInputs(inputs []string) []string {
	out := make([]string, len(inputs))
	for i := range inputs {
		s := strings.TrimSpace(inputs[i])
		if s == "" {
			s = " "
		}
		out[i] = s
	}
	return out
}
