package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestLocal(t *testing.T, handler http.Handler) *Local {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewLocal(LocalOptions{
		BaseURL:    srv.URL,
		ChatModel:  "test-chat",
		EmbedModel: "test-embed",
		EmbedDim:   3,
		MaxRetries: 0,
	}, nil, newTestLogger(t))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return p
}

func TestLocalChatUsesGatewayUsage(t *testing.T) {
	p := newTestLocal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text/generate" {
			t.Fatalf("path: want=/v1/text/generate got=%s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "test-chat" {
			t.Fatalf("model: want=test-chat got=%s", req.Model)
		}
		if req.Stream {
			t.Fatalf("unary request must not set stream")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output_text": "hello there",
			"usage":       map[string]int{"prompt_tokens": 12, "completion_tokens": 7},
		})
	}))

	res, err := p.Chat(context.Background(), singleTurn(), "chat-default")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Text != "hello there" {
		t.Fatalf("text: want=%q got=%q", "hello there", res.Text)
	}
	if res.Usage.InputTokens != 12 || res.Usage.OutputTokens != 7 {
		t.Fatalf("usage: want={12 7} got=%+v", res.Usage)
	}
	if res.Provider != "local" {
		t.Fatalf("provider: want=local got=%s", res.Provider)
	}
}

func TestLocalChatFallsBackToEstimatedUsage(t *testing.T) {
	p := newTestLocal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"output_text": "four char sets"})
	}))

	res, err := p.Chat(context.Background(), singleTurn(), "")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Usage.InputTokens != EstimateMessages(singleTurn()) {
		t.Fatalf("input tokens: want=%d got=%d", EstimateMessages(singleTurn()), res.Usage.InputTokens)
	}
	if res.Usage.OutputTokens != EstimateTokens("four char sets") {
		t.Fatalf("output tokens: want=%d got=%d", EstimateTokens("four char sets"), res.Usage.OutputTokens)
	}
}

func TestLocalChatDecodesErrorEnvelope(t *testing.T) {
	p := newTestLocal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"model overloaded","type":"overloaded_error","code":"overloaded"}}`))
	}))

	_, err := p.Chat(context.Background(), singleTurn(), "")
	var herr *HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("expected HTTPError, got=%T (%v)", err, err)
	}
	if herr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status: want=429 got=%d", herr.StatusCode)
	}
	if herr.Message != "model overloaded" {
		t.Fatalf("message: want=%q got=%q", "model overloaded", herr.Message)
	}
	if herr.Code != "overloaded" {
		t.Fatalf("code: want=%q got=%q", "overloaded", herr.Code)
	}
}

func TestLocalStreamChatParsesDeltaEvents(t *testing.T) {
	p := newTestLocal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Fatalf("stream request must set stream=true")
		}

		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		_, _ = w.Write([]byte("event: text.delta\ndata: {\"delta\":\"Hel\"}\n\n"))
		_, _ = w.Write([]byte("event: text.delta\ndata: {\"delta\":\"lo\"}\n\n"))
		_, _ = w.Write([]byte(": keepalive comment\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))

	var (
		tokens    []string
		fullText  string
		completes int
	)
	err := p.StreamChat(context.Background(), singleTurn(), StreamCallbacks{
		OnToken:    func(tok string) { tokens = append(tokens, tok) },
		OnComplete: func(full string, usage Usage) { completes++; fullText = full },
		OnError:    func(err error) { t.Fatalf("unexpected OnError: %v", err) },
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if completes != 1 {
		t.Fatalf("OnComplete calls: want=1 got=%d", completes)
	}
	if fullText != "Hello" {
		t.Fatalf("fullText: want=%q got=%q", "Hello", fullText)
	}
	if len(tokens) != 2 || tokens[0] != "Hel" || tokens[1] != "lo" {
		t.Fatalf("tokens: got=%v", tokens)
	}
}

func TestLocalStreamChatSurfacesGatewayError(t *testing.T) {
	p := newTestLocal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		_, _ = w.Write([]byte("event: text.delta\ndata: {\"delta\":\"par\"}\n\n"))
		_, _ = w.Write([]byte("event: error\ndata: {\"message\":\"engine crashed\"}\n\n"))
	}))

	var failures int
	err := p.StreamChat(context.Background(), singleTurn(), StreamCallbacks{
		OnToken:    func(string) {},
		OnComplete: func(string, Usage) { t.Fatalf("unexpected OnComplete") },
		OnError:    func(error) { failures++ },
	})
	if err == nil {
		t.Fatalf("expected stream error")
	}
	if failures != 1 {
		t.Fatalf("OnError calls: want=1 got=%d", failures)
	}
}

func TestLocalStreamChatEmptyStreamIsError(t *testing.T) {
	p := newTestLocal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))

	var failures int
	err := p.StreamChat(context.Background(), singleTurn(), StreamCallbacks{
		OnToken:    func(string) { t.Fatalf("unexpected token") },
		OnComplete: func(string, Usage) { t.Fatalf("unexpected OnComplete") },
		OnError:    func(error) { failures++ },
	})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("error: want=ErrEmptyResponse got=%v", err)
	}
	if failures != 1 {
		t.Fatalf("OnError calls: want=1 got=%d", failures)
	}
}

func TestLocalEmbedReordersByIndex(t *testing.T) {
	p := newTestLocal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Fatalf("path: want=/v1/embeddings got=%s", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Inputs) != 2 {
			t.Fatalf("inputs: want=2 got=%d", len(req.Inputs))
		}
		// Answer out of order on purpose.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{4, 5, 6}},
				{"index": 0, "embedding": []float32{1, 2, 3}},
			},
		})
	}))

	vecs, err := p.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("vectors: want=2 got=%d", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][0] != 4 {
		t.Fatalf("vectors out of order: got=%v", vecs)
	}
}

func TestLocalEmbedRejectsWrongDimension(t *testing.T) {
	p := newTestLocal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": []float32{1, 2}},
			},
		})
	}))

	if _, err := p.Embed(context.Background(), []string{"first"}); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestLocalEmbedEmptyInput(t *testing.T) {
	p := newTestLocal(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected for empty input")
	}))

	vecs, err := p.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 0 {
		t.Fatalf("vectors: want=0 got=%d", len(vecs))
	}
}
