package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yungbote/loqui-backend/internal/llm"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() {
		log.Sync()
	})
	return log
}

func newTestStream(t *testing.T) (*Stream, *httptest.ResponseRecorder, context.CancelFunc) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	s, err := New(rec, req, "/api/chat/stream", nil, newTestLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, rec, cancel
}

func frames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("frame without data prefix: %q", block)
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(block, "data: ")), &frame); err != nil {
			t.Fatalf("frame decode: %v (%q)", err, block)
		}
		out = append(out, frame)
	}
	return out
}

func TestStreamTokenAndCompletionFrames(t *testing.T) {
	s, rec, cancel := newTestStream(t)
	defer cancel()

	s.SendToken("Hel")
	s.SendToken("lo")
	s.SendCompletion("Hello", llm.Usage{InputTokens: 8, OutputTokens: 2}, map[string]any{"documents_used": 1})
	s.Close()

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("cache control: got %q", cc)
	}
	if xb := rec.Header().Get("X-Accel-Buffering"); xb != "no" {
		t.Fatalf("buffering header: got %q", xb)
	}

	out := frames(t, rec.Body.String())
	if len(out) != 3 {
		t.Fatalf("frames: want=3 got=%d", len(out))
	}
	if out[0]["token"] != "Hel" || out[0]["done"] != false {
		t.Fatalf("token frame wrong: %v", out[0])
	}
	last := out[2]
	if last["done"] != true || last["fullText"] != "Hello" || last["token"] != "" {
		t.Fatalf("completion frame wrong: %v", last)
	}
	usage, ok := last["usage"].(map[string]any)
	if !ok || usage["output_tokens"] != float64(2) {
		t.Fatalf("completion usage wrong: %v", last["usage"])
	}
	if usage["total_tokens"] != float64(10) {
		t.Fatalf("total tokens: want=10 got=%v", usage["total_tokens"])
	}
	rag, ok := last["rag_context"].(map[string]any)
	if !ok || rag["documents_used"] != float64(1) {
		t.Fatalf("rag context wrong: %v", last["rag_context"])
	}
}

func TestStreamCompletionOmitsEmptyUsageAndRAG(t *testing.T) {
	s, rec, cancel := newTestStream(t)
	defer cancel()

	s.SendCompletion("done", llm.Usage{}, nil)

	out := frames(t, rec.Body.String())
	if len(out) != 1 {
		t.Fatalf("frames: want=1 got=%d", len(out))
	}
	if _, ok := out[0]["usage"]; ok {
		t.Fatalf("zero usage must be omitted: %v", out[0])
	}
	if _, ok := out[0]["rag_context"]; ok {
		t.Fatalf("nil rag context must be omitted: %v", out[0])
	}
}

func TestStreamExactlyOneTerminalFrame(t *testing.T) {
	s, rec, cancel := newTestStream(t)
	defer cancel()

	s.SendCompletion("first", llm.Usage{}, nil)
	s.SendToken("late")
	s.SendError("late_error", "should be dropped")

	out := frames(t, rec.Body.String())
	if len(out) != 1 {
		t.Fatalf("nothing may follow the terminal frame, got %d frames", len(out))
	}
	if out[0]["fullText"] != "first" {
		t.Fatalf("terminal frame wrong: %v", out[0])
	}
}

func TestStreamErrorFrameTerminates(t *testing.T) {
	s, rec, cancel := newTestStream(t)
	defer cancel()

	s.SendToken("par")
	s.SendError("provider_failed", "upstream exploded")
	s.SendToken("tial")

	out := frames(t, rec.Body.String())
	if len(out) != 2 {
		t.Fatalf("frames: want=2 got=%d", len(out))
	}
	if out[1]["error"] != "provider_failed" || out[1]["message"] != "upstream exploded" {
		t.Fatalf("error frame wrong: %v", out[1])
	}
}

func TestStreamDropsFramesAfterDisconnect(t *testing.T) {
	s, rec, cancel := newTestStream(t)

	s.SendToken("first")
	cancel()
	s.SendToken("second")
	s.SendCompletion("full", llm.Usage{}, nil)

	out := frames(t, rec.Body.String())
	if len(out) != 1 || out[0]["token"] != "first" {
		t.Fatalf("post-disconnect frames must be dropped: %v", out)
	}
}

func TestStreamOpenedReflectsWireState(t *testing.T) {
	s, _, cancel := newTestStream(t)
	defer cancel()

	if s.Opened() {
		t.Fatalf("fresh stream must not be opened")
	}
	s.SendToken("x")
	if !s.Opened() {
		t.Fatalf("stream with a frame out must be opened")
	}
}

type noFlushWriter struct {
	http.ResponseWriter
}

func TestStreamRequiresFlusher(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", nil)

	_, err := New(noFlushWriter{rec}, req, "/api/chat/stream", nil, newTestLogger(t))
	if err != ErrStreamingUnsupported {
		t.Fatalf("want ErrStreamingUnsupported got %v", err)
	}
}
