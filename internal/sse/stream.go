package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/yungbote/loqui-backend/internal/llm"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/observability"
)

// ErrStreamingUnsupported is reported by New before any byte is written, so
// callers can fall back to a plain JSON response.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

type tokenFrame struct {
	Token string `json:"token"`
	Done  bool   `json:"done"`
}

type completionFrame struct {
	Token    string        `json:"token"`
	Done     bool          `json:"done"`
	FullText string        `json:"fullText"`
	Usage    *usagePayload `json:"usage,omitempty"`
	RAG      any           `json:"rag_context,omitempty"`
}

type usagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type errorFrame struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Stream writes one chat turn to the client as server-sent events: zero or
// more token frames, then exactly one completion or error frame. Frames sent
// after termination, or after the client has gone away, are dropped. Headers
// go out lazily with the first frame, which keeps the JSON error fallback
// available for failures that happen before streaming starts.
type Stream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
	log     *logger.Logger
	metrics *observability.Metrics
	route   string

	started      time.Time
	tokens       int
	opened       bool
	terminated   bool
	disconnected bool
}

func New(w http.ResponseWriter, r *http.Request, route string, metrics *observability.Metrics, baseLog *logger.Logger) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &Stream{
		w:       w,
		flusher: flusher,
		ctx:     r.Context(),
		log:     baseLog.With("component", "SSEStream", "route", route),
		metrics: metrics,
		route:   route,
		started: time.Now(),
	}, nil
}

func (s *Stream) SendToken(tok string) {
	s.send(tokenFrame{Token: tok, Done: false}, false, true)
}

// SendCompletion terminates the stream. Usage is omitted from the frame when
// the provider reported nothing; rag marshals as rag_context when non-nil.
func (s *Stream) SendCompletion(fullText string, usage llm.Usage, rag any) {
	frame := completionFrame{Token: "", Done: true, FullText: fullText, RAG: rag}
	if usage.Total() > 0 {
		frame.Usage = &usagePayload{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			TotalTokens:  usage.Total(),
		}
	}
	s.send(frame, true, false)
}

// SendError terminates the stream with an error frame.
func (s *Stream) SendError(code, message string) {
	s.send(errorFrame{Error: code, Message: message}, true, false)
}

// Opened reports whether any frame reached the wire; when false, the caller
// may still write an ordinary JSON response.
func (s *Stream) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Close records stream metrics. It does not write a frame; termination is
// the sender's job.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return
	}
	s.metrics.ObserveStream(s.route, time.Since(s.started))
	s.log.Debug("Stream closed",
		"tokens", s.tokens,
		"terminated", s.terminated,
		"disconnected", s.disconnected,
		"duration_ms", time.Since(s.started).Milliseconds(),
	)
}

func (s *Stream) send(frame any, terminal, token bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated || s.disconnected {
		return
	}
	if s.ctx.Err() != nil {
		s.markDisconnected()
		return
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		s.log.Warn("Frame marshal failed", "error", err)
		return
	}

	if !s.opened {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.opened = true
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		s.markDisconnected()
		return
	}
	s.flusher.Flush()

	if token {
		s.tokens++
	}
	if terminal {
		s.terminated = true
	}
}

// markDisconnected is called under mu.
func (s *Stream) markDisconnected() {
	if s.disconnected {
		return
	}
	s.disconnected = true
	s.metrics.IncStreamDisconnect()
	s.log.Debug("Client disconnected, dropping frames", "tokens_sent", s.tokens)
}
