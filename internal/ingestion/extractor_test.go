package ingestion

import (
	"context"
	"strings"
	"testing"

	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

type fakeManagedExtractor struct {
	calls int
	text  string
	err   error
}

func (f *fakeManagedExtractor) ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	f.calls++
	return f.text, f.err
}

func (f *fakeManagedExtractor) Close() error { return nil }

func TestIsPDF(t *testing.T) {
	cases := []struct {
		data []byte
		want bool
	}{
		{[]byte("%PDF-1.7\nrest"), true},
		{[]byte("%PDF-"), true},
		{[]byte("%PDF"), false},
		{[]byte("PK\x03\x04 zip bytes"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsPDF(tc.data); got != tc.want {
			t.Fatalf("IsPDF(%q): want=%v got=%v", tc.data, tc.want, got)
		}
	}
}

func TestCollapseWhitespace(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"a\n\nb\tc", "a b c"},
		{"  spaced   out  ", "spaced out"},
		{"non breaking", "non breaking"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CollapseWhitespace(tc.in); got != tc.want {
			t.Fatalf("CollapseWhitespace(%q): want=%q got=%q", tc.in, tc.want, got)
		}
	}
}

func TestExtractPDFRejectsNonPDF(t *testing.T) {
	managed := &fakeManagedExtractor{text: "should never be used"}
	e := NewExtractor(newTestLogger(t), managed)

	_, err := e.ExtractPDF(context.Background(), []byte("hello, not a pdf"))
	if err == nil {
		t.Fatal("want error for non-pdf bytes")
	}
	if !strings.Contains(err.Error(), "missing %PDF header") {
		t.Fatalf("unexpected error: %v", err)
	}
	if managed.calls != 0 {
		t.Fatalf("managed extractor must not run on rejected bytes, ran %d times", managed.calls)
	}
}

func TestExtractPDFCorruptBody(t *testing.T) {
	e := NewExtractor(newTestLogger(t), nil)

	_, err := e.ExtractPDF(context.Background(), []byte("%PDF-1.4\nthis is not a real pdf body"))
	if err == nil {
		t.Fatal("want error for corrupt pdf body")
	}
}
