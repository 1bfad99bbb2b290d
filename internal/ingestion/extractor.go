package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	pdf "github.com/ledongthuc/pdf"

	"github.com/yungbote/loqui-backend/internal/platform/docai"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

type ExtractResult struct {
	Text      string
	PageCount int
}

// Extractor pulls plain text out of uploaded PDFs. Native extraction reads
// the embedded text layer; when that comes back empty (scanned documents)
// and a Document AI processor is configured, the managed extractor takes a
// second pass over the same bytes.
type Extractor struct {
	log     *logger.Logger
	managed docai.Extractor
}

func NewExtractor(baseLog *logger.Logger, managed docai.Extractor) *Extractor {
	return &Extractor{
		log:     baseLog.With("component", "IngestionExtractor"),
		managed: managed,
	}
}

func (e *Extractor) ExtractPDF(ctx context.Context, data []byte) (ExtractResult, error) {
	if !IsPDF(data) {
		return ExtractResult{}, fmt.Errorf("missing %%PDF header: head=%s", firstBytesHex(data, 16))
	}

	text, pages, err := extractNativePDF(data)
	if err != nil {
		return ExtractResult{}, err
	}

	if text == "" && e.managed != nil {
		managedText, managedErr := e.managed.ExtractText(ctx, data, "application/pdf")
		if managedErr != nil {
			e.log.Warn("Managed text extraction failed", "error", managedErr)
		} else {
			text = CollapseWhitespace(managedText)
		}
	}

	if text == "" {
		return ExtractResult{}, fmt.Errorf("no extractable text (pages=%d)", pages)
	}
	return ExtractResult{Text: text, PageCount: pages}, nil
}

// extractNativePDF converts library panics into errors; ledongthuc/pdf
// panics on some malformed font tables.
func extractNativePDF(data []byte) (text string, pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parse panic: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("pdf reader: %w", err)
	}
	pages = r.NumPage()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", pages, fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", pages, fmt.Errorf("pdf read: %w", err)
	}
	return CollapseWhitespace(string(b)), pages, nil
}

// IsPDF reports whether the bytes start with the %PDF- magic header.
func IsPDF(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstBytesHex(b []byte, n int) string {
	if n > len(b) {
		n = len(b)
	}
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		out = append(out, hexdigits[b[i]>>4], hexdigits[b[i]&0x0f])
	}
	return string(out)
}
