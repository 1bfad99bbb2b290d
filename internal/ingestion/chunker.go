package ingestion

import "strings"

const (
	DefaultChunkWindow  = 400
	DefaultChunkOverlap = 200
)

// SplitText splits text into overlapping fixed-size windows. Offsets are in
// runes so a UTF-8 sequence is never cut in half. The walk stops once the
// remaining tail is shorter than the overlap: that tail is already fully
// covered by the previous window.
func SplitText(text string, window, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if window <= 0 {
		window = DefaultChunkWindow
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= window {
		overlap = window / 2
	}
	step := window - overlap

	r := []rune(text)
	out := make([]string, 0, len(r)/step+1)
	for start := 0; start < len(r); start += step {
		if start > 0 && len(r)-start < overlap {
			break
		}
		end := start + window
		if end > len(r) {
			end = len(r)
		}

		p := strings.TrimSpace(string(r[start:end]))
		if p != "" {
			out = append(out, p)
		}

		if end == len(r) {
			break
		}
	}
	return out
}
