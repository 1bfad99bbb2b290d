package llm

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// simulatedStream serves streaming turns from the wrapped provider's unary
// path: the full answer is computed first, then replayed word by word with
// small jittered delays. Used for infrastructure tests and for backends
// without a native streaming API.
type simulatedStream struct {
	Provider
}

func SimulateStream(p Provider) Provider {
	return &simulatedStream{Provider: p}
}

func (s *simulatedStream) StreamChat(ctx context.Context, msgs []Message, cb StreamCallbacks) error {
	res, err := s.Provider.Chat(ctx, msgs, cb.PromptName)
	if err != nil {
		cb.fail(err)
		return err
	}

	words := strings.Fields(res.Text)
	var full strings.Builder
	for i, w := range words {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			cb.fail(err)
			return err
		case <-time.After(simulatedDelay()):
		}

		tok := w
		if i < len(words)-1 {
			tok += " "
		}
		full.WriteString(tok)
		cb.token(tok)
	}

	cb.complete(full.String(), res.Usage)
	return nil
}

func simulatedDelay() time.Duration {
	return time.Duration(10+rand.Intn(21)) * time.Millisecond
}
