// Package history trims a conversation down to what fits a token budget
// before it is handed to a backend.
package history

import (
	"sync"

	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates the role and framing tokens chat APIs add
// around every message.
const perMessageOverhead = 4

// Counter counts tokens in a string.
type Counter interface {
	Count(text string) (int, error)
}

type codecCounter struct {
	codec tokenizer.Codec
}

func (c codecCounter) Count(text string) (int, error) {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, errors.Wrap(err, "encode")
	}
	return len(ids), nil
}

var (
	defaultOnce    sync.Once
	defaultCounter Counter
	defaultErr     error
)

// DefaultCounter returns a cl100k_base counter shared by the process.
func DefaultCounter() (Counter, error) {
	defaultOnce.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			defaultErr = errors.Wrap(err, "load cl100k_base")
			return
		}
		defaultCounter = codecCounter{codec: codec}
	})
	return defaultCounter, defaultErr
}

// Window returns the longest suffix of msgs whose token count fits budget.
// A budget of zero or less keeps everything. Order is preserved.
func Window(counter Counter, msgs []messages.Message, budget int) ([]messages.Message, error) {
	if budget <= 0 || len(msgs) == 0 {
		return msgs, nil
	}
	used := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		n, err := counter.Count(msgs[i].Content)
		if err != nil {
			return nil, err
		}
		n += perMessageOverhead
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	return msgs[start:], nil
}

// Windower returns a function suitable for lifecycle.WithHistory. Counting
// failures fall back to the full history.
func Windower(counter Counter, budget int) func([]messages.Message) []messages.Message {
	return func(prior []messages.Message) []messages.Message {
		if counter == nil {
			return prior
		}
		out, err := Window(counter, prior, budget)
		if err != nil {
			log.Warn().Err(err).Str("component", "history").Msg("token count failed, sending full history")
			return prior
		}
		return out
	}
}
