// Package echo is a stand-in backend that answers every prompt with a fixed
// placeholder reply, streamed word by word.
package echo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/chatsession/pkg/transport"
)

type Config struct {
	// Delay is the simulated latency before the first chunk.
	Delay time.Duration `yaml:"echo_delay"`
	// ChunkDelay separates two chunks.
	ChunkDelay time.Duration `yaml:"echo_chunk_delay"`
}

func DefaultConfig() Config {
	return Config{Delay: 1500 * time.Millisecond, ChunkDelay: 40 * time.Millisecond}
}

type Transport struct {
	cfg Config
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// Reply returns the full placeholder answer for prompt.
func Reply(prompt string) string {
	return fmt.Sprintf("Hello there! You said: \"%s\". This is a placeholder response. You'll connect your GraphQL backend here to get a real answer.", prompt)
}

// Split cuts text into word chunks that concatenate back to text.
func Split(text string) []string {
	parts := strings.SplitAfter(text, " ")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (t *Transport) Open(ctx context.Context, req transport.Request) (transport.Stream, error) {
	chunks := Split(Reply(req.Prompt))
	return transport.Produce(ctx, 0, func(ctx context.Context, s *transport.ChannelStream) {
		if !sleep(ctx, t.cfg.Delay) {
			return
		}
		for i, c := range chunks {
			if i > 0 && !sleep(ctx, t.cfg.ChunkDelay) {
				return
			}
			if err := s.Send(ctx, transport.Chunk(c, uint64(i+1))); err != nil {
				return
			}
		}
		_ = s.Send(ctx, transport.Done())
	}), nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
