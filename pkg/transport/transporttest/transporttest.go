// Package transporttest provides a scripted transport for tests.
package transporttest

import (
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/go-go-golems/chatsession/pkg/transport"
	"github.com/pkg/errors"
)

var ErrNoScript = errors.New("transporttest: no script left")

// Step is one scripted action performed by Recv. Exactly one field is used,
// checked in the order Wait, Delay, Err, Event.
type Step struct {
	Wait  <-chan struct{}
	Delay time.Duration
	Err   error
	Event transport.Event
}

func Emit(ev transport.Event) Step { return Step{Event: ev} }

func Fail(err error) Step { return Step{Err: err} }

func Sleep(d time.Duration) Step { return Step{Delay: d} }

func WaitFor(ch <-chan struct{}) Step { return Step{Wait: ch} }

// Script drives one Open call.
type Script struct {
	OpenErr error
	Steps   []Step
}

// Reply scripts numbered chunks followed by done.
func Reply(chunks ...string) Script {
	steps := make([]Step, 0, len(chunks)+1)
	for i, c := range chunks {
		steps = append(steps, Emit(transport.Chunk(c, uint64(i+1))))
	}
	steps = append(steps, Emit(transport.Done()))
	return Script{Steps: steps}
}

// Then returns a copy of s with steps appended.
func (s Script) Then(steps ...Step) Script {
	s.Steps = append(slices.Clone(s.Steps), steps...)
	return s
}

// Transport hands out scripts in order, one per Open.
type Transport struct {
	mu       sync.Mutex
	scripts  []Script
	requests []transport.Request
	streams  []*Stream
}

func New(scripts ...Script) *Transport {
	return &Transport{scripts: scripts}
}

// Push queues more scripts.
func (t *Transport) Push(scripts ...Script) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts = append(t.scripts, scripts...)
}

func (t *Transport) Open(ctx context.Context, req transport.Request) (transport.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
	if len(t.scripts) == 0 {
		return nil, ErrNoScript
	}
	script := t.scripts[0]
	t.scripts = t.scripts[1:]
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if script.OpenErr != nil {
		return nil, script.OpenErr
	}
	s := &Stream{steps: script.Steps, closed: make(chan struct{})}
	t.streams = append(t.streams, s)
	return s, nil
}

// Requests returns every request passed to Open, including failed ones.
func (t *Transport) Requests() []transport.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.requests)
}

func (t *Transport) Streams() []*Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.streams)
}

// Stream executes its steps lazily from Recv.
type Stream struct {
	mu        sync.Mutex
	steps     []Step
	pos       int
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *Stream) Recv(ctx context.Context) (transport.Event, error) {
	for {
		select {
		case <-s.closed:
			return transport.Event{}, io.EOF
		default:
		}

		s.mu.Lock()
		if s.pos >= len(s.steps) {
			s.mu.Unlock()
			return transport.Event{}, io.EOF
		}
		step := s.steps[s.pos]
		s.pos++
		s.mu.Unlock()

		switch {
		case step.Wait != nil:
			if err := block(ctx, s.closed, step.Wait); err != nil {
				return transport.Event{}, err
			}
		case step.Delay > 0:
			timer := time.NewTimer(step.Delay)
			err := block(ctx, s.closed, timer.C)
			timer.Stop()
			if err != nil {
				return transport.Event{}, err
			}
		case step.Err != nil:
			return transport.Event{}, step.Err
		default:
			return step.Event, nil
		}
	}
}

func block[T any](ctx context.Context, closed <-chan struct{}, ch <-chan T) error {
	select {
	case <-ch:
		return nil
	case <-closed:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether the consumer closed the stream.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
