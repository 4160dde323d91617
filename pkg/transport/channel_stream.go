package transport

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

var ErrStreamClosed = errors.New("stream closed")

// ChannelStream is a Stream fed by a producer goroutine.
//
// Send and Finish belong to the producer and must not be called concurrently
// with each other. Recv and Close belong to the consumer.
type ChannelStream struct {
	events     chan Event
	done       chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
}

func NewChannelStream(buffer int) *ChannelStream {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelStream{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Send delivers ev to the consumer. It fails once the consumer closed the
// stream or ctx is done.
func (s *ChannelStream) Send(ctx context.Context, ev Event) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish signals that no more events follow. Events already sent are still
// delivered; afterwards Recv returns io.EOF.
func (s *ChannelStream) Finish() {
	s.finishOnce.Do(func() { close(s.events) })
}

// Closed is closed once the consumer called Close.
func (s *ChannelStream) Closed() <-chan struct{} {
	return s.done
}

func (s *ChannelStream) Recv(ctx context.Context) (Event, error) {
	select {
	case <-s.done:
		return Event{}, io.EOF
	default:
	}
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-s.done:
		return Event{}, io.EOF
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *ChannelStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Produce runs fn on a new goroutine feeding a ChannelStream and returns the
// consumer side. fn's context is cancelled when the consumer closes the
// stream or parent is done; the stream is finished when fn returns.
func Produce(parent context.Context, buffer int, fn func(ctx context.Context, s *ChannelStream)) *ChannelStream {
	s := NewChannelStream(buffer)
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer cancel()
		defer s.Finish()
		fn(ctx, s)
	}()
	return s
}
