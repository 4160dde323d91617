// Package pubsub carries transport requests and their event streams over a
// Watermill broker, so the backend producing replies can run in another
// process.
//
// A Transport publishes each attempt on the requests topic after subscribing
// to the attempt's own events topic. A Responder consumes requests, opens an
// inner Transport and republishes every event in order. Closing a stream
// before its terminal frame publishes a cancel frame on the control topic,
// which cancels the responder's inner stream.
package pubsub

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsession/pkg/transport"
)

// ErrRemote wraps failures reported by the responder.
var ErrRemote = errors.New("remote transport failure")

type Transport struct {
	backend Backend
	topics  Topics
}

var _ transport.Transport = (*Transport)(nil)

type Option func(*options)

type options struct {
	topics      Topics
	concurrency int
}

func WithTopics(t Topics) Option {
	return func(o *options) { o.topics = t }
}

// WithConcurrency bounds the number of requests a Responder serves at once.
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

func buildOptions(opts []Option) options {
	o := options{topics: DefaultTopics(), concurrency: 64}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func NewTransport(backend Backend, opts ...Option) *Transport {
	o := buildOptions(opts)
	return &Transport{backend: backend, topics: o.topics}
}

func (t *Transport) Open(ctx context.Context, req transport.Request) (transport.Stream, error) {
	if t == nil || t.backend == nil {
		return nil, errors.New("pubsub transport is not initialized")
	}
	topic := t.topics.events(req)
	subCtx, cancel := context.WithCancel(ctx)

	sub, owned, err := t.backend.EventSubscriber(subCtx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "build events subscriber")
	}
	s := &stream{
		cancel:  cancel,
		done:    make(chan struct{}),
		pub:     t.backend.Publisher(),
		control: t.topics.control(),
		req:     req,
	}
	if owned {
		s.sub = sub
	}
	msgs, err := sub.Subscribe(subCtx, topic)
	if err != nil {
		s.finish()
		_ = s.Close()
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	s.msgs = msgs

	msg, err := encodeRequest(req, topic)
	if err != nil {
		s.finish()
		_ = s.Close()
		return nil, err
	}
	if err := t.backend.Publisher().Publish(t.topics.Requests, msg); err != nil {
		s.finish()
		_ = s.Close()
		return nil, errors.Wrap(err, "publish request")
	}
	return s, nil
}

type stream struct {
	msgs      <-chan *message.Message
	sub       message.Subscriber
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	pub     message.Publisher
	control string
	req     transport.Request

	mu       sync.Mutex
	finished bool
}

func (s *stream) Recv(ctx context.Context) (transport.Event, error) {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished {
		return transport.Event{}, io.EOF
	}

	select {
	case <-s.done:
		return transport.Event{}, io.EOF
	case <-ctx.Done():
		return transport.Event{}, ctx.Err()
	case msg, ok := <-s.msgs:
		if !ok {
			return transport.Event{}, io.EOF
		}
		msg.Ack()
		return s.decode(msg)
	}
}

func (s *stream) decode(msg *message.Message) (transport.Event, error) {
	switch kind := msg.Metadata.Get(metaKind); kind {
	case frameEvent:
		var ev transport.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return transport.Event{}, errors.Wrap(err, "unmarshal event")
		}
		if ev.Terminal() {
			s.finish()
		}
		return ev, nil
	case frameClosed:
		s.finish()
		return transport.Event{}, io.EOF
	case frameOpenError, frameRecvError:
		s.finish()
		return transport.Event{}, errors.Wrapf(ErrRemote, "%s: %s", kind, msg.Metadata.Get(metaReason))
	default:
		return transport.Event{}, errors.Errorf("unknown frame kind %q", kind)
	}
}

func (s *stream) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.mu.Lock()
		finished := s.finished
		s.mu.Unlock()
		if !finished {
			if pubErr := s.pub.Publish(s.control, encodeCancel(s.req)); pubErr != nil {
				log.Warn().Err(pubErr).Str("component", "pubsub").Str("turn_id", s.req.TurnID).Msg("publish cancel")
			}
		}
		if s.sub != nil {
			err = s.sub.Close()
		}
	})
	return err
}
