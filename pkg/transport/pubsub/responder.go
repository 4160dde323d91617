package pubsub

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsession/pkg/transport"
)

// cancelTombstoneTTL bounds how long a cancel that arrived ahead of its
// request is remembered.
const cancelTombstoneTTL = time.Minute

// Responder serves requests published by Transport using an inner backend.
type Responder struct {
	backend     Backend
	inner       transport.Transport
	topics      Topics
	concurrency int
	ready       chan struct{}

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	// cancelled holds cancels for attempts not being served yet.
	cancelled map[string]time.Time
}

func NewResponder(backend Backend, inner transport.Transport, opts ...Option) *Responder {
	o := buildOptions(opts)
	return &Responder{
		backend:     backend,
		inner:       inner,
		topics:      o.topics,
		concurrency: o.concurrency,
		ready:       make(chan struct{}),
		inflight:    map[string]context.CancelFunc{},
		cancelled:   map[string]time.Time{},
	}
}

// Ready is closed once the responder subscribed to the requests topic.
func (r *Responder) Ready() <-chan struct{} {
	return r.ready
}

// Run consumes requests until ctx is done, then waits for in-flight
// requests to finish.
func (r *Responder) Run(ctx context.Context) error {
	sub, owned, err := r.backend.RequestSubscriber()
	if err != nil {
		return errors.Wrap(err, "build requests subscriber")
	}
	if owned {
		defer func() {
			if err := sub.Close(); err != nil {
				log.Warn().Err(err).Str("component", "pubsub").Msg("close requests subscriber")
			}
		}()
	}
	msgs, err := sub.Subscribe(ctx, r.topics.Requests)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", r.topics.Requests)
	}

	csub, cowned, err := r.backend.ControlSubscriber()
	if err != nil {
		return errors.Wrap(err, "build control subscriber")
	}
	closeControl := func() {
		if !cowned {
			return
		}
		if err := csub.Close(); err != nil {
			log.Warn().Err(err).Str("component", "pubsub").Msg("close control subscriber")
		}
	}
	controls, err := csub.Subscribe(ctx, r.topics.control())
	if err != nil {
		closeControl()
		return errors.Wrapf(err, "subscribe %s", r.topics.control())
	}
	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		for msg := range controls {
			msg.Ack()
			key, err := decodeCancel(msg)
			if err != nil {
				log.Warn().Err(err).Str("component", "pubsub").Str("message_uuid", msg.UUID).Msg("dropping malformed control frame")
				continue
			}
			r.cancelAttempt(key)
		}
	}()
	defer func() {
		closeControl()
		<-controlDone
	}()

	close(r.ready)
	log.Info().Str("component", "pubsub").Str("topic", r.topics.Requests).Str("control", r.topics.control()).Msg("responder subscribed")

	var g errgroup.Group
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}
	for msg := range msgs {
		req, replyTo, err := decodeRequest(msg)
		msg.Ack()
		if err != nil {
			log.Warn().Err(err).Str("component", "pubsub").Str("message_uuid", msg.UUID).Msg("dropping malformed request")
			continue
		}
		g.Go(func() error {
			r.serve(ctx, req, replyTo)
			return nil
		})
	}
	return g.Wait()
}

// cancelAttempt cancels the attempt served under key, or remembers the
// cancel until its request shows up.
func (r *Responder) cancelAttempt(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.inflight[key]; ok {
		cancel()
		log.Debug().Str("component", "pubsub").Str("attempt", key).Msg("attempt cancelled by consumer")
		return
	}
	now := time.Now()
	for k, at := range r.cancelled {
		if now.Sub(at) > cancelTombstoneTTL {
			delete(r.cancelled, k)
		}
	}
	r.cancelled[key] = now
}

// track registers cancel for key. It reports false when the attempt was
// cancelled before it got served.
func (r *Responder) track(key string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cancelled[key]; ok {
		delete(r.cancelled, key)
		return false
	}
	r.inflight[key] = cancel
	return true
}

func (r *Responder) untrack(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, key)
}

func (r *Responder) serve(runCtx context.Context, req transport.Request, replyTo string) {
	logger := log.With().
		Str("component", "pubsub").
		Str("turn_id", req.TurnID).
		Int("attempt", req.Attempt).
		Logger()

	key := attemptKey(req.TurnID, req.Attempt)
	ctx, cancel := context.WithCancel(runCtx)
	defer cancel()
	if !r.track(key, cancel) {
		logger.Debug().Msg("request cancelled before it was served")
		return
	}
	defer r.untrack(key)

	// a consumer that cancelled no longer reads replyTo
	abandoned := func() bool { return ctx.Err() != nil && runCtx.Err() == nil }

	s, err := r.inner.Open(ctx, req)
	if err != nil {
		if abandoned() {
			return
		}
		logger.Debug().Err(err).Msg("inner open failed")
		r.publish(logger, replyTo, controlFrame(frameOpenError, err.Error()))
		return
	}
	defer func() { _ = s.Close() }()

	for {
		ev, err := s.Recv(ctx)
		if abandoned() {
			logger.Debug().Msg("attempt abandoned by consumer")
			return
		}
		if errors.Is(err, io.EOF) {
			r.publish(logger, replyTo, controlFrame(frameClosed, ""))
			return
		}
		if err != nil {
			r.publish(logger, replyTo, controlFrame(frameRecvError, err.Error()))
			return
		}
		msg, err := encodeEvent(ev)
		if err != nil {
			logger.Warn().Err(err).Msg("encode event")
			return
		}
		if !r.publish(logger, replyTo, msg) || ev.Terminal() {
			return
		}
	}
}

func (r *Responder) publish(logger zerolog.Logger, topic string, msg *message.Message) bool {
	if err := r.backend.Publisher().Publish(topic, msg); err != nil {
		logger.Warn().Err(err).Str("topic", topic).Msg("publish event")
		return false
	}
	return true
}
