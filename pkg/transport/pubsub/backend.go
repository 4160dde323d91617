package pubsub

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsession/pkg/logging"
	"github.com/go-go-golems/chatsession/pkg/redisstream"
)

// Backend wraps broker setup concerns (in-memory or redis) and hands out
// publishers and subscribers for request and event topics.
type Backend interface {
	Publisher() message.Publisher
	// RequestSubscriber returns the subscriber a Responder consumes requests
	// from. Requests are load balanced across responders sharing a backend.
	// owned reports whether the caller must close it.
	RequestSubscriber() (sub message.Subscriber, owned bool, err error)
	// EventSubscriber returns a subscriber for the events of one attempt.
	// owned reports whether the caller must close it. Closing an owned
	// subscriber releases the topic.
	EventSubscriber(ctx context.Context, topic string) (sub message.Subscriber, owned bool, err error)
	// ControlSubscriber returns a subscriber that sees every control frame,
	// whichever responder it is handed to.
	ControlSubscriber() (sub message.Subscriber, owned bool, err error)
	Close() error
}

type memoryBackend struct {
	ch *gochannel.GoChannel
}

// NewMemoryBackend returns a Backend over an in-process gochannel.
//
// Publishing blocks until the subscriber acknowledged, which keeps the
// events of a stream in order.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		ch: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            0,
			BlockPublishUntilSubscriberAck: true,
		}, logging.NewWatermill(log.Logger)),
	}
}

func (b *memoryBackend) Publisher() message.Publisher { return b.ch }

func (b *memoryBackend) RequestSubscriber() (message.Subscriber, bool, error) {
	return b.ch, false, nil
}

func (b *memoryBackend) EventSubscriber(context.Context, string) (message.Subscriber, bool, error) {
	return b.ch, false, nil
}

func (b *memoryBackend) ControlSubscriber() (message.Subscriber, bool, error) {
	return b.ch, false, nil
}

func (b *memoryBackend) Close() error { return b.ch.Close() }

type redisBackend struct {
	client *redisstream.Client
	pub    message.Publisher
}

const eventsGroup = "turn-reader"

// NewRedisBackend returns a Backend over Redis Streams.
func NewRedisBackend(s redisstream.Settings) (Backend, error) {
	client, err := redisstream.NewClient(s)
	if err != nil {
		return nil, err
	}
	pub, err := client.Publisher()
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "build redis publisher")
	}
	return &redisBackend{client: client, pub: pub}, nil
}

func (b *redisBackend) Publisher() message.Publisher { return b.pub }

func (b *redisBackend) RequestSubscriber() (message.Subscriber, bool, error) {
	sub, err := b.client.GroupSubscriber()
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

func (b *redisBackend) EventSubscriber(ctx context.Context, topic string) (message.Subscriber, bool, error) {
	if topic == "" {
		return nil, false, errors.New("topic is empty")
	}
	if err := b.client.EnsureGroupAtTail(ctx, topic, eventsGroup); err != nil {
		return nil, false, errors.Wrap(err, "ensure events group")
	}
	sub, err := b.client.Subscriber(eventsGroup, "reader:"+topic)
	if err != nil {
		return nil, false, err
	}
	return &eventSubscriber{Subscriber: sub, client: b.client, topic: topic}, true, nil
}

func (b *redisBackend) ControlSubscriber() (message.Subscriber, bool, error) {
	sub, err := b.client.FanOutSubscriber()
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// eventSubscriber deletes its per-attempt stream once the reader is done
// with it, so finished turns leave nothing behind in Redis.
type eventSubscriber struct {
	message.Subscriber
	client *redisstream.Client
	topic  string
}

func (s *eventSubscriber) Close() error {
	err := s.Subscriber.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if delErr := s.client.DeleteStream(ctx, s.topic); delErr != nil {
		log.Warn().Err(delErr).Str("component", "pubsub").Str("topic", s.topic).Msg("delete events stream")
		if err == nil {
			err = delErr
		}
	}
	return err
}

func (b *redisBackend) Close() error {
	if err := b.pub.Close(); err != nil {
		log.Warn().Err(err).Str("component", "pubsub").Msg("close redis publisher")
	}
	return b.client.Close()
}
