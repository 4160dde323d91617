// Package redisstream builds Watermill publishers and subscribers backed by
// Redis Streams.
package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsession/pkg/logging"
)

// Client owns a Redis connection shared by the publisher and subscribers it
// builds.
type Client struct {
	settings Settings
	rdb      redis.UniversalClient
}

func NewClient(s Settings) (*Client, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redisstream: addr is empty")
	}
	return &Client{settings: s, rdb: redis.NewClient(&redis.Options{Addr: s.Addr})}, nil
}

// Ping verifies the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return errors.Wrap(c.rdb.Ping(ctx).Err(), "redisstream: ping")
}

func (c *Client) Publisher() (message.Publisher, error) {
	return rstream.NewPublisher(rstream.PublisherConfig{
		Client:     c.rdb,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logging.NewWatermill(log.Logger))
}

// GroupSubscriber returns a subscriber bound to the configured consumer group,
// so each message is handled by one consumer of the group.
func (c *Client) GroupSubscriber() (message.Subscriber, error) {
	return c.Subscriber(c.settings.Group, c.settings.Consumer)
}

// Subscriber returns a subscriber reading as consumer within group.
func (c *Client) Subscriber(group, consumer string) (message.Subscriber, error) {
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        c.rdb,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logging.NewWatermill(log.Logger))
}

// FanOutSubscriber returns a subscriber outside any consumer group: every
// subscriber built this way sees every message published after it started.
func (c *Client) FanOutSubscriber() (message.Subscriber, error) {
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       c.rdb,
		Unmarshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logging.NewWatermill(log.Logger))
}

// DeleteStream removes stream together with its consumer groups.
func (c *Client) DeleteStream(ctx context.Context, stream string) error {
	return errors.Wrapf(c.rdb.Del(ctx, stream).Err(), "redisstream: delete %s", stream)
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func (c *Client) EnsureGroupAtTail(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

func (c *Client) Settings() Settings { return c.settings }

func (c *Client) Close() error {
	return c.rdb.Close()
}
