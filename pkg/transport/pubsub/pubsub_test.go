package pubsub

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-go-golems/chatsession/pkg/lifecycle"
	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/go-go-golems/chatsession/pkg/redisstream"
	"github.com/go-go-golems/chatsession/pkg/transport"
	"github.com/go-go-golems/chatsession/pkg/transport/echo"
	"github.com/go-go-golems/chatsession/pkg/transport/transporttest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startResponder runs a responder over a fresh in-memory backend and returns
// a Transport talking to it.
func startResponder(t *testing.T, inner transport.Transport) *Transport {
	t.Helper()
	backend := NewMemoryBackend()
	r := NewResponder(backend, inner)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-r.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("responder stopped early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("responder not ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("responder did not stop")
		}
		require.NoError(t, backend.Close())
	})
	return NewTransport(backend)
}

func drain(t *testing.T, s transport.Stream) ([]transport.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []transport.Event
	for {
		ev, err := s.Recv(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, ev)
		if ev.Terminal() {
			return out, nil
		}
	}
}

func TestTransport_RelaysEventsInOrder(t *testing.T) {
	tr := startResponder(t, echo.New(echo.Config{}))

	s, err := tr.Open(context.Background(), transport.Request{TurnID: "t1", Prompt: "hi", Attempt: 1})
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	events, err := drain(t, s)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, transport.EventDone, events[len(events)-1].Kind)

	var b strings.Builder
	for i, ev := range events[:len(events)-1] {
		require.Equal(t, uint64(i+1), ev.Seq)
		b.WriteString(ev.Text)
	}
	require.Equal(t, echo.Reply("hi"), b.String())

	_, err = s.Recv(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestTransport_ProducerCloseIsEOF(t *testing.T) {
	inner := transporttest.New(transporttest.Script{Steps: []transporttest.Step{
		transporttest.Emit(transport.Chunk("partial", 1)),
	}})
	tr := startResponder(t, inner)

	s, err := tr.Open(context.Background(), transport.Request{TurnID: "t2", Prompt: "hi", Attempt: 1})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	events, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, events, 1)
	require.Equal(t, "partial", events[0].Text)
}

func TestTransport_RemoteOpenError(t *testing.T) {
	inner := transporttest.New(transporttest.Script{OpenErr: errors.New("backend down")})
	tr := startResponder(t, inner)

	s, err := tr.Open(context.Background(), transport.Request{TurnID: "t3", Prompt: "hi", Attempt: 1})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = drain(t, s)
	require.ErrorIs(t, err, ErrRemote)
	require.Contains(t, err.Error(), "backend down")
	require.NotErrorIs(t, err, io.EOF)
}

func TestTransport_ErrorMarkerIsRelayed(t *testing.T) {
	inner := transporttest.New(transporttest.Script{Steps: []transporttest.Step{
		transporttest.Emit(transport.Failure("rate_limited")),
	}})
	tr := startResponder(t, inner)

	s, err := tr.Open(context.Background(), transport.Request{TurnID: "t4", Prompt: "hi", Attempt: 1})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	events, err := drain(t, s)
	require.NoError(t, err)
	require.Equal(t, []transport.Event{transport.Failure("rate_limited")}, events)
}

func TestTransport_DrivesController(t *testing.T) {
	inner := transporttest.New(
		transporttest.Script{OpenErr: errors.New("flaky")},
		transporttest.Reply("Hel", "lo!"),
	)
	tr := startResponder(t, inner)

	store := messages.NewStore()
	cfg := lifecycle.DefaultConfig()
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	c := lifecycle.NewController(store, tr, cfg)
	defer c.Close()

	turn, err := c.Submit(context.Background(), "hi")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := turn.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateComplete, o.State)
	require.Equal(t, 2, o.Attempts)

	m, err := store.Get(turn.AssistantMessageID)
	require.NoError(t, err)
	require.Equal(t, "Hello!", m.Content)
	require.Equal(t, messages.StatusComplete, m.Status)
}

func TestTransport_CloseCancelsResponderStream(t *testing.T) {
	inner := transporttest.New(transporttest.Script{Steps: []transporttest.Step{
		transporttest.Emit(transport.Chunk("Hel", 1)),
		transporttest.WaitFor(make(chan struct{})),
	}})
	tr := startResponder(t, inner)

	s, err := tr.Open(context.Background(), transport.Request{TurnID: "t5", Prompt: "hi", Attempt: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := s.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hel", ev.Text)

	streams := inner.Streams()
	require.Len(t, streams, 1)
	require.False(t, streams[0].Closed())

	require.NoError(t, s.Close())
	require.Eventually(t, streams[0].Closed, 5*time.Second, 5*time.Millisecond)
}

func TestTransport_ControllerCancelReachesResponder(t *testing.T) {
	inner := transporttest.New(transporttest.Script{Steps: []transporttest.Step{
		transporttest.Emit(transport.Chunk("Hel", 1)),
		transporttest.WaitFor(make(chan struct{})),
	}})
	tr := startResponder(t, inner)

	store := messages.NewStore()
	c := lifecycle.NewController(store, tr, lifecycle.DefaultConfig())
	defer c.Close()

	turn, err := c.Submit(context.Background(), "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State() == lifecycle.StateStreaming }, 5*time.Second, 5*time.Millisecond)

	require.True(t, c.Cancel().Cancelled)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = turn.Wait(ctx)
	require.NoError(t, err)

	streams := inner.Streams()
	require.Len(t, streams, 1)
	require.Eventually(t, streams[0].Closed, 5*time.Second, 5*time.Millisecond)

	m, err := store.Get(turn.AssistantMessageID)
	require.NoError(t, err)
	require.Equal(t, messages.ReasonCancelled, m.Reason)
	require.Equal(t, "Hel", m.Content)
}

func TestResponder_CancelAheadOfRequest(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { require.NoError(t, backend.Close()) }()
	r := NewResponder(backend, transporttest.New())

	key := attemptKey("t6", 2)
	r.cancelAttempt(key)
	require.False(t, r.track(key, func() {}))
	require.True(t, r.track(key, func() {}))
	r.untrack(key)

	cancelled := false
	require.True(t, r.track(key, func() { cancelled = true }))
	r.cancelAttempt(key)
	require.True(t, cancelled)
}

func TestCancelFrameRoundTrip(t *testing.T) {
	key, err := decodeCancel(encodeCancel(transport.Request{TurnID: "t7", Attempt: 3}))
	require.NoError(t, err)
	require.Equal(t, attemptKey("t7", 3), key)

	_, err = decodeCancel(controlFrame(frameClosed, ""))
	require.Error(t, err)
}

func TestRedisBackend_EventStreamDeletedOnClose(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("CHATSESSION_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: CHATSESSION_REDIS_ADDR is not set")
	}
	settings := redisstream.DefaultSettings()
	settings.Addr = addr
	b, err := NewRedisBackend(settings)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = rdb.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := "chatsession.test.events." + time.Now().Format("150405.000000") + ".1"
	sub, owned, err := b.EventSubscriber(ctx, topic)
	require.NoError(t, err)
	require.True(t, owned)

	n, err := rdb.Exists(ctx, topic).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, sub.Close())

	n, err = rdb.Exists(ctx, topic).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestTransport_NilIsRejected(t *testing.T) {
	var tr *Transport
	_, err := tr.Open(context.Background(), transport.Request{})
	require.Error(t, err)
}
