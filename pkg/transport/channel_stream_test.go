package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestChannelStream_DeliversThenEOF(t *testing.T) {
	s := Produce(context.Background(), 4, func(ctx context.Context, s *ChannelStream) {
		require.NoError(t, s.Send(ctx, Chunk("a", 1)))
		require.NoError(t, s.Send(ctx, Chunk("b", 2)))
	})
	defer s.Close()

	ev, err := s.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", ev.Text)
	ev, err = s.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, "b", ev.Text)
	_, err = s.Recv(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestChannelStream_CloseCancelsProducer(t *testing.T) {
	stopped := make(chan struct{})
	s := Produce(context.Background(), 0, func(ctx context.Context, s *ChannelStream) {
		defer close(stopped)
		<-ctx.Done()
		require.ErrorIs(t, s.Send(context.Background(), Done()), ErrStreamClosed)
	})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("producer did not stop")
	}
	_, err := s.Recv(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestChannelStream_RecvHonoursContext(t *testing.T) {
	s := NewChannelStream(0)
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventTerminal(t *testing.T) {
	require.True(t, Done().Terminal())
	require.True(t, Failure("x").Terminal())
	require.False(t, Chunk("x", 1).Terminal())
}
