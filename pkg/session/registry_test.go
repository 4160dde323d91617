package session

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/chatsession/pkg/transport/transporttest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testFactory(ctx context.Context, id string) (*Session, error) {
	return New(id, transporttest.New(), WithConfig(fastConfig())), nil
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry(testFactory)
	defer r.CloseAll()

	s1, created, err := r.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, created)

	s2, created, err := r.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, s1, s2)

	s3, _, err := r.GetOrCreate(context.Background(), "")
	require.NoError(t, err)
	require.NotEqual(t, "a", s3.ID())
	require.Equal(t, 2, r.Len())
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry(func(context.Context, string) (*Session, error) { return nil, errors.New("db down") })
	_, _, err := r.GetOrCreate(context.Background(), "a")
	require.Error(t, err)
	require.Equal(t, 0, r.Len())
}

func TestRegistry_CloseRemoves(t *testing.T) {
	r := NewRegistry(testFactory)
	s, _, err := r.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)

	require.NoError(t, r.Close("a"))
	require.True(t, s.Closed())
	_, ok := r.Get("a")
	require.False(t, ok)
	require.ErrorIs(t, r.Close("a"), ErrSessionNotFound)

	fresh, created, err := r.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, created)
	require.NotSame(t, s, fresh)
	r.CloseAll()
}

func TestRegistry_EvictIdleOnce(t *testing.T) {
	r := NewRegistry(testFactory)
	defer r.CloseAll()
	r.SetEvictionConfig(10*time.Second, time.Second)

	var evicted []string
	r.SetEvictionHooks(nil, func(s *Session) { evicted = append(evicted, s.ID()) })

	old, _, err := r.GetOrCreate(context.Background(), "old")
	require.NoError(t, err)
	old.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	_, _, err = r.GetOrCreate(context.Background(), "fresh")
	require.NoError(t, err)

	require.Equal(t, 1, r.evictIdleOnce(time.Now()))
	require.Equal(t, []string{"old"}, evicted)
	require.True(t, old.Closed())
	require.Equal(t, []string{"fresh"}, r.IDs())
}

func TestRegistry_EvictIdleOnce_SkipsInUse(t *testing.T) {
	r := NewRegistry(testFactory)
	defer r.CloseAll()
	r.SetEvictionConfig(10*time.Second, time.Second)
	r.SetEvictionHooks(func(s *Session) bool { return s.ID() == "attached" }, nil)

	for _, id := range []string{"attached", "detached"} {
		s, _, err := r.GetOrCreate(context.Background(), id)
		require.NoError(t, err)
		s.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	}

	require.Equal(t, 1, r.evictIdleOnce(time.Now()))
	require.Equal(t, []string{"attached"}, r.IDs())
}

func TestRegistry_EvictIdleOnce_SkipsActiveTurn(t *testing.T) {
	block := make(chan struct{})
	r := NewRegistry(func(ctx context.Context, id string) (*Session, error) {
		tr := transporttest.New(transporttest.Script{Steps: []transporttest.Step{transporttest.WaitFor(block)}})
		return New(id, tr, WithConfig(fastConfig())), nil
	})
	defer r.CloseAll()
	r.SetEvictionConfig(10*time.Second, time.Second)

	s, _, err := r.GetOrCreate(context.Background(), "busy")
	require.NoError(t, err)
	_, err = s.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	s.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	require.Equal(t, 0, r.evictIdleOnce(time.Now()))
	_, ok := r.Get("busy")
	require.True(t, ok)
}

func TestRegistry_RunEvictionStopsWithContext(t *testing.T) {
	r := NewRegistry(testFactory)
	r.SetEvictionConfig(time.Millisecond, time.Millisecond)

	s, _, err := r.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.RunEviction(ctx) }()

	require.Eventually(t, s.Closed, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
