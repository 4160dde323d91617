package stream

import (
	"context"
	"testing"

	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/go-go-golems/chatsession/pkg/transport"
	"github.com/go-go-golems/chatsession/pkg/transport/transporttest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newAssistant(t *testing.T) (*messages.Store, string) {
	t.Helper()
	store := messages.NewStore()
	id, err := store.Append(messages.Message{Role: messages.RoleAssistant, Status: messages.StatusPending})
	require.NoError(t, err)
	return store, id
}

func openScript(t *testing.T, script transporttest.Script) transport.Stream {
	t.Helper()
	s, err := transporttest.New(script).Open(context.Background(), transport.Request{TurnID: "t1", Attempt: 1})
	require.NoError(t, err)
	return s
}

func steps(evs ...transport.Event) transporttest.Script {
	var script transporttest.Script
	for _, ev := range evs {
		script.Steps = append(script.Steps, transporttest.Emit(ev))
	}
	return script
}

func TestDecoder_ConcatenatesChunksInOrder(t *testing.T) {
	store, id := newAssistant(t)
	var partial []string
	d := NewDecoder(store, id, OpenGate, WithOnChunk(func(int) {
		m, err := store.Get(id)
		require.NoError(t, err)
		partial = append(partial, m.Content)
	}))

	res := d.Run(context.Background(), openScript(t, transporttest.Reply("Hel", "lo!")))

	require.NoError(t, res.Err)
	require.Equal(t, messages.StatusComplete, res.Status)
	require.Equal(t, 2, res.Accepted)
	require.Equal(t, []string{"Hel", "Hello!"}, partial)

	m, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, "Hello!", m.Content)
	require.Equal(t, messages.StatusComplete, m.Status)
}

func TestDecoder_IgnoresEmptyChunks(t *testing.T) {
	store, id := newAssistant(t)
	calls := 0
	d := NewDecoder(store, id, nil, WithOnChunk(func(int) { calls++ }))

	res := d.Run(context.Background(), openScript(t, steps(
		transport.Chunk("", 1),
		transport.Chunk("a", 2),
		transport.Chunk("", 0),
		transport.Done(),
	)))

	require.Equal(t, messages.StatusComplete, res.Status)
	require.Equal(t, 1, calls)
	require.Equal(t, "a", res.Content)
}

func TestDecoder_DoneWithoutChunksCompletesEmpty(t *testing.T) {
	store, id := newAssistant(t)
	res := NewDecoder(store, id, nil).Run(context.Background(), openScript(t, steps(transport.Done())))

	require.Equal(t, messages.StatusComplete, res.Status)
	m, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, messages.StatusComplete, m.Status)
	require.Empty(t, m.Content)
}

func TestDecoder_CloseWithoutMarkerFails(t *testing.T) {
	tests := []struct {
		name    string
		script  transporttest.Script
		content string
	}{
		{"empty", steps(), ""},
		{"partial", steps(transport.Chunk("par", 1), transport.Chunk("tial", 2)), "partial"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, id := newAssistant(t)
			res := NewDecoder(store, id, nil).Run(context.Background(), openScript(t, tt.script))

			require.ErrorIs(t, res.Err, ErrStreamClosed)
			m, err := store.Get(id)
			require.NoError(t, err)
			require.Equal(t, messages.StatusFailed, m.Status)
			require.Equal(t, messages.ReasonStreamClosed, m.Reason)
			require.Equal(t, tt.content, m.Content)
		})
	}
}

func TestDecoder_ErrorMarkerKeepsContent(t *testing.T) {
	store, id := newAssistant(t)
	res := NewDecoder(store, id, nil).Run(context.Background(), openScript(t, steps(
		transport.Chunk("so far", 1),
		transport.Failure("overloaded"),
	)))

	require.ErrorIs(t, res.Err, ErrBackend)
	require.Equal(t, messages.ReasonBackendError, res.Reason)
	m, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, "so far", m.Content)
	require.Equal(t, messages.StatusFailed, m.Status)
	require.Contains(t, m.Error, "overloaded")
}

func TestDecoder_RejectsOutOfOrderSeq(t *testing.T) {
	store, id := newAssistant(t)
	res := NewDecoder(store, id, nil).Run(context.Background(), openScript(t, steps(
		transport.Chunk("a", 1),
		transport.Chunk("b", 3),
		transport.Chunk("c", 2),
		transport.Done(),
	)))

	require.ErrorIs(t, res.Err, ErrOutOfOrderChunk)
	m, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, messages.StatusFailed, m.Status)
	require.Equal(t, messages.ReasonOutOfOrder, m.Reason)
	require.Equal(t, "ab", m.Content)
}

func TestDecoder_RejectsDuplicateSeq(t *testing.T) {
	store, id := newAssistant(t)
	res := NewDecoder(store, id, nil).Run(context.Background(), openScript(t, steps(
		transport.Chunk("a", 1),
		transport.Chunk("a", 1),
	)))
	require.ErrorIs(t, res.Err, ErrOutOfOrderChunk)
}

func TestDecoder_ReceiveErrorLeavesMessageOpen(t *testing.T) {
	store, id := newAssistant(t)
	boom := errors.New("connection reset")
	script := transporttest.Script{Steps: []transporttest.Step{transporttest.Fail(boom)}}

	res := NewDecoder(store, id, nil).Run(context.Background(), openScript(t, script))

	require.ErrorIs(t, res.Err, boom)
	require.False(t, res.Finalized())
	m, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, messages.StatusPending, m.Status)
}

func TestDecoder_ClosedGateStopsApplying(t *testing.T) {
	store, id := newAssistant(t)
	open := true
	gate := func(fn func() error) error {
		if !open {
			return ErrGateClosed
		}
		return fn()
	}
	d := NewDecoder(store, id, gate, WithOnChunk(func(n int) {
		if n == 1 {
			open = false
		}
	}))

	res := d.Run(context.Background(), openScript(t, transporttest.Reply("one", "two", "three")))

	require.ErrorIs(t, res.Err, ErrGateClosed)
	require.Equal(t, 1, res.Accepted)
	m, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, "one", m.Content)
	require.Equal(t, messages.StatusStreaming, m.Status)
}

func TestDecoder_OnFinishRunsUnderGate(t *testing.T) {
	store, id := newAssistant(t)
	inGate := false
	var finished Result
	gate := func(fn func() error) error {
		inGate = true
		defer func() { inGate = false }()
		return fn()
	}
	d := NewDecoder(store, id, gate, WithOnFinish(func(r Result) {
		require.True(t, inGate)
		finished = r
	}))

	d.Run(context.Background(), openScript(t, transporttest.Reply("x")))

	require.Equal(t, messages.StatusComplete, finished.Status)
	require.Equal(t, "x", finished.Content)
}
