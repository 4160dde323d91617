package llm

import (
	"context"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/go-go-golems/chatsession/pkg/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeModel struct {
	chunks    []string
	failAfter error
	openErr   error
	input     []*schema.Message
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.input = input
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.failAfter == nil {
		out := make([]*schema.Message, 0, len(f.chunks))
		for _, c := range f.chunks {
			out = append(out, schema.AssistantMessage(c, nil))
		}
		return schema.StreamReaderFromArray(out), nil
	}
	sr, sw := schema.Pipe[*schema.Message](len(f.chunks) + 1)
	for _, c := range f.chunks {
		sw.Send(schema.AssistantMessage(c, nil), nil)
	}
	sw.Send(nil, f.failAfter)
	sw.Close()
	return sr, nil
}

func collect(t *testing.T, s transport.Stream) []transport.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []transport.Event
	for {
		ev, err := s.Recv(ctx)
		require.NoError(t, err)
		out = append(out, ev)
		if ev.Terminal() {
			return out
		}
	}
}

func TestTransport_StreamsNumberedChunks(t *testing.T) {
	m := &fakeModel{chunks: []string{"Hel", "", "lo!"}}
	tr := New(m, WithSystemPrompt("be brief"))

	s, err := tr.Open(context.Background(), transport.Request{
		TurnID: "t1",
		Prompt: "again",
		History: []messages.Message{
			{Role: messages.RoleUser, Content: "hi"},
			{Role: messages.RoleAssistant, Content: "hello"},
		},
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.Equal(t, []transport.Event{
		transport.Chunk("Hel", 1),
		transport.Chunk("lo!", 2),
		transport.Done(),
	}, collect(t, s))

	require.Len(t, m.input, 4)
	require.Equal(t, schema.System, m.input[0].Role)
	require.Equal(t, schema.User, m.input[1].Role)
	require.Equal(t, schema.Assistant, m.input[2].Role)
	require.Equal(t, "again", m.input[3].Content)
}

func TestTransport_ModelErrorBecomesFailure(t *testing.T) {
	tr := New(&fakeModel{chunks: []string{"par"}, failAfter: errors.New("quota exceeded")})

	s, err := tr.Open(context.Background(), transport.Request{TurnID: "t2", Prompt: "hi"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	events := collect(t, s)
	require.Len(t, events, 2)
	require.Equal(t, transport.EventError, events[1].Kind)
	require.Contains(t, events[1].Reason, "quota exceeded")
}

func TestTransport_OpenError(t *testing.T) {
	tr := New(&fakeModel{openErr: errors.New("unauthorized")})
	_, err := tr.Open(context.Background(), transport.Request{Prompt: "hi"})
	require.ErrorContains(t, err, "unauthorized")
}

func TestTransport_CloseStopsProducer(t *testing.T) {
	chunks := make([]string, 64)
	for i := range chunks {
		chunks[i] = "x"
	}
	tr := New(&fakeModel{chunks: chunks})

	s, err := tr.Open(context.Background(), transport.Request{Prompt: "hi"})
	require.NoError(t, err)
	_, err = s.Recv(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestConfig_Enabled(t *testing.T) {
	require.False(t, Config{}.Enabled())
	require.False(t, Config{Model: "m"}.Enabled())
	require.True(t, Config{Model: "m", APIKey: "k"}.Enabled())
	require.True(t, Config{Model: "m", AccessKey: "a", SecretKey: "s"}.Enabled())

	_, err := NewArk(context.Background(), Config{})
	require.Error(t, err)
}
