package cmds

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsession/pkg/config"
	"github.com/go-go-golems/chatsession/pkg/lifecycle"
	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/go-go-golems/chatsession/pkg/transport/echo"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Transport.Config = echo.Config{}
	cfg.Session.BackoffInitial = time.Millisecond
	cfg.Session.BackoffMax = time.Millisecond
	return cfg
}

func sendAndWait(t *testing.T, app *App, id, text string) lifecycle.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, _, err := app.Registry.GetOrCreate(ctx, id)
	require.NoError(t, err)
	turn, err := sess.SendMessage(ctx, text)
	require.NoError(t, err)
	o, err := turn.Wait(ctx)
	require.NoError(t, err)
	return o
}

func TestNewApp_EchoPersistsToMemoryStore(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close()) }()

	o := sendAndWait(t, app, "s1", "hi")
	require.Equal(t, lifecycle.StateComplete, o.State)

	var msgs []messages.Message
	require.Eventually(t, func() bool {
		msgs, err = app.Transcripts.LoadTranscript(context.Background(), "s1")
		return err == nil && len(msgs) == 2 && msgs[1].Status == messages.StatusComplete
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, echo.Reply("hi"), msgs[1].Content)
}

func TestNewApp_SQLiteRestoresAcrossRestarts(t *testing.T) {
	cfg := testConfig()
	cfg.Store = config.StoreConfig{Driver: config.StoreSQLite, DSN: filepath.Join(t.TempDir(), "chat.db")}

	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	sendAndWait(t, app, "s1", "hi")
	require.NoError(t, app.Close())

	app, err = NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close()) }()

	sess, created, err := app.Registry.GetOrCreate(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, created)
	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "hi", msgs[0].Content)

	o := sendAndWait(t, app, "s1", "again")
	require.Equal(t, lifecycle.StateComplete, o.State)
	require.Equal(t, 4, sess.Store().Len())
}

func TestNewApp_PubSubWithLocalResponder(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Kind = config.TransportPubSub
	cfg.Transport.Inner = config.TransportEcho
	cfg.Transport.Responder = true

	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunBackground(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	<-app.Ready()

	o := sendAndWait(t, app, "s1", "over the bus")
	require.Equal(t, lifecycle.StateComplete, o.State)
	sess, ok := app.Registry.Get("s1")
	require.True(t, ok)
	require.Equal(t, echo.Reply("over the bus"), sess.Messages()[1].Content)
}

func TestNewApp_RejectsUnknownDrivers(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "cassandra"
	_, err := NewApp(context.Background(), cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Transport.Kind = "carrier-pigeon"
	_, err = NewApp(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewApp_HistoryWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Session.HistoryMaxTokens = 0
	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close()) }()
	require.Nil(t, app.window)

	cfg.Session.HistoryMaxTokens = 100
	windowed, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, windowed.Close()) }()
	require.NotNil(t, windowed.window)
}
