package cmds

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsession/pkg/config"
	"github.com/go-go-golems/chatsession/pkg/history"
	"github.com/go-go-golems/chatsession/pkg/lifecycle"
	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/go-go-golems/chatsession/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatsession/pkg/session"
	"github.com/go-go-golems/chatsession/pkg/transport"
	"github.com/go-go-golems/chatsession/pkg/transport/echo"
	"github.com/go-go-golems/chatsession/pkg/transport/llm"
	"github.com/go-go-golems/chatsession/pkg/transport/pubsub"
)

// App holds the transport, transcript store and session registry built from
// a Config.
type App struct {
	Config      config.Config
	Transport   transport.Transport
	Transcripts chatstore.TranscriptStore
	Registry    *session.Registry

	responder *pubsub.Responder
	window    lifecycle.HistoryFunc
	closers   []func() error
}

func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.buildTransport(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.buildStore(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if budget := cfg.Session.HistoryMaxTokens; budget > 0 {
		counter, err := history.DefaultCounter()
		if err != nil {
			log.Warn().Err(err).Str("component", "app").Msg("token counter unavailable, sending full history")
		} else {
			a.window = history.Windower(counter, budget)
		}
	}
	a.Registry = session.NewRegistry(a.newSession)
	a.Registry.SetEvictionConfig(cfg.Server.IdleTimeout, cfg.Server.EvictInterval)
	return a, nil
}

func (a *App) newSession(ctx context.Context, id string) (*session.Session, error) {
	store := messages.NewStore()
	unbind, err := chatstore.Bind(ctx, a.Transcripts, id, store)
	if err != nil {
		return nil, err
	}
	opts := []session.Option{
		session.WithStore(store),
		session.WithConfig(a.Config.Session.Config),
		session.WithOnClose(unbind),
	}
	if a.window != nil {
		opts = append(opts, session.WithControllerOptions(lifecycle.WithHistory(a.window)))
	}
	return session.New(id, a.Transport, opts...), nil
}

func (a *App) buildTransport(ctx context.Context) error {
	tc := a.Config.Transport
	if tc.Kind != config.TransportPubSub {
		tr, err := a.direct(ctx, tc.Kind)
		if err != nil {
			return err
		}
		a.Transport = tr
		return nil
	}

	var backend pubsub.Backend
	if a.Config.Redis.Enabled {
		b, err := pubsub.NewRedisBackend(a.Config.Redis)
		if err != nil {
			return errors.Wrap(err, "build redis backend")
		}
		backend = b
	} else {
		backend = pubsub.NewMemoryBackend()
		if !tc.Responder {
			log.Warn().Str("component", "app").Msg("in-memory pub/sub without a local responder, turns will time out")
		}
	}
	a.closers = append(a.closers, backend.Close)
	a.Transport = pubsub.NewTransport(backend, pubsub.WithTopics(tc.Topics))

	if tc.Responder {
		inner, err := a.direct(ctx, tc.Inner)
		if err != nil {
			return errors.Wrap(err, "build responder backend")
		}
		a.responder = pubsub.NewResponder(backend, inner, pubsub.WithTopics(tc.Topics))
	}
	return nil
}

// direct builds a transport that talks to a backend without a broker.
func (a *App) direct(ctx context.Context, kind string) (transport.Transport, error) {
	switch kind {
	case config.TransportEcho:
		return echo.New(a.Config.Transport.Config), nil
	case config.TransportLLM:
		tr, err := llm.NewArk(ctx, a.Config.Transport.LLM)
		if err != nil {
			return nil, errors.Wrap(err, "build llm transport")
		}
		return tr, nil
	default:
		return nil, errors.Errorf("unknown transport %q", kind)
	}
}

func (a *App) buildStore(ctx context.Context) error {
	sc := a.Config.Store
	switch sc.Driver {
	case config.StoreMemory:
		a.Transcripts = chatstore.NewInMemoryTranscriptStore(0)
	case config.StoreSQLite:
		dsn := sc.DSN
		if !strings.HasPrefix(dsn, "file:") {
			var err error
			if dsn, err = chatstore.SQLiteTranscriptDSNForFile(dsn); err != nil {
				return err
			}
		}
		s, err := chatstore.NewSQLiteTranscriptStore(dsn)
		if err != nil {
			return errors.Wrap(err, "open sqlite transcript store")
		}
		a.Transcripts = s
		a.closers = append(a.closers, s.Close)
	case config.StorePostgres:
		pool, err := chatstore.OpenPostgresPool(ctx, sc.DSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		s, err := chatstore.NewPostgresTranscriptStore(pool, chatstore.WithSchema(sc.Schema))
		if err != nil {
			return err
		}
		if err := s.Migrate(ctx); err != nil {
			return errors.Wrap(err, "migrate postgres transcript store")
		}
		a.Transcripts = s
	default:
		return errors.Errorf("unknown store driver %q", sc.Driver)
	}
	return nil
}

// RunBackground runs the pub/sub responder, if any, and idle-session
// eviction until ctx is done.
func (a *App) RunBackground(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	if a.responder != nil {
		eg.Go(func() error { return a.responder.Run(ctx) })
	}
	eg.Go(func() error { return a.Registry.RunEviction(ctx) })
	return eg.Wait()
}

// Ready is closed once background consumers accept requests.
func (a *App) Ready() <-chan struct{} {
	if a.responder != nil {
		return a.responder.Ready()
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Close closes every session, then the store and broker connections in
// reverse order of creation.
func (a *App) Close() error {
	if a.Registry != nil {
		a.Registry.CloseAll()
	}
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
