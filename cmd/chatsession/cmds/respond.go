package cmds

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsession/pkg/config"
	"github.com/go-go-golems/chatsession/pkg/transport/pubsub"
)

// NewRespondCommand runs a standalone pub/sub responder that serves turn
// requests published to Redis Streams by serve processes.
func NewRespondCommand(current func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "respond",
		Short: "Answer turn requests from Redis Streams with the inner transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := current()
			if !cfg.Redis.Enabled {
				return errors.New("respond requires redis.enabled (or CHATSESSION_REDIS_ADDR)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			backend, err := pubsub.NewRedisBackend(cfg.Redis)
			if err != nil {
				return err
			}
			defer func() {
				if err := backend.Close(); err != nil {
					log.Warn().Err(err).Str("component", "respond").Msg("close backend")
				}
			}()
			inner, err := (&App{Config: cfg}).direct(ctx, cfg.Transport.Inner)
			if err != nil {
				return err
			}
			r := pubsub.NewResponder(backend, inner, pubsub.WithTopics(cfg.Transport.Topics))
			log.Info().Str("component", "respond").Str("inner", cfg.Transport.Inner).Str("addr", cfg.Redis.Addr).Msg("responder starting")
			return r.Run(ctx)
		},
	}
}
