package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"

	"github.com/go-go-golems/chatsession/pkg/config"
	"github.com/go-go-golems/chatsession/pkg/lifecycle"
	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/go-go-golems/chatsession/pkg/session"
)

func NewChatCommand(current func() config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the configured transport in the terminal",
		Long: "Chat with the configured transport in the terminal.\n\n" +
			"Ctrl-C cancels a streaming reply. Commands: /history, /copy, /quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context(), current())
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					log.Warn().Err(err).Str("component", "chat").Msg("close app")
				}
			}()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go func() {
				if err := app.RunBackground(ctx); err != nil {
					log.Warn().Err(err).Str("component", "chat").Msg("background tasks stopped")
				}
			}()
			<-app.Ready()

			id, _ := cmd.Flags().GetString("session")
			sess, created, err := app.Registry.GetOrCreate(ctx, id)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if created && sess.Store().Len() > 0 {
				printTranscript(w, sess.Messages())
			}
			_, _ = fmt.Fprintf(w, "session %s\n", sess.ID())

			r := newREPL(sess, input.DefaultUI(), w)
			r.copy = clipboard.WriteAll
			return r.run(ctx)
		},
	}
	cmd.Flags().String("session", "", "Session id to resume (a new one by default)")
	return cmd
}

type asker interface {
	Ask(query string, opts *input.Options) (string, error)
}

type repl struct {
	sess *session.Session
	ui   asker
	w    io.Writer
	copy func(string) error

	mu      sync.Mutex
	printed map[string]int
}

func newREPL(sess *session.Session, ui asker, w io.Writer) *repl {
	return &repl{sess: sess, ui: ui, w: w, printed: map[string]int{}}
}

func (r *repl) run(ctx context.Context) error {
	stop := r.sess.OnUpdate(r.onUpdate)
	defer stop()

	for {
		line, err := r.ui.Ask(">", &input.Options{HideOrder: true})
		if errors.Is(err, input.ErrInterrupted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/history":
			printTranscript(r.w, r.sess.Messages())
			continue
		case "/copy":
			r.copyLast()
			continue
		}
		if err := r.turn(ctx, line); err != nil {
			return err
		}
	}
}

// turn sends line and blocks until the reply is final. An interrupt while
// waiting cancels the turn instead of exiting.
func (r *repl) turn(ctx context.Context, line string) error {
	t, err := r.sess.SendMessage(ctx, line)
	if err != nil {
		if errors.Is(err, lifecycle.ErrSessionBusy) {
			_, _ = fmt.Fprintln(r.w, "a reply is still streaming")
			return nil
		}
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	for {
		select {
		case <-t.Done():
			o, _ := t.Outcome()
			r.mu.Lock()
			defer r.mu.Unlock()
			_, _ = fmt.Fprintln(r.w)
			if o.State != lifecycle.StateComplete {
				_, _ = fmt.Fprintf(r.w, "[%s: %s]\n", o.State, o.Reason)
			}
			return nil
		case <-sig:
			r.sess.CancelActive()
		case <-ctx.Done():
			r.sess.CancelActive()
			return ctx.Err()
		}
	}
}

// onUpdate prints the part of an assistant message not written yet.
func (r *repl) onUpdate(u session.Update) {
	m := u.Message
	if m == nil || m.Role != messages.RoleAssistant {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.printed[m.ID]
	if len(m.Content) > n {
		_, _ = io.WriteString(r.w, m.Content[n:])
		r.printed[m.ID] = len(m.Content)
	}
	if m.Status.Terminal() {
		delete(r.printed, m.ID)
	}
}

func (r *repl) copyLast() {
	msgs := r.sess.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != messages.RoleAssistant || msgs[i].Content == "" {
			continue
		}
		if r.copy == nil {
			return
		}
		if err := r.copy(msgs[i].Content); err != nil {
			_, _ = fmt.Fprintf(r.w, "copy failed: %v\n", err)
			return
		}
		_, _ = fmt.Fprintln(r.w, "copied last reply")
		return
	}
	_, _ = fmt.Fprintln(r.w, "nothing to copy")
}

func printTranscript(w io.Writer, msgs []messages.Message) {
	for _, m := range msgs {
		line := fmt.Sprintf("%s: %s", m.Role, m.Content)
		if m.Status == messages.StatusFailed {
			line += fmt.Sprintf(" [failed: %s]", m.Reason)
		}
		_, _ = fmt.Fprintln(w, line)
	}
}
