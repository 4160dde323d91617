// Package logging configures the global zerolog logger and bridges it to
// the libraries that bring their own logging interfaces.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level string `yaml:"level"`
	// Format is "console", "json" or "auto" (console when stderr is a terminal).
	Format string `yaml:"format"`
	Caller bool   `yaml:"caller"`
}

func DefaultSettings() Settings {
	return Settings{Level: "info", Format: "auto"}
}

// Init installs the global logger according to s.
func Init(s Settings) error {
	return InitWithWriter(s, os.Stderr)
}

func InitWithWriter(s Settings, w io.Writer) error {
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s.Level)))
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", s.Level)
		}
		lvl = l
	}
	zerolog.SetGlobalLevel(lvl)

	out := w
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", "auto":
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
		}
	case "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: true}
	case "json":
	default:
		return errors.Errorf("invalid log format %q", s.Format)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if s.Caller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}
