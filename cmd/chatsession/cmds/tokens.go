package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsession/pkg/config"
	"github.com/go-go-golems/chatsession/pkg/history"
	"github.com/go-go-golems/chatsession/pkg/messages"
)

// TokensCommand reports the token count of each message of a persisted
// transcript and whether the history window would send it with the next
// request.
type TokensCommand struct {
	*cmds.CommandDescription
	current func() config.Config
}

type TokensSettings struct {
	SessionID string `glazed:"session-id"`
	Budget    int    `glazed:"budget"`
}

func NewTokensCommand(current func() config.Config) (*TokensCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"tokens",
		cmds.WithShort("Count the tokens of a transcript (cl100k_base)"),
		cmds.WithFlags(
			fields.New(
				"budget",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("History budget in tokens (0 = session.history_max_tokens)"),
			),
		),
		cmds.WithArguments(
			fields.New(
				"session-id",
				fields.TypeString,
				fields.WithRequired(true),
				fields.WithHelp("Session whose transcript to count"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &TokensCommand{CommandDescription: desc, current: current}, nil
}

func (c *TokensCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &TokensSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cfg := c.current()
	budget := s.Budget
	if budget <= 0 {
		budget = cfg.Session.HistoryMaxTokens
	}

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	msgs, err := app.Transcripts.LoadTranscript(ctx, s.SessionID)
	if err != nil {
		return errors.Wrap(err, "load transcript")
	}
	counter, err := history.DefaultCounter()
	if err != nil {
		return err
	}
	rows, err := tokenRows(counter, msgs, budget)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &TokensCommand{}

// tokenRows emits one row per message with its token count, the running
// total and whether it fits in the history window for budget.
func tokenRows(counter history.Counter, msgs []messages.Message, budget int) ([]types.Row, error) {
	window, err := history.Window(counter, msgs, budget)
	if err != nil {
		return nil, err
	}
	inWindow := make(map[string]bool, len(window))
	for _, m := range window {
		inWindow[m.ID] = true
	}

	rows := make([]types.Row, 0, len(msgs))
	total := 0
	for _, m := range msgs {
		n, err := counter.Count(m.Content)
		if err != nil {
			return nil, errors.Wrapf(err, "count message %s", m.ID)
		}
		total += n
		rows = append(rows, types.NewRow(
			types.MRP("id", m.ID),
			types.MRP("role", string(m.Role)),
			types.MRP("tokens", n),
			types.MRP("total", total),
			types.MRP("in_window", inWindow[m.ID]),
		))
	}
	return rows, nil
}
