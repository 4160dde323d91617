package cmds

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsession/pkg/config"
	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/go-go-golems/chatsession/pkg/persistence/chatstore"
)

// HistoryCommand lists persisted sessions, or the transcript of one session
// when a session id is given.
type HistoryCommand struct {
	*cmds.CommandDescription
	current func() config.Config
}

type HistorySettings struct {
	SessionID string `glazed:"session-id"`
	Limit     int    `glazed:"limit"`
}

func NewHistoryCommand(current func() config.Config) (*HistoryCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"history",
		cmds.WithShort("List persisted sessions or print one transcript"),
		cmds.WithLong("Without a session id, list sessions from the transcript store, most recent first. With one, emit a row per message."),
		cmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(50),
				fields.WithHelp("Limit number of sessions listed (0 = no limit)"),
			),
		),
		cmds.WithArguments(
			fields.New(
				"session-id",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Session whose transcript to print"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &HistoryCommand{CommandDescription: desc, current: current}, nil
}

func (c *HistoryCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &HistorySettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	app, err := NewApp(ctx, c.current())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	var rows []types.Row
	if s.SessionID == "" {
		records, err := app.Transcripts.ListSessions(ctx, s.Limit, 0)
		if err != nil {
			return errors.Wrap(err, "list sessions")
		}
		rows = sessionRows(records)
	} else {
		msgs, err := app.Transcripts.LoadTranscript(ctx, s.SessionID)
		if err != nil {
			return errors.Wrap(err, "load transcript")
		}
		rows = transcriptRows(msgs)
	}
	for _, row := range rows {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &HistoryCommand{}

func sessionRows(records []chatstore.SessionRecord) []types.Row {
	rows := make([]types.Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, types.NewRow(
			types.MRP("session_id", r.SessionID),
			types.MRP("messages", r.MessageCount),
			types.MRP("status", r.Status),
			types.MRP("created_at", time.UnixMilli(r.CreatedAtMs).UTC().Format(time.RFC3339)),
			types.MRP("last_activity", time.UnixMilli(r.LastActivityMs).UTC().Format(time.RFC3339)),
			types.MRP("last_error", r.LastError),
		))
	}
	return rows
}

func transcriptRows(msgs []messages.Message) []types.Row {
	rows := make([]types.Row, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, types.NewRow(
			types.MRP("seq", m.Seq),
			types.MRP("id", m.ID),
			types.MRP("turn_id", m.TurnID),
			types.MRP("role", string(m.Role)),
			types.MRP("status", string(m.Status)),
			types.MRP("reason", string(m.Reason)),
			types.MRP("content", m.Content),
			types.MRP("created_at", m.CreatedAt.UTC().Format(time.RFC3339)),
		))
	}
	return rows
}
