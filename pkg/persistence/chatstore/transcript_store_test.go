package chatstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteTranscriptStore {
	t.Helper()
	dsn, err := SQLiteTranscriptDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	s, err := NewSQLiteTranscriptStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func transcriptStores(t *testing.T) map[string]TranscriptStore {
	return map[string]TranscriptStore{
		"sqlite": newSQLiteStore(t),
		"memory": NewInMemoryTranscriptStore(0),
	}
}

func msg(id string, seq uint64, role messages.Role, content string, status messages.Status) messages.Message {
	now := time.UnixMilli(1_700_000_000_000 + int64(seq)).UTC()
	return messages.Message{ID: id, Seq: seq, Role: role, Content: content, Status: status, TurnID: "t1", CreatedAt: now, UpdatedAt: now}
}

func TestTranscriptStore_SaveAndLoad(t *testing.T) {
	for name, ts := range transcriptStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ts.SaveMessage(ctx, "s1", msg("m2", 2, messages.RoleAssistant, "", messages.StatusPending)))
			require.NoError(t, ts.SaveMessage(ctx, "s1", msg("m1", 1, messages.RoleUser, "hi", messages.StatusComplete)))
			require.NoError(t, ts.SaveMessage(ctx, "s2", msg("x1", 1, messages.RoleUser, "other", messages.StatusComplete)))

			final := msg("m2", 2, messages.RoleAssistant, "Hello!", messages.StatusFailed)
			final.Reason = messages.ReasonCancelled
			final.Error = "cancelled by user"
			require.NoError(t, ts.SaveMessage(ctx, "s1", final))

			got, err := ts.LoadTranscript(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, "m1", got[0].ID)
			require.Equal(t, messages.RoleUser, got[0].Role)
			require.Equal(t, "m2", got[1].ID)
			require.Equal(t, "Hello!", got[1].Content)
			require.Equal(t, messages.StatusFailed, got[1].Status)
			require.Equal(t, messages.ReasonCancelled, got[1].Reason)
			require.Equal(t, "cancelled by user", got[1].Error)
			require.Equal(t, "t1", got[1].TurnID)
			require.True(t, final.CreatedAt.Equal(got[1].CreatedAt))

			empty, err := ts.LoadTranscript(ctx, "nobody")
			require.NoError(t, err)
			require.Empty(t, empty)
		})
	}
}

func TestTranscriptStore_Validation(t *testing.T) {
	for name, ts := range transcriptStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.Error(t, ts.SaveMessage(ctx, "", msg("m1", 1, messages.RoleUser, "hi", messages.StatusComplete)))
			require.Error(t, ts.SaveMessage(ctx, "s1", msg("", 1, messages.RoleUser, "hi", messages.StatusComplete)))
			_, err := ts.LoadTranscript(ctx, " ")
			require.Error(t, err)
			require.Error(t, ts.UpsertSession(ctx, SessionRecord{}))
		})
	}
}

func TestTranscriptStore_Sessions(t *testing.T) {
	for name, ts := range transcriptStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ts.UpsertSession(ctx, SessionRecord{SessionID: "a", CreatedAtMs: 100, LastActivityMs: 100}))
			require.NoError(t, ts.UpsertSession(ctx, SessionRecord{SessionID: "b", CreatedAtMs: 200, LastActivityMs: 300, MessageCount: 2}))
			require.NoError(t, ts.UpsertSession(ctx, SessionRecord{SessionID: "a", CreatedAtMs: 999, LastActivityMs: 400, MessageCount: 4, LastError: "timeout"}))
			// older activity and count never move backwards
			require.NoError(t, ts.UpsertSession(ctx, SessionRecord{SessionID: "a", LastActivityMs: 150, MessageCount: 1}))

			a, ok, err := ts.GetSession(ctx, "a")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, int64(100), a.CreatedAtMs)
			require.Equal(t, int64(400), a.LastActivityMs)
			require.Equal(t, 4, a.MessageCount)
			require.Equal(t, "timeout", a.LastError)
			require.Equal(t, "active", a.Status)

			_, ok, err = ts.GetSession(ctx, "missing")
			require.NoError(t, err)
			require.False(t, ok)

			list, err := ts.ListSessions(ctx, 10, 0)
			require.NoError(t, err)
			require.Len(t, list, 2)
			require.Equal(t, "a", list[0].SessionID)
			require.Equal(t, "b", list[1].SessionID)

			recent, err := ts.ListSessions(ctx, 10, 350)
			require.NoError(t, err)
			require.Len(t, recent, 1)

			limited, err := ts.ListSessions(ctx, 1, 0)
			require.NoError(t, err)
			require.Len(t, limited, 1)
		})
	}
}

func TestInMemoryTranscriptStore_Limit(t *testing.T) {
	ts := NewInMemoryTranscriptStore(2)
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, ts.SaveMessage(ctx, "s1", msg(id, uint64(i+1), messages.RoleUser, id, messages.StatusComplete)))
	}
	got, err := ts.LoadTranscript(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "m2", got[0].ID)
}

func TestSQLiteTranscriptStore_MigratesLegacyMessagesTable(t *testing.T) {
	dsn, err := SQLiteTranscriptDSNForFile(filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE messages (
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			turn_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (session_id, message_id)
		)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO messages VALUES ('s1', 'm1', 1, '', 'user', 'hi', 'complete', '', 1, 1)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteTranscriptStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cols, err := s.tableColumns("messages")
	require.NoError(t, err)
	require.True(t, cols["error"])

	got, err := s.LoadTranscript(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "hi", got[0].Content)
}

func TestNormalizeSQLiteIntrospectionTable(t *testing.T) {
	_, err := normalizeSQLiteIntrospectionTable("sqlite_master")
	require.Error(t, err)
	table, err := normalizeSQLiteIntrospectionTable(" Messages ")
	require.NoError(t, err)
	require.Equal(t, "messages", table)
}
