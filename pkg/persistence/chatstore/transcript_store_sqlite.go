package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/chatsession/pkg/messages"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteTranscriptStore struct {
	db *sql.DB
}

var _ TranscriptStore = &SQLiteTranscriptStore{}

var sqliteSchemaIntrospectionTables = map[string]struct{}{
	"sessions": {},
	"messages": {},
}

func NewSQLiteTranscriptStore(dsn string) (*SQLiteTranscriptStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTranscriptStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteTranscriptDSNForFile returns a DSN for a WAL-mode database at path.
func SQLiteTranscriptDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteTranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTranscriptStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}

	createTableStmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at_ms INTEGER NOT NULL,
			last_activity_ms INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			last_error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
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
		);`,
	}
	for _, st := range createTableStmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}

	if err := s.ensureMessagesTableColumns(); err != nil {
		return errors.Wrap(err, "sqlite transcript store: ensure messages columns")
	}

	createIndexStmts := []string{
		`CREATE INDEX IF NOT EXISTS messages_by_session_seq ON messages(session_id, seq ASC);`,
		`CREATE INDEX IF NOT EXISTS sessions_by_activity ON sessions(last_activity_ms DESC);`,
	}
	for _, st := range createIndexStmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

// ensureMessagesTableColumns upgrades databases created before messages
// carried the failure detail.
func (s *SQLiteTranscriptStore) ensureMessagesTableColumns() error {
	cols, err := s.tableColumns("messages")
	if err != nil {
		return err
	}
	if !cols["error"] {
		if _, err := s.db.Exec(`ALTER TABLE messages ADD COLUMN error TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteTranscriptStore) tableColumns(table string) (map[string]bool, error) {
	table, err := normalizeSQLiteIntrospectionTable(table)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeSQLiteIntrospectionTable(table string) (string, error) {
	table = strings.ToLower(strings.TrimSpace(table))
	if _, ok := sqliteSchemaIntrospectionTables[table]; !ok {
		return "", errors.Errorf("sqlite transcript store: unsupported table for schema introspection: %q", table)
	}
	return table, nil
}

func (s *SQLiteTranscriptStore) SaveMessage(ctx context.Context, sessionID string, m messages.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("sqlite transcript store: sessionID is empty")
	}
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("sqlite transcript store: message id is empty")
	}
	now := time.Now()
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(
			session_id, message_id, seq, turn_id, role, content, status, reason, error, created_at_ms, updated_at_ms
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, message_id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status,
			reason = excluded.reason,
			error = excluded.error,
			updated_at_ms = MAX(messages.updated_at_ms, excluded.updated_at_ms)
	`, sessionID, m.ID, m.Seq, m.TurnID, string(m.Role), m.Content, string(m.Status), string(m.Reason), m.Error,
		createdAt.UnixMilli(), updatedAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert message")
	}
	return nil
}

func (s *SQLiteTranscriptStore) LoadTranscript(ctx context.Context, sessionID string) ([]messages.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("sqlite transcript store: sessionID is empty")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, seq, turn_id, role, content, status, reason, error, created_at_ms, updated_at_ms
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC, created_at_ms ASC, message_id ASC
	`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: query messages")
	}
	defer func() { _ = rows.Close() }()

	out := []messages.Message{}
	for rows.Next() {
		var (
			m                    messages.Message
			role, status, reason string
			createdMs, updatedMs int64
		)
		if err := rows.Scan(&m.ID, &m.Seq, &m.TurnID, &role, &m.Content, &status, &reason, &m.Error, &createdMs, &updatedMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan message")
		}
		m.Role = messages.Role(role)
		m.Status = messages.Status(status)
		m.Reason = messages.Reason(reason)
		m.CreatedAt = time.UnixMilli(createdMs).UTC()
		m.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: iterate messages")
	}
	return out, nil
}

func (s *SQLiteTranscriptStore) UpsertSession(ctx context.Context, record SessionRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	record = normalizeSessionRecord(record, time.Now().UnixMilli())
	if record.SessionID == "" {
		return errors.New("sqlite transcript store: sessionID is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(session_id, created_at_ms, last_activity_ms, message_count, status, last_error)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			created_at_ms = MIN(sessions.created_at_ms, excluded.created_at_ms),
			last_activity_ms = MAX(sessions.last_activity_ms, excluded.last_activity_ms),
			message_count = MAX(sessions.message_count, excluded.message_count),
			status = excluded.status,
			last_error = CASE WHEN excluded.last_error != '' THEN excluded.last_error ELSE sessions.last_error END
	`, record.SessionID, record.CreatedAtMs, record.LastActivityMs, record.MessageCount, record.Status, record.LastError)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert session")
	}
	return nil
}

func (s *SQLiteTranscriptStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil || s.db == nil {
		return SessionRecord{}, false, errors.New("sqlite transcript store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("sqlite transcript store: sessionID is empty")
	}
	var r SessionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, created_at_ms, last_activity_ms, message_count, status, last_error
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&r.SessionID, &r.CreatedAtMs, &r.LastActivityMs, &r.MessageCount, &r.Status, &r.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, errors.Wrap(err, "sqlite transcript store: get session")
	}
	return r, true, nil
}

func (s *SQLiteTranscriptStore) ListSessions(ctx context.Context, limit int, sinceMs int64) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, created_at_ms, last_activity_ms, message_count, status, last_error
		FROM sessions
		WHERE last_activity_ms >= ?
		ORDER BY last_activity_ms DESC, session_id ASC
		LIMIT ?
	`, sinceMs, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list sessions")
	}
	defer func() { _ = rows.Close() }()

	out := []SessionRecord{}
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.SessionID, &r.CreatedAtMs, &r.LastActivityMs, &r.MessageCount, &r.Status, &r.LastError); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan session")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: iterate sessions")
	}
	return out, nil
}
