package chatstore

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresTranscriptStore is a TranscriptStore backed by PostgreSQL.
//
// The store does not own the pool; Close is a no-op and the caller closes
// the pool.
type PostgresTranscriptStore struct {
	pool   *pgxpool.Pool
	schema string
}

var _ TranscriptStore = &PostgresTranscriptStore{}

type PostgresOption func(*PostgresTranscriptStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// WithSchema sets the schema holding the tables (default "chatsession").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresTranscriptStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return errors.Errorf("postgres transcript store: invalid schema %q", schema)
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresTranscriptStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresTranscriptStore, error) {
	s := &PostgresTranscriptStore{pool: pool, schema: "chatsession"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("postgres transcript store: nil pool")
	}
	return s, nil
}

// OpenPostgresPool parses url, connects and verifies a connection can be
// acquired.
func OpenPostgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, errors.Wrap(err, "postgres transcript store: parse url")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "postgres transcript store: connect")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres transcript store: acquire")
	}
	conn.Release()
	return pool, nil
}

func (s *PostgresTranscriptStore) Close() error { return nil }

func (s *PostgresTranscriptStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// Migrate creates the schema and tables when missing.
func (s *PostgresTranscriptStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + s.table("sessions") + ` (
			session_id TEXT PRIMARY KEY,
			created_at_ms BIGINT NOT NULL,
			last_activity_ms BIGINT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("messages") + ` (
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			turn_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL,
			PRIMARY KEY (session_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_by_session_seq ON ` + s.table("messages") + ` (session_id, seq)`,
	}
	for _, st := range stmts {
		if _, err := s.pool.Exec(ctx, st); err != nil {
			return errors.Wrap(err, "postgres transcript store: migrate")
		}
	}
	return nil
}

func (s *PostgresTranscriptStore) SaveMessage(ctx context.Context, sessionID string, m messages.Message) error {
	if s == nil || s.pool == nil {
		return errors.New("postgres transcript store: nil store")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("postgres transcript store: sessionID is empty")
	}
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("postgres transcript store: message id is empty")
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table("messages")+` (
			session_id, message_id, seq, turn_id, role, content, status, reason, error, created_at_ms, updated_at_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id, message_id) DO UPDATE SET
			content = EXCLUDED.content,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			error = EXCLUDED.error,
			updated_at_ms = GREATEST(`+s.table("messages")+`.updated_at_ms, EXCLUDED.updated_at_ms)`,
		sessionID, m.ID, int64(m.Seq), m.TurnID, string(m.Role), m.Content, string(m.Status), string(m.Reason), m.Error,
		createdAt.UnixMilli(), updatedAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "postgres transcript store: upsert message")
	}
	return nil
}

func (s *PostgresTranscriptStore) LoadTranscript(ctx context.Context, sessionID string) ([]messages.Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("postgres transcript store: nil store")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("postgres transcript store: sessionID is empty")
	}
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, seq, turn_id, role, content, status, reason, error, created_at_ms, updated_at_ms
		  FROM `+s.table("messages")+`
		 WHERE session_id = $1
		 ORDER BY seq ASC, created_at_ms ASC, message_id ASC`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "postgres transcript store: query messages")
	}
	defer rows.Close()

	out := []messages.Message{}
	for rows.Next() {
		var (
			m                    messages.Message
			seq                  int64
			role, status, reason string
			createdMs, updatedMs int64
		)
		if err := rows.Scan(&m.ID, &seq, &m.TurnID, &role, &m.Content, &status, &reason, &m.Error, &createdMs, &updatedMs); err != nil {
			return nil, errors.Wrap(err, "postgres transcript store: scan message")
		}
		m.Seq = uint64(seq)
		m.Role = messages.Role(role)
		m.Status = messages.Status(status)
		m.Reason = messages.Reason(reason)
		m.CreatedAt = time.UnixMilli(createdMs).UTC()
		m.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "postgres transcript store: iterate messages")
	}
	return out, nil
}

func (s *PostgresTranscriptStore) UpsertSession(ctx context.Context, record SessionRecord) error {
	if s == nil || s.pool == nil {
		return errors.New("postgres transcript store: nil store")
	}
	record = normalizeSessionRecord(record, time.Now().UnixMilli())
	if record.SessionID == "" {
		return errors.New("postgres transcript store: sessionID is empty")
	}
	sessions := s.table("sessions")
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+sessions+` (session_id, created_at_ms, last_activity_ms, message_count, status, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			created_at_ms = LEAST(`+sessions+`.created_at_ms, EXCLUDED.created_at_ms),
			last_activity_ms = GREATEST(`+sessions+`.last_activity_ms, EXCLUDED.last_activity_ms),
			message_count = GREATEST(`+sessions+`.message_count, EXCLUDED.message_count),
			status = EXCLUDED.status,
			last_error = CASE WHEN EXCLUDED.last_error <> '' THEN EXCLUDED.last_error ELSE `+sessions+`.last_error END`,
		record.SessionID, record.CreatedAtMs, record.LastActivityMs, record.MessageCount, record.Status, record.LastError)
	if err != nil {
		return errors.Wrap(err, "postgres transcript store: upsert session")
	}
	return nil
}

func (s *PostgresTranscriptStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil || s.pool == nil {
		return SessionRecord{}, false, errors.New("postgres transcript store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("postgres transcript store: sessionID is empty")
	}
	var r SessionRecord
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, created_at_ms, last_activity_ms, message_count, status, last_error
		  FROM `+s.table("sessions")+` WHERE session_id = $1`, sessionID).
		Scan(&r.SessionID, &r.CreatedAtMs, &r.LastActivityMs, &r.MessageCount, &r.Status, &r.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, errors.Wrap(err, "postgres transcript store: get session")
	}
	return r, true, nil
}

func (s *PostgresTranscriptStore) ListSessions(ctx context.Context, limit int, sinceMs int64) ([]SessionRecord, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("postgres transcript store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, created_at_ms, last_activity_ms, message_count, status, last_error
		  FROM `+s.table("sessions")+`
		 WHERE last_activity_ms >= $1
		 ORDER BY last_activity_ms DESC, session_id ASC
		 LIMIT $2`, sinceMs, limit)
	if err != nil {
		return nil, errors.Wrap(err, "postgres transcript store: list sessions")
	}
	defer rows.Close()

	out := []SessionRecord{}
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.SessionID, &r.CreatedAtMs, &r.LastActivityMs, &r.MessageCount, &r.Status, &r.LastError); err != nil {
			return nil, errors.Wrap(err, "postgres transcript store: scan session")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "postgres transcript store: iterate sessions")
	}
	return out, nil
}
