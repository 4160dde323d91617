// Package chatstore persists session transcripts so that a session can be
// resumed after a restart or an idle eviction.
package chatstore

import (
	"context"
	"strings"

	"github.com/go-go-golems/chatsession/pkg/messages"
)

// SessionRecord captures session-level metadata used for listing sessions.
type SessionRecord struct {
	SessionID      string `json:"session_id"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
	MessageCount   int    `json:"message_count"`
	Status         string `json:"status"`
	LastError      string `json:"last_error,omitempty"`
}

// TranscriptStore is the durable copy of every session's message log.
//
// Messages are upserted by id, so saving the same message again after it
// changed replaces the earlier copy.
type TranscriptStore interface {
	SaveMessage(ctx context.Context, sessionID string, m messages.Message) error
	LoadTranscript(ctx context.Context, sessionID string) ([]messages.Message, error)
	UpsertSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error)
	ListSessions(ctx context.Context, limit int, sinceMs int64) ([]SessionRecord, error)
	Close() error
}

func normalizeSessionRecord(record SessionRecord, now int64) SessionRecord {
	record.SessionID = strings.TrimSpace(record.SessionID)
	record.Status = strings.TrimSpace(record.Status)
	record.LastError = strings.TrimSpace(record.LastError)
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = now
	}
	if record.LastActivityMs <= 0 {
		record.LastActivityMs = record.CreatedAtMs
	}
	if record.Status == "" {
		record.Status = "active"
	}
	return record
}

func mergeSessionRecord(existing, incoming SessionRecord, now int64) SessionRecord {
	incoming = normalizeSessionRecord(incoming, now)
	if existing.SessionID == "" {
		return incoming
	}
	if existing.CreatedAtMs > 0 {
		incoming.CreatedAtMs = existing.CreatedAtMs
	}
	if incoming.LastActivityMs < existing.LastActivityMs {
		incoming.LastActivityMs = existing.LastActivityMs
	}
	if incoming.MessageCount < existing.MessageCount {
		incoming.MessageCount = existing.MessageCount
	}
	if incoming.LastError == "" {
		incoming.LastError = existing.LastError
	}
	return incoming
}
