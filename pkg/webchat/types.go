package webchat

import (
	"time"

	"github.com/go-go-golems/chatsession/pkg/lifecycle"
	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/go-go-golems/chatsession/pkg/session"
)

const (
	FrameSnapshot = "snapshot"
	FrameUpdate   = "update"
	FramePong     = "pong"
	FrameError    = "error"
)

// Frame is what WebSocket and SSE clients receive.
type Frame struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id,omitempty"`
	State     lifecycle.State    `json:"state,omitempty"`
	Messages  []messages.Message `json:"messages,omitempty"`
	Update    *session.Update    `json:"update,omitempty"`
	Error     string             `json:"error,omitempty"`
	// Version is the store version a snapshot reflects; updates with a lower
	// or equal version are already contained in it.
	Version uint64 `json:"version,omitempty"`
	TS      int64  `json:"ts,omitempty"`
}

// ClientFrame is what WebSocket clients may send.
type ClientFrame struct {
	Type           string `json:"type"` // ping|send|cancel
	Text           string `json:"text,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CreateSessionRequest struct {
	ID string `json:"id,omitempty"`
}

type SessionInfo struct {
	SessionID    string          `json:"session_id"`
	State        lifecycle.State `json:"state,omitempty"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
	LastActivity time.Time       `json:"last_activity,omitempty"`
	MessageCount int             `json:"message_count"`
	Live         bool            `json:"live"`
}

type SendMessageRequest struct {
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// TurnResponse describes the turn a message submission started.
type TurnResponse struct {
	SessionID          string `json:"session_id"`
	TurnID             string `json:"turn_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
	IdempotencyKey     string `json:"idempotency_key,omitempty"`
	Replayed           bool   `json:"replayed,omitempty"`
}

type CancelResponse struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id,omitempty"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error,omitempty"`
}

type HistoryResponse struct {
	SessionID string             `json:"session_id"`
	State     lifecycle.State    `json:"state"`
	Messages  []messages.Message `json:"messages"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
