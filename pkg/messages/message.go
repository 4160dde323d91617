// Package messages holds the ordered, append-only log of conversation turns.
//
// A Store owns every Message of a session. Messages are appended with a
// stable identity, their content can only grow while they are streaming, and
// every mutation is reported synchronously to registered observers.
package messages

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Reason qualifies a failed message.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonCancelled    Reason = "cancelled"
	ReasonTimeout      Reason = "timeout"
	ReasonTransport    Reason = "transport"
	ReasonOutOfOrder   Reason = "out_of_order"
	ReasonStreamClosed Reason = "stream_closed"
	ReasonBackendError Reason = "backend_error"
)

// Message is a single conversation entry.
type Message struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	TurnID    string    `json:"turn_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Status    Status    `json:"status"`
	Reason    Reason    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusStreaming: true,
		StatusFailed:    true,
	},
	StatusStreaming: {
		StatusStreaming: true,
		StatusComplete:  true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether from → to is a valid status edge.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}
