package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/chatsession/pkg/messages"
)

// Turn is one user message and the assistant reply it triggered.
type Turn struct {
	ID                 string    `json:"turn_id"`
	UserMessageID      string    `json:"user_message_id"`
	AssistantMessageID string    `json:"assistant_message_id"`
	Prompt             string    `json:"-"`
	StartedAt          time.Time `json:"started_at"`

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// closed is guarded by the owning controller's mutex.
	closed bool

	mu      sync.Mutex
	outcome Outcome
	ended   bool
}

// Outcome is the final state of a turn.
type Outcome struct {
	State    State           `json:"state"`
	Status   messages.Status `json:"status"`
	Reason   messages.Reason `json:"reason,omitempty"`
	Err      error           `json:"-"`
	Attempts int             `json:"attempts"`
}

// Done is closed once the turn's worker has exited.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn is over or ctx is done.
func (t *Turn) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		o, _ := t.Outcome()
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Outcome reports how the turn ended; ok is false while it is still active.
func (t *Turn) Outcome() (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome, t.ended
}

func (t *Turn) setOutcome(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.outcome = o
	t.ended = true
}

// CancelResult is returned by Cancel. A cancel with nothing to cancel is not
// an error; it carries ErrNoActiveTurn in Err and Cancelled is false.
type CancelResult struct {
	TurnID    string `json:"turn_id,omitempty"`
	Cancelled bool   `json:"cancelled"`
	Err       error  `json:"-"`
}

// NoOp reports whether the cancel had nothing to act on.
func (r CancelResult) NoOp() bool { return !r.Cancelled }
