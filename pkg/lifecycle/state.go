package lifecycle

type State string

const (
	StateIdle      State = "idle"
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Active reports whether a turn is in flight in state s.
func (s State) Active() bool {
	return s == StatePending || s == StateStreaming
}

// Transition is reported to state listeners.
type Transition struct {
	TurnID string
	From   State
	To     State
}
