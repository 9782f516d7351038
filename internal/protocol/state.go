package protocol

// RunState is the externally visible run status. These five values are
// the only ones any surface emits.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Pending may go anywhere, running may only finish, and terminal
// states admit nothing. Re-asserting the current state is always a
// permitted no-op so duplicate worker updates stay idempotent.
func (s RunState) CanTransitionTo(next RunState) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case RunPending:
		return true
	case RunRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Valid reports whether s is one of the five run states.
func (s RunState) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}
