package delivery

import "github.com/gpuwatch/agent/internal/models"

// State is the delivery state of one (bucket, device) key. It is derived
// from the persisted audit row rather than stored, so a restart recomputes
// the same state the process crashed in. Sending is transient and never
// observable from the database.
type State int

const (
	// Pending: no attempt yet, or the last attempt failed and attempts remain.
	Pending State = iota
	// Sending: an attempt is in flight.
	Sending
	// Sent: verified success; terminal.
	Sent
	// Abandoned: attempts exhausted without success; terminal.
	Abandoned
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sending:
		return "sending"
	case Sent:
		return "sent"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// StateOf derives the delivery state from an audit row. attempt is the zero
// value for keys with no attempt yet.
func StateOf(attempt models.SendAttempt, maxAttempts int) State {
	switch {
	case attempt.Sent:
		return Sent
	case attempt.AttemptCount >= maxAttempts:
		return Abandoned
	default:
		return Pending
	}
}
