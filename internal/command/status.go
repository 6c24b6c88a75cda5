package command

// Status is the lifecycle state of a command. Transitions are validated by
// the registry so a record can never regress or leave a terminal state.
type Status string

const (
	// StatusPending means the command was accepted but not yet emitted to an
	// agent session.
	StatusPending Status = "pending"
	// StatusDispatched means execute_command was emitted to a live session
	// and no progress has arrived yet.
	StatusDispatched Status = "dispatched"
	// StatusRunning means at least one progress frame arrived.
	StatusRunning Status = "running"
	// StatusCompleted means the terminal result arrived with exit code zero.
	StatusCompleted Status = "completed"
	// StatusFailed covers every explicit failure: nonzero exit, undeliverable
	// dispatch, AI rejection, unavailable executor, cancellation.
	StatusFailed Status = "failed"
	// StatusLost means the controller can no longer determine the outcome:
	// the bound session dropped and did not come back within the grace
	// interval, or the overall deadline expired without a terminal result.
	StatusLost Status = "lost"
)

// Terminal reports whether s is an end state. Once a command reaches a
// terminal state no further transitions are accepted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusLost:
		return true
	}
	return false
}

// transitions is the allowed-edge table of the command state machine.
//
//	pending    → dispatched | failed
//	dispatched → running | completed | failed | lost
//	running    → completed | failed | lost
var transitions = map[Status][]Status{
	StatusPending:    {StatusDispatched, StatusFailed},
	StatusDispatched: {StatusRunning, StatusCompleted, StatusFailed, StatusLost},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusLost},
}

// canTransition reports whether from → to is a legal edge.
func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Failure reasons recorded on a command when it ends without a clean result.
// These are kinds, not Go errors: they travel in API responses and webhook
// payloads, so the strings are part of the contract.
const (
	ReasonUndeliverable       = "undeliverable"
	ReasonAIRejected          = "ai_rejected"
	ReasonExecutorUnavailable = "executor_unavailable"
	ReasonExecutionError      = "execution_error"
	ReasonCancelled           = "cancelled"
	ReasonDeadline            = "deadline"
	ReasonLost                = "lost"
)
