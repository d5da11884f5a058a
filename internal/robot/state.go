package robot

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a status change is not permitted by
// the run state machine.
var ErrIllegalTransition = errors.New("illegal run status transition")

// legalTransitions is the run state machine. Every status write goes through
// Transition; there are no ad hoc status checks scattered around stores.
// failed → queued is the retry edge: a failed run re-enters the queue on a
// fresh worker, reusing its run ID.
var legalTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:   {RunStatusRunning, RunStatusFailed, RunStatusAborted},
	RunStatusRunning:  {RunStatusSuccess, RunStatusFailed, RunStatusAborting, RunStatusAborted},
	RunStatusAborting: {RunStatusAborted},
	RunStatusFailed:   {RunStatusQueued},
}

// TerminalStatus reports whether the status is final.
func TerminalStatus(s RunStatus) bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusAborted:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to RunStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a status change, returning ErrIllegalTransition with
// the offending pair when the edge is not in the state machine.
func Transition(from, to RunStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
