package coordinator

import (
	"errors"
	"fmt"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"
)

// ErrInvalidTransition means the table has no row for (state, trigger).
var ErrInvalidTransition = errors.New("coordinator: invalid transition")

// Trigger is what moves a saga from one state to the next.
type Trigger int

const (
	TriggerReceived Trigger = iota + 1
	TriggerStepSucceeded
	TriggerStepFailed
)

func (t Trigger) String() string {
	switch t {
	case TriggerReceived:
		return "Received"
	case TriggerStepSucceeded:
		return "StepSucceeded"
	case TriggerStepFailed:
		return "StepFailed"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

type transition struct {
	next sagastate.State
	// action mutates the copy of the instance about to be persisted.
	action func(inst *sagastate.Instance, reason string)
	// finalize deletes the row instead of saving it.
	finalize bool
}

// transitions is the whole state machine. Terminal states have no rows:
// events reaching them are duplicates and are discarded before lookup.
var transitions = map[sagastate.State]map[Trigger]transition{
	sagastate.StateInitial: {
		TriggerReceived: {next: sagastate.StateProcessing, action: clearError},
	},
	sagastate.StateProcessing: {
		TriggerStepSucceeded: {next: sagastate.StateCompleted, action: clearError, finalize: true},
		TriggerStepFailed:    {next: sagastate.StateFailed, action: setError},
	},
}

func lookup(from sagastate.State, t Trigger) (transition, error) {
	row, ok := transitions[from][t]
	if !ok {
		return transition{}, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, t, from)
	}
	return row, nil
}

func clearError(inst *sagastate.Instance, _ string) { inst.Error = nil }

func setError(inst *sagastate.Instance, reason string) {
	if reason == "" {
		reason = "processing failed"
	}
	inst.Error = &reason
}
