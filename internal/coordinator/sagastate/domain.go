// Package sagastate defines the durable state of a message saga.
//
// A saga instance is keyed by its correlation id and moves through a closed
// set of states:
//
//	Initial -> Processing -> Completed | Failed
//
// Completed instances are deleted on finalization. Failed instances are kept
// so the failure reason stays queryable.
package sagastate

import (
	"fmt"

	"github.com/google/uuid"
)

// State is the lifecycle state of a saga instance. It is persisted as a
// small integer in the currentstate column.
type State int

const (
	StateInitial    State = 1
	StateProcessing State = 2
	StateCompleted  State = 3
	StateFailed     State = 4
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateProcessing:
		return "Processing"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition may be applied.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	return s >= StateInitial && s <= StateFailed
}

// Instance is a single row in the message_states table.
type Instance struct {
	CorrelationID uuid.UUID

	State State

	// Data is the payload of the event that started the saga.
	// nil maps to SQL NULL, which is not the same as an empty payload.
	Data *string

	// Error holds the failure reason. Only set while State is Failed.
	Error *string

	// Version is bumped by every successful Save.
	Version int
}

// NewInstance returns a freshly created instance in the Initial state.
func NewInstance(id uuid.UUID) *Instance {
	return &Instance{CorrelationID: id, State: StateInitial}
}

// Clone returns a deep copy so stores never share pointers with callers.
func (i *Instance) Clone() *Instance {
	c := *i
	if i.Data != nil {
		d := *i.Data
		c.Data = &d
	}
	if i.Error != nil {
		e := *i.Error
		c.Error = &e
	}
	return &c
}

// DataString returns the payload, or "" when absent.
func (i *Instance) DataString() string {
	if i.Data == nil {
		return ""
	}
	return *i.Data
}

// ErrorString returns the failure reason, or "" when absent.
func (i *Instance) ErrorString() string {
	if i.Error == nil {
		return ""
	}
	return *i.Error
}

// StringPtr is a small helper for building instances in callers and tests.
func StringPtr(s string) *string { return &s }
