package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from     sagastate.State
		trigger  Trigger
		next     sagastate.State
		finalize bool
	}{
		{sagastate.StateInitial, TriggerReceived, sagastate.StateProcessing, false},
		{sagastate.StateProcessing, TriggerStepSucceeded, sagastate.StateCompleted, true},
		{sagastate.StateProcessing, TriggerStepFailed, sagastate.StateFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.trigger.String(), func(t *testing.T) {
			row, err := lookup(tt.from, tt.trigger)
			require.NoError(t, err)
			assert.Equal(t, tt.next, row.next)
			assert.Equal(t, tt.finalize, row.finalize)
		})
	}
}

func TestTransitionTable_TerminalStatesAreClosed(t *testing.T) {
	for _, s := range []sagastate.State{sagastate.StateCompleted, sagastate.StateFailed} {
		for _, tr := range []Trigger{TriggerReceived, TriggerStepSucceeded, TriggerStepFailed} {
			_, err := lookup(s, tr)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s/%s", s, tr)
		}
	}
	_, err := lookup(sagastate.StateInitial, TriggerStepSucceeded)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionActions(t *testing.T) {
	inst := &sagastate.Instance{Error: sagastate.StringPtr("old")}
	clearError(inst, "")
	assert.Nil(t, inst.Error)

	setError(inst, "invalid data")
	assert.Equal(t, "invalid data", inst.ErrorString())

	setError(inst, "")
	assert.NotEmpty(t, inst.ErrorString())
}
