package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateStep(t *testing.T) {
	step := NewValidateStep(0)
	ctx := context.Background()

	assert.NoError(t, step.Execute(ctx, "ok"))
	assert.ErrorIs(t, step.Execute(ctx, ""), ErrInvalidData)
	assert.ErrorIs(t, step.Execute(ctx, " \t\n"), ErrInvalidData)
	assert.Equal(t, "invalid data", step.Execute(ctx, "").Error())
}

func TestValidateStep_LatencyHonoursContext(t *testing.T) {
	step := NewValidateStep(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := step.Execute(ctx, "ok")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsDomainError(err))
}

func TestIsDomainError(t *testing.T) {
	wrapped := fmt.Errorf("checking payload: %w", &DomainError{Reason: "amount too large"})
	assert.True(t, IsDomainError(wrapped))
	assert.Equal(t, "amount too large", failureReason(wrapped))

	assert.False(t, IsDomainError(errors.New("connection refused")))
	assert.Equal(t, "connection refused", failureReason(errors.New("connection refused")))
}
