package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Step is the domain action run while a saga is Processing.
// It reports success or failure and never touches the saga instance itself.
type Step interface {
	Name() string
	Execute(ctx context.Context, data string) error
}

// DomainError is a business-level failure. The saga moves to Failed with
// Reason as its error. Any other error returned by a Step is treated as an
// infrastructure fault and leaves the saga where it was.
type DomainError struct {
	Reason string
}

func (e *DomainError) Error() string { return e.Reason }

// ErrInvalidData is returned for an empty or whitespace-only payload.
var ErrInvalidData = &DomainError{Reason: "invalid data"}

// IsDomainError reports whether err carries a DomainError.
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

func failureReason(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Reason != "" {
		return de.Reason
	}
	return err.Error()
}

// --- ValidateStep ---

// ValidateStep accepts any payload that is not blank. Latency, when set,
// simulates an I/O bound step and is cut short by ctx.
type ValidateStep struct {
	Latency time.Duration
}

// NewValidateStep is the constructor for ValidateStep
func NewValidateStep(latency time.Duration) *ValidateStep {
	return &ValidateStep{Latency: latency}
}

func (s *ValidateStep) Name() string { return "Validate_Message_Step" }

func (s *ValidateStep) Execute(ctx context.Context, data string) error {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if strings.TrimSpace(data) == "" {
		return ErrInvalidData
	}
	return nil
}

// StepFunc adapts a function to the Step interface.
type StepFunc func(ctx context.Context, data string) error

func (f StepFunc) Name() string { return "Func_Step" }

func (f StepFunc) Execute(ctx context.Context, data string) error { return f(ctx, data) }
