// Package coordinator runs the message saga state machine.
//
// Each inbound Envelope is correlated to one saga instance, the instance is
// advanced under an exclusive per-key lock, the processing Step runs, and the
// terminal outcome is persisted and published once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"
	"github.com/jcmexdev/message-sagas/internal/pkg/lock"
	"github.com/jcmexdev/message-sagas/internal/pkg/telemetry"
)

// ErrTransient wraps failures the broker should redeliver, such as a version
// conflict that outlived the retry budget.
var ErrTransient = errors.New("coordinator: transient failure")

// Outcome is how one inbound event ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result describes the effect of one Handle call.
type Result struct {
	CorrelationID uuid.UUID
	Outcome       Outcome
	// State is the state the instance was left in.
	State sagastate.State
	// Error is the failure reason for failed sagas, also on duplicates of them.
	Error string
}

// Event is published once per terminal transition. A missing Error means the
// saga completed.
type Event struct {
	CorrelationID uuid.UUID `json:"correlationId"`
	Error         string    `json:"error,omitempty"`
}

// Publisher emits terminal events downstream.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Options tunes an Orchestrator. The zero value is usable.
type Options struct {
	// Locker serializes transitions per correlation id. Default lock.NewLocal().
	Locker lock.Locker
	// Publisher receives terminal events. nil-safe: publishing is skipped.
	Publisher Publisher
	// Log receives one entry per applied transition. nil-safe.
	Log     sagalog.Repository
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// MaxConflictRetries bounds re-evaluation after ErrConflict. Default 3.
	MaxConflictRetries uint64
	// RetryInterval is the first pause between conflict retries. Default 10ms.
	RetryInterval time.Duration
}

// Orchestrator applies the saga state machine to inbound envelopes.
// It is safe for concurrent use.
type Orchestrator struct {
	repo   sagastate.Repository
	step   Step
	opts   Options
	log    *slog.Logger
	tracer trace.Tracer
}

func NewOrchestrator(repo sagastate.Repository, step Step, opts Options) *Orchestrator {
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConflictRetries == 0 {
		opts.MaxConflictRetries = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 10 * time.Millisecond
	}
	return &Orchestrator{
		repo:   repo,
		step:   step,
		opts:   opts,
		log:    opts.Logger,
		tracer: otel.Tracer("github.com/jcmexdev/message-sagas/internal/coordinator"),
	}
}

// Handle correlates env to its saga and advances it.
//
// A nil error means the effect of env is durably committed and the message
// may be acknowledged. Any error means it must not be.
func (o *Orchestrator) Handle(ctx context.Context, env Envelope) (Result, error) {
	id, err := env.Key()
	if err != nil {
		return Result{}, err
	}

	ctx, span := o.tracer.Start(ctx, "saga.handle",
		trace.WithAttributes(attribute.String("saga.correlation_id", id.String())))
	defer span.End()

	var res Result
	op := func() error {
		r, err := o.transition(ctx, id, env.Data)
		if errors.Is(err, sagastate.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		o.opts.Metrics.ConflictRetry()
		o.log.WarnContext(ctx, "version conflict, re-evaluating saga",
			"correlation_id", id, "wait", wait, "error", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.opts.RetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(policy, o.opts.MaxConflictRetries), ctx)

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, sagastate.ErrConflict) {
			err = fmt.Errorf("%w: saga %s: %w", ErrTransient, id, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.opts.Metrics.Event("error")
		return Result{CorrelationID: id}, err
	}

	span.SetAttributes(attribute.String("saga.outcome", string(res.Outcome)))
	o.opts.Metrics.Event(string(res.Outcome))
	return res, nil
}

// transition runs one read-modify-write cycle while holding the saga's lock.
func (o *Orchestrator) transition(ctx context.Context, id uuid.UUID, data *string) (Result, error) {
	release, err := o.opts.Locker.Lock(ctx, id.String())
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: lock saga %s: %w", id, err)
	}
	defer release()

	inst, existed, err := o.repo.LoadOrCreate(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: load saga %s: %w", id, err)
	}

	if inst.State.Terminal() {
		o.log.InfoContext(ctx, "duplicate event for finished saga, discarding",
			"correlation_id", id, "state", inst.State)
		return Result{
			CorrelationID: id,
			Outcome:       OutcomeDuplicate,
			State:         inst.State,
			Error:         inst.ErrorString(),
		}, nil
	}

	switch inst.State {
	case sagastate.StateInitial:
		// New, or inserted by an attempt that died before advancing it.
		inst.Data = data
		if err := o.apply(ctx, inst, TriggerReceived, ""); err != nil {
			return Result{}, err
		}
		o.log.InfoContext(ctx, "received message", "correlation_id", id, "existed", existed)
	case sagastate.StateProcessing:
		o.log.WarnContext(ctx, "redelivered while processing, re-running step",
			"correlation_id", id, "version", inst.Version)
	}

	started := time.Now()
	stepErr := o.step.Execute(ctx, inst.DataString())
	o.opts.Metrics.StepDuration(time.Since(started))

	switch {
	case stepErr == nil:
		if err := o.apply(ctx, inst, TriggerStepSucceeded, ""); err != nil {
			return Result{}, err
		}
		o.log.InfoContext(ctx, "processing completed", "correlation_id", id)
		o.publish(ctx, Event{CorrelationID: id})
		return Result{CorrelationID: id, Outcome: OutcomeCompleted, State: inst.State}, nil

	case IsDomainError(stepErr):
		reason := failureReason(stepErr)
		if err := o.apply(ctx, inst, TriggerStepFailed, reason); err != nil {
			return Result{}, err
		}
		o.log.WarnContext(ctx, "processing failed", "correlation_id", id, "error", reason)
		o.publish(ctx, Event{CorrelationID: id, Error: reason})
		return Result{CorrelationID: id, Outcome: OutcomeFailed, State: inst.State, Error: reason}, nil

	default:
		return Result{}, fmt.Errorf("coordinator: step %s for saga %s: %w", o.step.Name(), id, stepErr)
	}
}

// apply looks up the transition, persists it and, on success, updates inst
// in place. Finalizing transitions delete the row.
func (o *Orchestrator) apply(ctx context.Context, inst *sagastate.Instance, t Trigger, reason string) error {
	row, err := lookup(inst.State, t)
	if err != nil {
		return err
	}

	from := inst.State
	next := inst.Clone()
	row.action(next, reason)
	next.State = row.next

	if row.finalize {
		err = o.repo.Delete(ctx, inst.CorrelationID)
		if errors.Is(err, sagastate.ErrNotFound) {
			o.log.WarnContext(ctx, "saga already finalized", "correlation_id", inst.CorrelationID)
			err = nil
		}
	} else {
		err = o.repo.Save(ctx, next, inst.Version)
	}
	if err != nil {
		return fmt.Errorf("coordinator: %s -> %s for saga %s: %w", from, next.State, inst.CorrelationID, err)
	}

	*inst = *next
	o.opts.Metrics.Transition(from.String(), next.State.String())
	o.record(ctx, from, inst)
	return nil
}

// record appends to the audit log. The transition is already committed, so
// a failure is only logged.
func (o *Orchestrator) record(ctx context.Context, from sagastate.State, inst *sagastate.Instance) {
	if o.opts.Log == nil {
		return
	}
	entry := sagalog.NewEntry(ctx, inst.CorrelationID, from, inst.State, o.step.Name(), inst.ErrorString())
	if err := o.opts.Log.Append(ctx, entry); err != nil {
		o.log.WarnContext(ctx, "failed to append saga log",
			"correlation_id", inst.CorrelationID, "error", err)
	}
}

// publish runs after the terminal state is committed. A failure is logged
// and counted; the transition itself stands.
func (o *Orchestrator) publish(ctx context.Context, ev Event) {
	if o.opts.Publisher == nil {
		return
	}
	if err := o.opts.Publisher.Publish(ctx, ev); err != nil {
		o.opts.Metrics.PublishFailure()
		o.log.ErrorContext(ctx, "failed to publish terminal event",
			"correlation_id", ev.CorrelationID, "error", err)
	}
}

// Status returns the stored outcome of a saga. sagastate.ErrNotFound means it
// completed (successes are not retained) or was never seen.
func (o *Orchestrator) Status(ctx context.Context, id uuid.UUID) (*sagastate.Instance, error) {
	return o.repo.Get(ctx, id)
}
