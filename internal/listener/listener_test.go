package listener

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/message-sagas/internal/coordinator"
	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"
	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate/memory"
)

// fakeReader serves queued messages, then blocks until ctx is cancelled.
type fakeReader struct {
	msgs chan kafka.Message

	mu      sync.Mutex
	commits []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs)+16)}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.commits))
	for _, m := range r.commits {
		out = append(out, m.Offset)
	}
	return out
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (p *fakeProducer) Produce(_ context.Context, key, value []byte, headers ...kafka.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, kafka.Message{Key: key, Value: value, Headers: headers})
	return nil
}

func (p *fakeProducer) Messages() []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Message(nil), p.msgs...)
}

type handlerFunc func(ctx context.Context, env coordinator.Envelope) (coordinator.Result, error)

func (f handlerFunc) Handle(ctx context.Context, env coordinator.Envelope) (coordinator.Result, error) {
	return f(ctx, env)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func inbound(offset int64, businessID, data string) kafka.Message {
	body, _ := json.Marshal(map[string]string{"businessId": businessID, "data": data})
	return kafka.Message{Topic: "messages", Partition: 0, Offset: offset, Value: body}
}

// runUntil starts l and returns a stop function that cancels and waits.
func runUntil(t *testing.T, l *Listener) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("listener did not stop")
		}
	}
}

func TestListener_EndToEnd(t *testing.T) {
	repo := memory.NewRepository()
	out := &fakeProducer{}
	orch := coordinator.NewOrchestrator(repo, coordinator.NewValidateStep(0), coordinator.Options{
		Publisher: NewEventPublisher(out),
		Logger:    quietLogger(),
	})

	reader := newFakeReader(
		inbound(0, "OK-1", "ok"),
		inbound(1, "BAD-1", ""),
		inbound(2, "BAD-1", ""),
	)
	l := New(reader, orch, Config{Workers: 4, Logger: quietLogger()})
	stop := runUntil(t, l)

	require.Eventually(t, func() bool {
		offs := reader.committedOffsets()
		return len(offs) > 0 && offs[len(offs)-1] == 2
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	_, err := repo.Get(context.Background(), coordinator.DeriveCorrelationID("OK-1"))
	assert.ErrorIs(t, err, sagastate.ErrNotFound)

	failed, err := repo.Get(context.Background(), coordinator.DeriveCorrelationID("BAD-1"))
	require.NoError(t, err)
	assert.Equal(t, sagastate.StateFailed, failed.State)
	assert.Equal(t, 1, repo.Len())

	events := map[string]coordinator.Event{}
	for _, m := range out.Messages() {
		var ev coordinator.Event
		require.NoError(t, json.Unmarshal(m.Value, &ev))
		assert.Equal(t, ev.CorrelationID.String(), string(m.Key))
		events[ev.CorrelationID.String()] = ev
	}
	assert.Len(t, out.Messages(), 2, "one event per terminal transition")
	assert.Equal(t, "", events[coordinator.DeriveCorrelationID("OK-1").String()].Error)
	assert.Equal(t, "invalid data", events[coordinator.DeriveCorrelationID("BAD-1").String()].Error)
}

func TestListener_MalformedGoesToDeadLetter(t *testing.T) {
	dlq := &fakeProducer{}
	reader := newFakeReader(
		kafka.Message{Topic: "messages", Partition: 3, Offset: 7, Key: []byte("k"), Value: []byte(`{not json`)},
	)
	handler := handlerFunc(func(context.Context, coordinator.Envelope) (coordinator.Result, error) {
		t.Error("malformed message reached the orchestrator")
		return coordinator.Result{}, nil
	})
	l := New(reader, handler, Config{DeadLetter: dlq, Logger: quietLogger()})
	stop := runUntil(t, l)

	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	msgs := dlq.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, `{not json`, string(msgs[0].Value))
	headers := map[string]string{}
	for _, h := range msgs[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "messages", headers[HeaderDeadLetterTopic])
	assert.Equal(t, "3", headers[HeaderDeadLetterPartition])
	assert.Equal(t, "7", headers[HeaderDeadLetterOffset])
	assert.NotEmpty(t, headers[HeaderDeadLetterReason])
}

func TestListener_CommitWaitsForEarlierOffsets(t *testing.T) {
	release := make(chan struct{})
	handler := handlerFunc(func(_ context.Context, env coordinator.Envelope) (coordinator.Result, error) {
		if env.BusinessID == "slow" {
			<-release
		}
		return coordinator.Result{Outcome: coordinator.OutcomeCompleted}, nil
	})

	reader := newFakeReader(inbound(0, "slow", "ok"), inbound(1, "quick", "ok"))
	// Pick two ids on different shards so the quick one really overtakes.
	require.NotEqual(t,
		shardFor(coordinator.DeriveCorrelationID("slow").String(), 2),
		shardFor(coordinator.DeriveCorrelationID("quick").String(), 2),
	)
	l := New(reader, handler, Config{Workers: 2, Logger: quietLogger()})
	stop := runUntil(t, l)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, reader.committedOffsets(), "offset 1 must not be committed past unhandled offset 0")

	close(release)
	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1}, reader.committedOffsets())
	stop()
}

func TestListener_FailedEventStopsListener(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	handler := handlerFunc(func(_ context.Context, env coordinator.Envelope) (coordinator.Result, error) {
		if env.BusinessID == "broken" {
			mu.Lock()
			attempts++
			mu.Unlock()
			return coordinator.Result{}, errors.New("store unavailable")
		}
		return coordinator.Result{}, nil
	})
	reader := newFakeReader(inbound(0, "fine", "ok"), inbound(1, "broken", "ok"), inbound(2, "fine-2", "ok"))
	l := New(reader, handler, Config{
		Workers:       1,
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
		Logger:        quietLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnacknowledged)
	case <-time.After(5 * time.Second):
		t.Fatal("listener kept running after an unacknowledged event")
	}

	assert.Equal(t, []int64{0}, reader.committedOffsets())
	mu.Lock()
	assert.Equal(t, 3, attempts, "one attempt plus two retries")
	mu.Unlock()
}

func TestListener_RetriesTransientFailure(t *testing.T) {
	var mu sync.Mutex
	failures := 1
	handler := handlerFunc(func(context.Context, coordinator.Envelope) (coordinator.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return coordinator.Result{}, errors.New("lock busy")
		}
		return coordinator.Result{}, nil
	})
	reader := newFakeReader(inbound(0, "flaky", "ok"))
	l := New(reader, handler, Config{RetryInterval: time.Millisecond, Logger: quietLogger()})
	stop := runUntil(t, l)

	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, []int64{0}, reader.committedOffsets())
}

// failingReader fails every fetch until ctx is cancelled.
type failingReader struct {
	fakeReader
	mu    sync.Mutex
	calls int
}

func (r *failingReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{}, errors.New("broker unreachable")
}

func (r *failingReader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestListener_FetchErrorsBackOff(t *testing.T) {
	reader := &failingReader{}
	l := New(reader, handlerFunc(func(context.Context, coordinator.Envelope) (coordinator.Result, error) {
		return coordinator.Result{}, nil
	}), Config{RetryInterval: 20 * time.Millisecond, Logger: quietLogger()})
	stop := runUntil(t, l)

	time.Sleep(150 * time.Millisecond)
	stop()

	assert.GreaterOrEqual(t, reader.Calls(), 2)
	assert.LessOrEqual(t, reader.Calls(), 15, "fetch errors must not be retried in a tight loop")
}

func TestListener_ShutdownDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	var handledCtxErr error
	handler := handlerFunc(func(ctx context.Context, _ coordinator.Envelope) (coordinator.Result, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		handledCtxErr = ctx.Err()
		return coordinator.Result{}, nil
	})
	reader := newFakeReader(inbound(0, "inflight", "ok"))
	l := New(reader, handler, Config{Logger: quietLogger()})
	stop := runUntil(t, l)

	<-started
	stop()

	assert.NoError(t, handledCtxErr, "in-flight handling must not see shutdown cancellation")
	assert.Equal(t, []int64{0}, reader.committedOffsets())
}

func TestEventPublisher_Encodes(t *testing.T) {
	out := &fakeProducer{}
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	require.NoError(t, NewEventPublisher(out).Publish(context.Background(), coordinator.Event{CorrelationID: id}))
	require.NoError(t, NewEventPublisher(out).Publish(context.Background(), coordinator.Event{CorrelationID: id, Error: "invalid data"}))

	msgs := out.Messages()
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"correlationId":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`, string(msgs[0].Value))
	assert.JSONEq(t, `{"correlationId":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","error":"invalid data"}`, string(msgs[1].Value))
	assert.Equal(t, id.String(), string(msgs[0].Key))
}

func TestShardFor_Stable(t *testing.T) {
	key := coordinator.DeriveCorrelationID("ABC123").String()
	first := shardFor(key, 8)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, shardFor(key, 8))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 8)
}
