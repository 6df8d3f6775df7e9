// Package listener bridges the inbound Kafka topic to the saga orchestrator.
//
// Messages are decoded, sharded by correlation id over a fixed set of
// workers and handed to the orchestrator. An offset is committed only once
// every earlier message of its partition has been handled, so a crash or a
// failed transition leads to redelivery instead of loss. An event that keeps
// failing after its retries stops the listener: Run returns
// ErrUnacknowledged and the uncommitted tail is redelivered to whichever
// member picks the partition up next.
package listener

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/jcmexdev/message-sagas/internal/coordinator"
	"github.com/jcmexdev/message-sagas/internal/pkg/broker"
	"github.com/jcmexdev/message-sagas/internal/pkg/telemetry"
)

// Dead-letter headers describing where a rejected message came from.
const (
	HeaderDeadLetterReason    = "x-dead-letter-reason"
	HeaderDeadLetterTopic     = "x-dead-letter-topic"
	HeaderDeadLetterPartition = "x-dead-letter-partition"
	HeaderDeadLetterOffset    = "x-dead-letter-offset"
)

// ErrUnacknowledged is returned by Run when an event still failed after all
// of its retries.
var ErrUnacknowledged = errors.New("listener: event not acknowledged")

// Handler is the orchestrator as seen by the listener.
type Handler interface {
	Handle(ctx context.Context, env coordinator.Envelope) (coordinator.Result, error)
}

// Config tunes a Listener. The zero value is usable.
type Config struct {
	// Workers is the number of shards. Events of one correlation id always
	// land on the same shard. Default 8.
	Workers int
	// QueueSize is the buffer of each shard. Default 64.
	QueueSize int
	// MaxRetries bounds how often a failed event is handled again before
	// the listener gives up. Default 3.
	MaxRetries uint64
	// RetryInterval is the first pause between retries of a failed event
	// and between failed fetches. Default 100ms.
	RetryInterval time.Duration
	// Limiter throttles ingestion when set.
	Limiter *rate.Limiter
	// DeadLetter receives malformed messages when set; otherwise they are
	// only logged.
	DeadLetter producer
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

func (c Config) applyDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type job struct {
	msg kafka.Message
	env coordinator.Envelope
}

// Listener consumes the inbound topic until its context is cancelled.
type Listener struct {
	reader  broker.Reader
	handler Handler
	cfg     Config
	log     *slog.Logger
	offsets *offsetTracker

	// commitMu keeps commits of one partition in increasing order.
	commitMu sync.Mutex

	failMu    sync.Mutex
	failErr   error
	stopFetch context.CancelFunc
}

func New(reader broker.Reader, handler Handler, cfg Config) *Listener {
	cfg = cfg.applyDefaults()
	return &Listener{
		reader:  reader,
		handler: handler,
		cfg:     cfg,
		log:     cfg.Logger,
		offsets: newOffsetTracker(),
	}
}

// Run fetches until ctx is cancelled or the reader is closed. Queued and
// in-flight events are drained on a context detached from ctx before Run
// returns, so no transition is cut in half by shutdown.
func (l *Listener) Run(ctx context.Context) error {
	drainCtx := context.WithoutCancel(ctx)
	fetchCtx, stopFetch := context.WithCancel(ctx)
	defer stopFetch()
	l.stopFetch = stopFetch

	shards := make([]chan job, l.cfg.Workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan job, l.cfg.QueueSize)
		wg.Add(1)
		go func(jobs <-chan job) {
			defer wg.Done()
			l.work(drainCtx, jobs)
		}(shards[i])
	}

	err := l.fetch(fetchCtx, shards)

	for _, s := range shards {
		close(s)
	}
	wg.Wait()

	l.log.InfoContext(drainCtx, "listener drained", "uncommitted", l.offsets.Pending())
	if failErr := l.failure(); failErr != nil {
		return failErr
	}
	return err
}

func (l *Listener) fetch(ctx context.Context, shards []chan job) error {
	pause := backoff.NewExponentialBackOff()
	pause.InitialInterval = l.cfg.RetryInterval
	pause.MaxInterval = 5 * time.Second
	pause.MaxElapsedTime = 0
	pause.Reset()

	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			wait := pause.NextBackOff()
			l.log.ErrorContext(ctx, "failed to fetch message", "error", err, "retry_in", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		pause.Reset()
		l.offsets.Track(msg)

		if l.cfg.Limiter != nil {
			if err := l.cfg.Limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		env, err := coordinator.DecodeEnvelope(msg.Value)
		if err != nil {
			l.reject(ctx, msg, err)
			continue
		}
		key, _ := env.Key()

		select {
		case shards[shardFor(key.String(), len(shards))] <- job{msg: msg, env: env}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Listener) work(ctx context.Context, jobs <-chan job) {
	for j := range jobs {
		if l.failure() != nil {
			// Left uncommitted; redelivered after the restart.
			continue
		}
		hctx := broker.Extract(ctx, &j.msg)
		res, err := l.handle(hctx, j)
		if err != nil {
			l.log.ErrorContext(hctx, "event not acknowledged, stopping listener",
				"topic", j.msg.Topic,
				"partition", j.msg.Partition,
				"offset", j.msg.Offset,
				"error", err,
			)
			l.fail(fmt.Errorf("%w: %s/%d@%d: %w", ErrUnacknowledged,
				j.msg.Topic, j.msg.Partition, j.msg.Offset, err))
			continue
		}
		l.log.DebugContext(hctx, "event handled",
			"correlation_id", res.CorrelationID, "outcome", res.Outcome)
		l.complete(ctx, j.msg)
	}
}

// handle runs the handler, retrying failures a bounded number of times.
func (l *Listener) handle(ctx context.Context, j job) (coordinator.Result, error) {
	var res coordinator.Result
	op := func() error {
		r, err := l.handler.Handle(ctx, j.env)
		if err != nil {
			return err
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.log.WarnContext(ctx, "retrying event",
			"partition", j.msg.Partition,
			"offset", j.msg.Offset,
			"wait", wait,
			"error", err,
		)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.cfg.RetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(policy, l.cfg.MaxRetries), ctx)
	err := backoff.RetryNotify(op, b, notify)
	return res, err
}

// fail records the first unrecoverable error and stops fetching.
func (l *Listener) fail(err error) {
	l.failMu.Lock()
	defer l.failMu.Unlock()
	if l.failErr == nil {
		l.failErr = err
		l.stopFetch()
	}
}

func (l *Listener) failure() error {
	l.failMu.Lock()
	defer l.failMu.Unlock()
	return l.failErr
}

// reject reports a message that can never be handled and lets its offset go.
func (l *Listener) reject(ctx context.Context, msg kafka.Message, reason error) {
	l.cfg.Metrics.Malformed()
	l.log.WarnContext(ctx, "malformed message",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"error", reason,
	)

	if l.cfg.DeadLetter != nil {
		headers := []kafka.Header{
			{Key: HeaderDeadLetterReason, Value: []byte(reason.Error())},
			{Key: HeaderDeadLetterTopic, Value: []byte(msg.Topic)},
			{Key: HeaderDeadLetterPartition, Value: []byte(strconv.Itoa(msg.Partition))},
			{Key: HeaderDeadLetterOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		}
		if err := l.cfg.DeadLetter.Produce(ctx, msg.Key, msg.Value, headers...); err != nil {
			l.log.ErrorContext(ctx, "failed to dead-letter message", "offset", msg.Offset, "error", err)
		} else {
			l.cfg.Metrics.DeadLetter()
		}
	}

	l.complete(ctx, msg)
}

// complete marks msg handled and commits the partition watermark if it moved.
func (l *Listener) complete(ctx context.Context, msg kafka.Message) {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	commit, ok := l.offsets.Done(msg)
	if !ok {
		return
	}
	if err := l.reader.CommitMessages(context.WithoutCancel(ctx), commit); err != nil {
		l.log.ErrorContext(ctx, "failed to commit offset",
			"topic", commit.Topic,
			"partition", commit.Partition,
			"offset", commit.Offset,
			"error", err,
		)
	}
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
