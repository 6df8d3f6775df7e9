package listener

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

type partitionKey struct {
	topic     string
	partition int
}

// partitionQueue holds fetched messages of one partition in fetch order.
type partitionQueue struct {
	queue []kafka.Message
	done  map[int64]bool
}

// offsetTracker decides which offset may be committed per partition.
// Messages finish out of order across worker shards; only the highest
// offset below which everything is done is ever returned.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[partitionKey]*partitionQueue
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[partitionKey]*partitionQueue)}
}

// Track registers a fetched message as pending.
func (t *offsetTracker) Track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := partitionKey{msg.Topic, msg.Partition}
	q, ok := t.parts[k]
	if !ok {
		q = &partitionQueue{done: make(map[int64]bool)}
		t.parts[k] = q
	}
	if n := len(q.queue); n > 0 && msg.Offset <= q.queue[n-1].Offset {
		// The group rebalanced and the partition is being re-read from its
		// committed offset; whatever we tracked before is stale.
		q.queue = q.queue[:0]
		q.done = make(map[int64]bool)
	}
	q.queue = append(q.queue, msg)
}

// Done marks msg handled. It returns the message to commit, if the
// partition's watermark moved.
func (t *offsetTracker) Done(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.parts[partitionKey{msg.Topic, msg.Partition}]
	if !ok {
		return kafka.Message{}, false
	}
	q.done[msg.Offset] = true

	var (
		commit kafka.Message
		moved  bool
	)
	for len(q.queue) > 0 && q.done[q.queue[0].Offset] {
		commit = q.queue[0]
		delete(q.done, commit.Offset)
		q.queue = q.queue[1:]
		moved = true
	}
	return commit, moved
}

// Pending returns the number of tracked messages not yet committable.
func (t *offsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, q := range t.parts {
		n += len(q.queue)
	}
	return n
}
