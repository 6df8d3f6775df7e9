package listener

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func msgAt(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "t", Partition: partition, Offset: offset}
}

func TestOffsetTracker_ContiguousWatermark(t *testing.T) {
	tr := newOffsetTracker()
	for _, off := range []int64{10, 11, 12} {
		tr.Track(msgAt(0, off))
	}

	_, ok := tr.Done(msgAt(0, 11))
	assert.False(t, ok, "11 cannot be committed while 10 is pending")

	commit, ok := tr.Done(msgAt(0, 10))
	assert.True(t, ok)
	assert.Equal(t, int64(11), commit.Offset, "watermark jumps over everything already done")

	commit, ok = tr.Done(msgAt(0, 12))
	assert.True(t, ok)
	assert.Equal(t, int64(12), commit.Offset)
	assert.Equal(t, 0, tr.Pending())
}

func TestOffsetTracker_PartitionsAreIndependent(t *testing.T) {
	tr := newOffsetTracker()
	tr.Track(msgAt(0, 1))
	tr.Track(msgAt(1, 1))

	commit, ok := tr.Done(msgAt(1, 1))
	assert.True(t, ok)
	assert.Equal(t, 1, commit.Partition)
	assert.Equal(t, 1, tr.Pending())
}

func TestOffsetTracker_ResetsAfterRewind(t *testing.T) {
	tr := newOffsetTracker()
	tr.Track(msgAt(0, 5))
	tr.Track(msgAt(0, 6))

	// Rebalance: the partition is re-read from 5.
	tr.Track(msgAt(0, 5))
	assert.Equal(t, 1, tr.Pending())

	commit, ok := tr.Done(msgAt(0, 5))
	assert.True(t, ok)
	assert.Equal(t, int64(5), commit.Offset)
}

func TestOffsetTracker_UnknownPartition(t *testing.T) {
	_, ok := newOffsetTracker().Done(msgAt(9, 1))
	assert.False(t, ok)
}
