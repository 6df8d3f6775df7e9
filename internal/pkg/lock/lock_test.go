package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseMutualExclusion runs many goroutines on one key and checks that
// never more than one holds it.
func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(context.Background(), "same")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestLocal_MutualExclusion(t *testing.T) {
	l := NewLocal()
	exerciseMutualExclusion(t, l)
	assert.Equal(t, 0, l.held())
}

func TestLocal_DistinctKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	releaseA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	releaseB()
}

func TestLocal_WaitHonoursContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	assert.Equal(t, 0, l.held())
}

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedis(client, "test", RedisOptions{RetryInterval: time.Millisecond})
}

func TestRedis_MutualExclusion(t *testing.T) {
	_, l := newMiniRedis(t)
	exerciseMutualExclusion(t, l)
}

func TestRedis_ReleaseDeletesKey(t *testing.T) {
	mr, l := newMiniRedis(t)

	release, err := l.Lock(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:saga-1"))

	release()
	assert.False(t, mr.Exists("test:lock:saga-1"))
}

func TestRedis_ReleaseAfterExpiryDoesNotStealKey(t *testing.T) {
	mr, l := newMiniRedis(t)
	var releaseErr error
	l.opts.OnReleaseError = func(_ string, err error) { releaseErr = err }

	release, err := l.Lock(context.Background(), "saga-2")
	require.NoError(t, err)

	// Another holder took over after the TTL expired.
	mr.FastForward(time.Minute)
	require.NoError(t, mr.Set("test:lock:saga-2", "someone-else"))

	release()
	assert.ErrorIs(t, releaseErr, ErrNotHeld)
	got, err := mr.Get("test:lock:saga-2")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedis_WaitHonoursContext(t *testing.T) {
	_, l := newMiniRedis(t)
	release, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
