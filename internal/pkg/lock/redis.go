package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is logged when a release finds the key owned by someone else,
// which means the TTL expired while the transition was still running.
var ErrNotHeld = errors.New("lock: key no longer held")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures a Redis locker.
type RedisOptions struct {
	// TTL bounds how long a crashed holder can keep a key. Default 30s.
	TTL time.Duration
	// RetryInterval is the pause between acquisition attempts. Default 25ms.
	RetryInterval time.Duration
	// OnReleaseError receives release failures. Optional.
	OnReleaseError func(key string, err error)
}

// Redis is a Locker shared by every listener process pointing at the same
// Redis, using SET NX PX with a random token per holder.
type Redis struct {
	client      redis.UniversalClient
	serviceName string
	opts        RedisOptions
}

// NewRedis builds a locker on an existing client. Keys are prefixed with
// serviceName so several deployments can share one Redis.
func NewRedis(client redis.UniversalClient, serviceName string, opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 25 * time.Millisecond
	}
	return &Redis{client: client, serviceName: serviceName, opts: opts}
}

// NewRedisAddr is a convenience constructor that dials addr.
func NewRedisAddr(addr, serviceName string, opts RedisOptions) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{Addr: addr}), serviceName, opts)
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.GenerateKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(r.opts.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", k, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		n, err := releaseScript.Run(context.Background(), r.client, []string{k}, token).Int()
		if err == nil && n == 0 {
			err = ErrNotHeld
		}
		if err != nil && r.opts.OnReleaseError != nil {
			r.opts.OnReleaseError(k, err)
		}
	}, nil
}

func (r *Redis) GenerateKey(key string) string {
	return fmt.Sprintf("%s:lock:%s", r.serviceName, key)
}

// Ping checks connectivity at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
