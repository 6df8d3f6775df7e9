package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate/memory"
	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate/sqlite"
	"github.com/jcmexdev/message-sagas/internal/pkg/config"
	"github.com/jcmexdev/message-sagas/internal/pkg/lock"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "saga-listener", cmd.Use)

	for _, name := range []string{"serve", "derive"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

func TestDeriveCommand(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"derive", "ABC123"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "bbf2dead-3746-54cb-b32a-917afd236656\n", out.String())
}

func TestDeriveCommand_NeedsOneArg(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"derive"})
	assert.Error(t, cmd.Execute())
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	t.Setenv("SAGA_KAFKA_TOPIC", "env-topic")
	t.Setenv("SAGA_KAFKA_BROKERS", "env:9092")

	root := NewRootCommand()
	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags([]string{"--topic", "flag-topic", "--store", "memory", "--workers", "3"}))

	opts := &ServeOptions{RootOptions: &RootOptions{}}
	opts.Topic = "flag-topic"
	opts.StoreDriver = "memory"
	opts.Workers = 3

	cfg, err := loadConfig(opts, serve)
	require.NoError(t, err)
	assert.Equal(t, "flag-topic", cfg.Kafka.Topic)
	assert.Equal(t, []string{"env:9092"}, cfg.Kafka.Brokers, "unset flags keep env values")
	assert.Equal(t, config.StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Kafka.Workers)
}

func TestLoadConfig_Invalid(t *testing.T) {
	root := NewRootCommand()
	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)

	_, err = loadConfig(&ServeOptions{RootOptions: &RootOptions{}}, serve)
	assert.ErrorContains(t, err, "kafka.brokers is required")
}

func TestClosers_ReverseOrder(t *testing.T) {
	var order []int
	var c closers
	c.add(func() error { order = append(order, 1); return nil })
	c.add(func() error { order = append(order, 2); return errors.New("two") })
	c.add(func() error { order = append(order, 3); return nil })

	assert.ErrorContains(t, c.Close(), "two")
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, err := openStore(ctx, &config.Config{Store: config.Store{Driver: config.StoreMemory}})
	require.NoError(t, err)
	assert.IsType(t, &memory.Repository{}, store)

	path := filepath.Join(t.TempDir(), "sagas.db")
	store, err = openStore(ctx, &config.Config{Store: config.Store{Driver: config.StoreSQLite, Path: path}})
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Repository{}, store)
	require.NoError(t, store.Close())

	_, err = openStore(ctx, &config.Config{Store: config.Store{Driver: "cassandra"}})
	assert.Error(t, err)
}

func TestNewLocker(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	l, closeFn, err := newLocker(ctx, &config.Config{Lock: config.Lock{Driver: config.LockLocal}}, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &lock.Local{}, l)
	assert.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	l, closeFn, err = newLocker(ctx, &config.Config{
		ServiceName: "saga-listener",
		Lock:        config.Lock{Driver: config.LockRedis, RedisAddr: mr.Addr()},
	}, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &lock.Redis{}, l)
	release, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	release()
	assert.NoError(t, closeFn())

	_, _, err = newLocker(ctx, &config.Config{Lock: config.Lock{Driver: config.LockPostgres}}, memory.NewRepository(), logger)
	assert.ErrorContains(t, err, "postgres lock needs the postgres store")
}
