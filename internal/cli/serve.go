package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jcmexdev/message-sagas/internal/admin/grpcx"
	"github.com/jcmexdev/message-sagas/internal/admin/httpx"
	"github.com/jcmexdev/message-sagas/internal/coordinator"
	"github.com/jcmexdev/message-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/message-sagas/internal/listener"
	"github.com/jcmexdev/message-sagas/internal/pkg/broker"
	"github.com/jcmexdev/message-sagas/internal/pkg/config"
	"github.com/jcmexdev/message-sagas/internal/pkg/telemetry"
)

// ServeOptions holds flags for the serve command. Flags left unset keep the
// value from the config file or environment.
type ServeOptions struct {
	*RootOptions
	Brokers     []string
	Topic       string
	GroupID     string
	Workers     int
	StoreDriver string
	StorePath   string
	StoreDSN    string
	LockDriver  string
	HTTPAddr    string
	GRPCAddr    string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume the inbound topic until interrupted",
		Long: `Consume the inbound topic until SIGINT or SIGTERM.

On shutdown the listener stops fetching, finishes every queued event,
commits what it can and only then stops the admin servers.

Example:
  saga-listener serve --brokers localhost:9092 --topic messages`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.Brokers, "brokers", nil, "Kafka broker addresses")
	f.StringVar(&opts.Topic, "topic", "", "inbound topic")
	f.StringVar(&opts.GroupID, "group", "", "consumer group id")
	f.IntVar(&opts.Workers, "workers", 0, "number of worker shards")
	f.StringVar(&opts.StoreDriver, "store", "", "saga store (memory|sqlite|postgres)")
	f.StringVar(&opts.StorePath, "db", "", "SQLite database path")
	f.StringVar(&opts.StoreDSN, "dsn", "", "Postgres connection string")
	f.StringVar(&opts.LockDriver, "lock", "", "saga lock (local|redis|postgres)")
	f.StringVar(&opts.HTTPAddr, "http-addr", "", "HTTP admin listen address")
	f.StringVar(&opts.GRPCAddr, "grpc-addr", "", "gRPC health listen address")

	return cmd
}

func loadConfig(opts *ServeOptions, cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if f.Changed("brokers") {
		cfg.Kafka.Brokers = opts.Brokers
	}
	if f.Changed("topic") {
		cfg.Kafka.Topic = opts.Topic
	}
	if f.Changed("group") {
		cfg.Kafka.GroupID = opts.GroupID
	}
	if f.Changed("workers") {
		cfg.Kafka.Workers = opts.Workers
	}
	if f.Changed("store") {
		cfg.Store.Driver = opts.StoreDriver
	}
	if f.Changed("db") {
		cfg.Store.Path = opts.StorePath
	}
	if f.Changed("dsn") {
		cfg.Store.DSN = opts.StoreDSN
	}
	if f.Changed("lock") {
		cfg.Lock.Driver = opts.LockDriver
	}
	if f.Changed("http-addr") {
		cfg.Admin.HTTPAddr = opts.HTTPAddr
	}
	if f.Changed("grpc-addr") {
		cfg.Admin.GRPCAddr = opts.GRPCAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.InitLogger(cfg.LogLevel)

	var open closers
	defer func() {
		if err := open.Close(); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	shutdownTracer, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return fmt.Errorf("initialise tracer: %w", err)
	}
	open.add(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracer(shutdownCtx)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	open.add(store.Close)

	locker, closeLocker, err := newLocker(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	open.add(closeLocker)

	reader, err := broker.NewReader(broker.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.GroupID,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	open.add(reader.Close)

	var publisher coordinator.Publisher
	if cfg.Kafka.EventsTopic != "" {
		events := broker.NewProducer(broker.NewWriter(broker.WriterConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.EventsTopic,
		}))
		open.add(events.Close)
		publisher = listener.NewEventPublisher(events)
	}

	lcfg := listener.Config{
		Workers:   cfg.Kafka.Workers,
		QueueSize: cfg.Kafka.QueueSize,
		Logger:    logger,
		Metrics:   metrics,
	}
	if cfg.Kafka.DeadLetterTopic != "" {
		dlq := broker.NewProducer(broker.NewWriter(broker.WriterConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.DeadLetterTopic,
		}))
		open.add(dlq.Close)
		lcfg.DeadLetter = dlq
	}
	if cfg.Kafka.RateLimit > 0 {
		lcfg.Limiter = rate.NewLimiter(rate.Limit(cfg.Kafka.RateLimit), max(1, int(cfg.Kafka.RateLimit)))
	}

	// Durable stores double as the transition audit log.
	auditLog, _ := store.(sagalog.Repository)

	orch := coordinator.NewOrchestrator(store, coordinator.NewValidateStep(cfg.Saga.StepLatency), coordinator.Options{
		Locker:             locker,
		Publisher:          publisher,
		Log:                auditLog,
		Logger:             logger,
		Metrics:            metrics,
		MaxConflictRetries: cfg.Saga.MaxConflictRetries,
		RetryInterval:      cfg.Saga.RetryInterval,
	})
	lst := listener.New(reader, orch, lcfg)

	var ready atomic.Bool
	httpSrv := &http.Server{
		Addr:              cfg.Admin.HTTPAddr,
		Handler:           httpx.NewRouter(httpx.NewHandler(orch, ready.Load, logger), reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcSrv := grpcx.NewServer(logger)
	grpcLis, err := net.Listen("tcp", cfg.Admin.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Admin.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http admin server running", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http admin: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc admin: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ready.Store(true)
		grpcSrv.SetServing(true)
		// Report draining as soon as shutdown starts, not once it is done.
		stopReady := context.AfterFunc(gctx, func() {
			ready.Store(false)
			grpcSrv.SetServing(false)
		})
		defer stopReady()

		logger.InfoContext(gctx, "saga listener consuming",
			"topic", cfg.Kafka.Topic, "group_id", cfg.Kafka.GroupID,
			"store", cfg.Store.Driver, "lock", cfg.Lock.Driver)
		runErr := lst.Run(gctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
		defer cancel()
		grpcSrv.Stop(shutdownCtx)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("http shutdown: %w", err))
		}
		return runErr
	})

	err = g.Wait()
	logger.Info("saga listener stopped")
	return err
}
