// Package config loads the saga listener settings.
//
// Values come from an optional YAML file, then SAGA_* environment variables,
// then defaults for whatever is still empty.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Lock backends.
const (
	LockLocal    = "local"
	LockRedis    = "redis"
	LockPostgres = "postgres"
)

type Config struct {
	ServiceName string `yaml:"service_name"`
	LogLevel    string `yaml:"log_level"`

	Kafka   Kafka   `yaml:"kafka"`
	Store   Store   `yaml:"store"`
	Lock    Lock    `yaml:"lock"`
	Saga    Saga    `yaml:"saga"`
	Admin   Admin   `yaml:"admin"`
	Tracing Tracing `yaml:"tracing"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
	// EventsTopic receives terminal events. Empty disables publishing.
	EventsTopic string `yaml:"events_topic"`
	// DeadLetterTopic receives malformed messages. Empty only logs them.
	DeadLetterTopic string `yaml:"dead_letter_topic"`
	Workers         int    `yaml:"workers"`
	QueueSize       int    `yaml:"queue_size"`
	// RateLimit caps fetched messages per second. Zero is unlimited.
	RateLimit float64 `yaml:"rate_limit"`
}

type Store struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
}

type Lock struct {
	Driver    string        `yaml:"driver"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type Saga struct {
	// StepLatency is simulated work added to the processing step. Zero
	// disables it.
	StepLatency        time.Duration `yaml:"step_latency"`
	MaxConflictRetries uint64        `yaml:"max_conflict_retries"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
}

type Admin struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	// ShutdownTimeout bounds how long servers and the drain may take.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Tracing struct {
	Endpoint    string `yaml:"endpoint"`
	Environment string `yaml:"environment"`
}

// Load reads path (skipped when empty), applies environment overrides and
// fills defaults. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ServiceName = getEnv("SAGA_SERVICE_NAME", c.ServiceName)
	c.LogLevel = getEnv("SAGA_LOG_LEVEL", c.LogLevel)

	if v := os.Getenv("SAGA_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	c.Kafka.Topic = getEnv("SAGA_KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.GroupID = getEnv("SAGA_KAFKA_GROUP_ID", c.Kafka.GroupID)
	c.Kafka.EventsTopic = getEnv("SAGA_KAFKA_EVENTS_TOPIC", c.Kafka.EventsTopic)
	c.Kafka.DeadLetterTopic = getEnv("SAGA_KAFKA_DEAD_LETTER_TOPIC", c.Kafka.DeadLetterTopic)

	c.Store.Driver = getEnv("SAGA_STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("SAGA_STORE_PATH", c.Store.Path)
	c.Store.DSN = getEnv("SAGA_STORE_DSN", c.Store.DSN)

	c.Lock.Driver = getEnv("SAGA_LOCK_DRIVER", c.Lock.Driver)
	c.Lock.RedisAddr = getEnv("SAGA_LOCK_REDIS_ADDR", c.Lock.RedisAddr)

	c.Admin.HTTPAddr = getEnv("SAGA_HTTP_ADDR", c.Admin.HTTPAddr)
	c.Admin.GRPCAddr = getEnv("SAGA_GRPC_ADDR", c.Admin.GRPCAddr)

	c.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.Environment = getEnv("SAGA_ENVIRONMENT", c.Tracing.Environment)

	var errs []error
	var err error
	if c.Kafka.Workers, err = getEnvInt("SAGA_KAFKA_WORKERS", c.Kafka.Workers); err != nil {
		errs = append(errs, err)
	}
	if c.Kafka.QueueSize, err = getEnvInt("SAGA_KAFKA_QUEUE_SIZE", c.Kafka.QueueSize); err != nil {
		errs = append(errs, err)
	}
	if c.Kafka.RateLimit, err = getEnvFloat("SAGA_KAFKA_RATE_LIMIT", c.Kafka.RateLimit); err != nil {
		errs = append(errs, err)
	}
	if c.Lock.TTL, err = getEnvDuration("SAGA_LOCK_TTL", c.Lock.TTL); err != nil {
		errs = append(errs, err)
	}
	if c.Saga.StepLatency, err = getEnvDuration("SAGA_STEP_LATENCY", c.Saga.StepLatency); err != nil {
		errs = append(errs, err)
	}
	if c.Saga.RetryInterval, err = getEnvDuration("SAGA_RETRY_INTERVAL", c.Saga.RetryInterval); err != nil {
		errs = append(errs, err)
	}
	if c.Admin.ShutdownTimeout, err = getEnvDuration("SAGA_SHUTDOWN_TIMEOUT", c.Admin.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	retries, err := getEnvInt("SAGA_MAX_CONFLICT_RETRIES", int(c.Saga.MaxConflictRetries))
	if err != nil {
		errs = append(errs, err)
	} else if retries >= 0 {
		c.Saga.MaxConflictRetries = uint64(retries)
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "saga-listener"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "saga-listener"
	}
	if c.Kafka.Workers <= 0 {
		c.Kafka.Workers = 8
	}
	if c.Kafka.QueueSize <= 0 {
		c.Kafka.QueueSize = 64
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreSQLite
	}
	if c.Store.Driver == StoreSQLite && c.Store.Path == "" {
		c.Store.Path = "sagas.db"
	}
	if c.Lock.Driver == "" {
		c.Lock.Driver = LockLocal
	}
	if c.Lock.TTL <= 0 {
		c.Lock.TTL = 30 * time.Second
	}
	if c.Saga.MaxConflictRetries == 0 {
		c.Saga.MaxConflictRetries = 3
	}
	if c.Saga.RetryInterval <= 0 {
		c.Saga.RetryInterval = 10 * time.Millisecond
	}
	if c.Admin.HTTPAddr == "" {
		c.Admin.HTTPAddr = ":8080"
	}
	if c.Admin.GRPCAddr == "" {
		c.Admin.GRPCAddr = ":9090"
	}
	if c.Admin.ShutdownTimeout <= 0 {
		c.Admin.ShutdownTimeout = 30 * time.Second
	}
}

// Validate reports every setting that prevents the listener from starting.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required"))
	}
	if c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required"))
	}
	if c.Kafka.GroupID == "" {
		errs = append(errs, errors.New("kafka.group_id is required"))
	}
	if c.Kafka.RateLimit < 0 {
		errs = append(errs, errors.New("kafka.rate_limit must not be negative"))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Lock.Driver {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("lock.redis_addr is required for redis"))
		}
	case LockPostgres:
		if c.Store.Driver != StorePostgres {
			errs = append(errs, errors.New("lock.driver postgres needs store.driver postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock.driver %q", c.Lock.Driver))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
