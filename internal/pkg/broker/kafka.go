// Package broker wraps segmentio/kafka-go for the saga listener.
//
// Kafka specifics the rest of the code relies on:
//   - consumer groups share the partitions of the subscribed topic
//   - ordering holds within a partition only
//   - committing offset N acknowledges every message before N in that
//     partition, so commits must never run ahead of unhandled messages
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Reader is the consumer side used by the listener. *kafka.Reader satisfies it.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the producer side. *kafka.Writer satisfies it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderConfig configures the consumer group reader.
type ReaderConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// Topic is the inbound topic.
	Topic string

	// GroupID is the consumer group ID.
	GroupID string

	// StartOffset applies when the group has no committed offset.
	// Default is kafka.FirstOffset, so a new group reads from the beginning.
	StartOffset int64

	// MaxWait is the maximum time to wait for new messages.
	// Default is 1 second.
	MaxWait time.Duration

	Logger *slog.Logger
}

func (c ReaderConfig) applyDefaults() ReaderConfig {
	if c.StartOffset == 0 {
		c.StartOffset = kafka.FirstOffset
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NewReader creates a consumer group reader with manual commits:
// offsets only move when CommitMessages is called.
func NewReader(cfg ReaderConfig) (*kafka.Reader, error) {
	cfg = cfg.applyDefaults()
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("broker: reader needs brokers, topic and group id")
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: cfg.StartOffset,
		MaxWait:     cfg.MaxWait,
		// Zero commits synchronously inside CommitMessages.
		CommitInterval: 0,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			cfg.Logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	cfg.Logger.Info("kafka subscription configured",
		"topic", cfg.Topic,
		"group", cfg.GroupID,
		"brokers", cfg.Brokers,
	)
	return r, nil
}

// WriterConfig configures a producer for one topic.
type WriterConfig struct {
	Brokers []string
	Topic   string

	// BatchTimeout is the maximum time to wait for a batch to fill.
	// Default is 10ms, terminal events are latency sensitive.
	BatchTimeout time.Duration

	// RequiredAcks defaults to kafka.RequireAll for durability.
	RequiredAcks kafka.RequiredAcks
}

func (c WriterConfig) applyDefaults() WriterConfig {
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	return c
}

// NewWriter creates a synchronous writer. Messages are hashed by key so all
// events of one saga share a partition.
func NewWriter(cfg WriterConfig) *kafka.Writer {
	cfg = cfg.applyDefaults()
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           cfg.RequiredAcks,
		AllowAutoTopicCreation: true,
	}
}

// Producer publishes keyed messages and injects the W3C trace context of
// ctx into the message headers.
type Producer struct {
	w Writer
}

func NewProducer(w Writer) *Producer {
	return &Producer{w: w}
}

// Produce writes one message. Extra headers are appended after the trace ones.
func (p *Producer) Produce(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	msg := kafka.Message{Key: key, Value: value}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier{Headers: &msg.Headers})
	msg.Headers = append(msg.Headers, headers...)

	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("broker: produce: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.w.Close()
}

// HeaderCarrier adapts Kafka headers to propagation.TextMapCarrier.
type HeaderCarrier struct {
	Headers *[]kafka.Header
}

func (c HeaderCarrier) Get(key string) string {
	for _, h := range *c.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c HeaderCarrier) Set(key, value string) {
	for i, h := range *c.Headers {
		if h.Key == key {
			(*c.Headers)[i].Value = []byte(value)
			return
		}
	}
	*c.Headers = append(*c.Headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.Headers))
	for _, h := range *c.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// Extract returns ctx carrying the trace context found in msg's headers.
func Extract(ctx context.Context, msg *kafka.Message) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier{Headers: &msg.Headers})
}
