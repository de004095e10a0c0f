// Package queue carries ledger commands, results and audit events over Kafka,
// line-delimited stdio, or an in-process broker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	DriverKafka  = "kafka"
	DriverStdio  = "stdio"
	DriverMemory = "memory"
)

var (
	ErrInvalidConfig     = errors.New("queue: invalid config")
	ErrUnsupportedDriver = errors.New("queue: unsupported driver")
	ErrClosed            = errors.New("queue: closed")
)

// Record is an outgoing message. Records with the same Key keep their relative
// order on Kafka.
type Record struct {
	Topic string
	Key   []byte
	Value []byte
}

// Message is a record handed to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the broker time on Kafka and the receive time elsewhere.
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack commits the message offset. Drivers without offsets treat it as a no-op.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

// Consumer channels close when the consumer stops (Close, ctx done, or EOF
// for stdio).
type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

type Producer interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

type ConsumerConfig struct {
	Driver string
	Topics []string

	Brokers       []string
	Group         string
	KafkaTLS      bool
	KafkaMinBytes int
	KafkaMaxBytes int

	// Reader defaults to os.Stdin.
	Reader       io.Reader
	MaxLineBytes int

	Broker *MemoryBroker
}

type ProducerConfig struct {
	Driver string

	Brokers      []string
	KafkaTLS     bool
	BatchTimeout time.Duration

	// Writer defaults to os.Stdout.
	Writer io.Writer

	Broker *MemoryBroker
}

// NewConsumer starts a consumer. An empty driver means Kafka.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	topics := normalizeList(cfg.Topics)
	switch driver := normalizeDriver(cfg.Driver); driver {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg, topics)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg.Reader, cfg.MaxLineBytes), nil
	case DriverMemory:
		if cfg.Broker == nil {
			return nil, fmt.Errorf("%w: memory consumer requires broker", ErrInvalidConfig)
		}
		return cfg.Broker.subscribe(ctx, topics)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDriver, driver)
	}
}

// NewProducer builds a producer. An empty driver means Kafka.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch driver := normalizeDriver(cfg.Driver); driver {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg.Writer), nil
	case DriverMemory:
		if cfg.Broker == nil {
			return nil, fmt.Errorf("%w: memory producer requires broker", ErrInvalidConfig)
		}
		return cfg.Broker, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDriver, driver)
	}
}

// SplitCommaList parses flag and env values such as "k1:9092, k2:9092".
func SplitCommaList(s string) []string {
	return normalizeList(strings.Split(s, ","))
}

func normalizeDriver(v string) string {
	if v = strings.ToLower(strings.TrimSpace(v)); v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
