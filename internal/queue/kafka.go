package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
)

func kafkaTLS() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// kafkaConsumer fetches without auto-commit; offsets move only on Ack, so an
// unacked command is redelivered after a restart.
type kafkaConsumer struct {
	reader *kafka.Reader
	out    chan Message
	errs   chan error

	stop    context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

// fetchDone reports errors that end the fetch loop instead of being surfaced.
func fetchDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig, topics []string) (Consumer, error) {
	brokers := normalizeList(cfg.Brokers)
	group := strings.TrimSpace(cfg.Group)
	if len(brokers) == 0 || group == "" || len(topics) == 0 {
		return nil, fmt.Errorf("%w: kafka consumer requires brokers, group and topics", ErrInvalidConfig)
	}

	minBytes, maxBytes := cfg.KafkaMinBytes, cfg.KafkaMaxBytes
	if minBytes <= 0 {
		minBytes = defaultKafkaMinBytes
	}
	if maxBytes <= 0 {
		maxBytes = defaultKafkaMaxBytes
	}
	if maxBytes < minBytes {
		return nil, fmt.Errorf("%w: kafka max bytes %d below min bytes %d", ErrInvalidConfig, maxBytes, minBytes)
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
	}
	if cfg.KafkaTLS {
		rc.Dialer = &kafka.Dialer{Timeout: 10 * time.Second, TLS: kafkaTLS()}
	}

	ctx, stop := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader:  kafka.NewReader(rc),
		out:     make(chan Message, 64),
		errs:    make(chan error, 8),
		stop:    stop,
		stopped: make(chan struct{}),
	}
	go c.loop(ctx)
	return c, nil
}

func (c *kafkaConsumer) loop(ctx context.Context) {
	defer close(c.stopped)
	defer close(c.out)
	defer close(c.errs)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if fetchDone(err) {
				return
			}
			select {
			case c.errs <- err:
				continue
			case <-ctx.Done():
				return
			}
		}

		commit := km
		msg := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
			ackFn: func(ackCtx context.Context) error {
				return c.reader.CommitMessages(ackCtx, commit)
			},
		}
		select {
		case c.out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.out }
func (c *kafkaConsumer) Errors() <-chan error     { return c.errs }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.stop()
		err = c.reader.Close()
		<-c.stopped
	})
	return err
}

// kafkaProducer hashes record keys to partitions so every command from one
// caller lands on the same partition.
type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires brokers", ErrInvalidConfig)
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 10 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batch,
		RequiredAcks: kafka.RequireAll,
	}
	if cfg.KafkaTLS {
		w.Transport = &kafka.Transport{TLS: kafkaTLS()}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.Topic) == "" {
		return fmt.Errorf("%w: record has no topic", ErrInvalidConfig)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: strings.TrimSpace(rec.Topic),
		Key:   rec.Key,
		Value: rec.Value,
	})
}

func (p *kafkaProducer) Close() error { return p.writer.Close() }
