package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/ethpool/ethpool/internal/queue"
)

var ErrInvalidConfig = errors.New("events: invalid config")

// Publisher is a ledger.EventSink that publishes payloads to a queue topic,
// keyed by identity so one participant's events stay ordered.
type Publisher struct {
	producer queue.Producer
	topic    string
}

func NewPublisher(producer queue.Producer, topic string) (*Publisher, error) {
	topic = strings.TrimSpace(topic)
	if producer == nil || topic == "" {
		return nil, fmt.Errorf("%w: producer and topic are required", ErrInvalidConfig)
	}
	return &Publisher{producer: producer, topic: topic}, nil
}

func (p *Publisher) Emit(ctx context.Context, ev ledger.Event) error {
	b, err := json.Marshal(BuildPayload(ev))
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	key := "pool"
	if ev.Kind != ledger.EventAddRewards {
		key = ev.Identity.Hex()
	}
	if err := p.producer.Publish(ctx, queue.Record{Topic: p.topic, Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (r *Recorder) Emit(_ context.Context, ev ledger.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []ledger.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.Event(nil), r.events...)
}

// Logger writes events to a structured logger.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) Emit(_ context.Context, ev ledger.Event) error {
	if l.Log == nil {
		return nil
	}
	p := BuildPayload(ev)
	l.Log.Info("ledger event",
		"kind", p.Kind,
		"identity", p.Identity,
		"amount", p.Amount,
		"epochID", p.EpochID,
		"transferID", p.TransferID,
		"txHash", p.TxHash,
	)
	return nil
}

// Fanout emits to every sink and joins their errors.
type Fanout []ledger.EventSink

func (f Fanout) Emit(ctx context.Context, ev ledger.Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ ledger.EventSink = (*Publisher)(nil)
	_ ledger.EventSink = (*Recorder)(nil)
	_ ledger.EventSink = Logger{}
	_ ledger.EventSink = Fanout(nil)
)
