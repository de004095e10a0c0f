package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/ethpool/ethpool/internal/queue"
	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrInvalidConfig = errors.New("command: invalid config")

// Ledger is the subset of *ledger.Ledger the worker drives.
type Ledger interface {
	Apply(ctx context.Context, c ledger.Command) (ledger.CommandRecord, bool, error)
}

type WorkerConfig struct {
	Consumer    queue.Consumer
	Producer    queue.Producer
	ResultTopic string

	// DedupeMax bounds the in-process cache of settled results. The ledger
	// keeps every outcome durably; the cache only saves a store read.
	DedupeMax    int
	ApplyTimeout time.Duration
	AckTimeout   time.Duration

	Now func() time.Time
}

// Worker applies commands one at a time, publishes one result per command and
// acknowledges the message only after the result is published.
//
// Command outcomes are stored by the ledger together with their effects, so a
// command delivered again after a restart is answered from that record and
// never applied twice.
type Worker struct {
	cfg    WorkerConfig
	ledger Ledger
	seen   *lru.Cache[string, Result]
	log    *slog.Logger
}

func NewWorker(cfg WorkerConfig, l Ledger) (*Worker, error) {
	if cfg.Consumer == nil || cfg.Producer == nil || l == nil {
		return nil, fmt.Errorf("%w: consumer, producer and ledger are required", ErrInvalidConfig)
	}
	cfg.ResultTopic = strings.TrimSpace(cfg.ResultTopic)
	if cfg.ResultTopic == "" {
		return nil, fmt.Errorf("%w: result topic is required", ErrInvalidConfig)
	}
	if cfg.DedupeMax <= 0 {
		return nil, fmt.Errorf("%w: DedupeMax must be > 0", ErrInvalidConfig)
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Minute
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	seen, err := lru.New[string, Result](cfg.DedupeMax)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Worker{
		cfg:    cfg,
		ledger: l,
		seen:   seen,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

func (w *Worker) WithLogger(log *slog.Logger) *Worker {
	if log != nil {
		w.log = log
	}
	return w
}

// Run consumes until ctx is done or the input stream ends. It stops with an
// error when a result cannot be published, since acknowledging a later message
// would also commit past the unanswered one.
func (w *Worker) Run(ctx context.Context) error {
	msgCh := w.cfg.Consumer.Messages()
	errCh := w.cfg.Consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			if err := w.Handle(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.log.Error("handle command; stopping before acking past it", "topic", msg.Topic, "err", err)
				return err
			}
		}
	}
}

// Handle applies a single message. A returned error means the message was not
// acknowledged, either because its result could not be published or because
// this process is no longer the ledger writer.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	p, err := Parse(msg.Value)
	if err != nil {
		w.log.Warn("rejecting command", "err", err)
		r := Result{
			Version:   ResultVersion,
			CommandID: recoverID(msg.Value),
			Error:     KindInvalidCommand,
			Message:   err.Error(),
			At:        w.cfg.Now().UTC(),
		}
		if err := w.publish(ctx, r); err != nil {
			return err
		}
		w.ack(msg)
		return nil
	}

	if prev, ok := w.seen.Get(p.ID); ok {
		prev.Duplicate = true
		w.log.Info("duplicate command", "commandID", p.ID, "op", p.Op)
		if err := w.publish(ctx, prev); err != nil {
			return err
		}
		w.ack(msg)
		return nil
	}

	r, err := w.apply(ctx, p)
	if err != nil {
		return err
	}
	if err := w.publish(ctx, r); err != nil {
		return err
	}
	w.ack(msg)
	return nil
}

func (w *Worker) apply(ctx context.Context, p Parsed) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ApplyTimeout)
	defer cancel()

	now := w.cfg.Now().UTC()
	rec, replayed, err := w.ledger.Apply(ctx, ledger.Command{ID: p.ID, Op: p.Op, Caller: p.Caller, Amount: p.Amount})
	if err != nil {
		if errors.Is(err, ledger.ErrFenced) {
			return Result{}, fmt.Errorf("command: apply %s: %w", p.ID, err)
		}
		return w.fail(p, err, now), nil
	}

	r := recordResult(rec, now)
	r.Duplicate = replayed
	switch {
	case replayed:
		w.log.Info("duplicate command", "commandID", p.ID, "op", p.Op, "state", rec.State.String())
	case rec.State == ledger.CommandRejected:
		w.log.Info("command rejected", "commandID", p.ID, "op", p.Op, "kind", rec.ErrKind)
	}
	if rec.State != ledger.CommandInFlight {
		w.seen.Add(p.ID, r)
	}
	return r, nil
}

// fail answers a command the ledger could not process. Nothing was recorded,
// so a redelivery applies it afresh.
func (w *Worker) fail(p Parsed, err error, at time.Time) Result {
	w.log.Error("command failed", "commandID", p.ID, "op", p.Op, "err", err)
	return failed(p, ledger.ErrorKind(err), err, at)
}

func (w *Worker) publish(ctx context.Context, r Result) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("command: marshal result: %w", err)
	}
	if err := w.cfg.Producer.Publish(ctx, queue.Record{Topic: w.cfg.ResultTopic, Key: []byte(r.CommandID), Value: b}); err != nil {
		return fmt.Errorf("command: publish result %s: %w", r.CommandID, err)
	}
	return nil
}

func (w *Worker) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		w.log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}

// recoverID extracts the id of an envelope that failed validation, if any.
func recoverID(b []byte) string {
	var env struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return ""
	}
	return strings.TrimSpace(env.ID)
}
