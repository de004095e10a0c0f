package command

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethpool/ethpool/internal/custodian"
	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/ethpool/ethpool/internal/queue"
	"github.com/holiman/uint256"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
)

type harness struct {
	broker  *queue.MemoryBroker
	results queue.Consumer
	worker  *Worker
	ledger  *ledger.Ledger
	input   queue.Consumer
}

func newHarness(t *testing.T, ctx context.Context) *harness {
	t.Helper()

	l, err := ledger.New(ledger.Config{Administrator: admin}, ledger.NewMemoryStore(), custodian.NewMemory())
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	b := queue.NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })

	input, err := queue.NewConsumer(ctx, queue.ConsumerConfig{Driver: queue.DriverMemory, Broker: b, Topics: []string{"commands"}})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	results, err := queue.NewConsumer(ctx, queue.ConsumerConfig{Driver: queue.DriverMemory, Broker: b, Topics: []string{"results"}})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	w, err := NewWorker(WorkerConfig{
		Consumer:    input,
		Producer:    b,
		ResultTopic: "results",
		DedupeMax:   16,
		Now:         func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}, l)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return &harness{broker: b, results: results, worker: w, ledger: l, input: input}
}

func (h *harness) send(t *testing.T, ctx context.Context, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := h.broker.Publish(ctx, queue.Record{Topic: "commands", Value: b}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func (h *harness) next(t *testing.T) Result {
	t.Helper()
	select {
	case m := <-h.results.Messages():
		r, err := ParseResult(m.Value)
		if err != nil {
			t.Fatalf("ParseResult: %v", err)
		}
		if string(m.Key) != r.CommandID {
			t.Fatalf("result key %q != command id %q", m.Key, r.CommandID)
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for result")
	}
	return Result{}
}

func TestNewWorkerValidation(t *testing.T) {
	t.Parallel()

	b := queue.NewMemoryBroker()
	c, err := queue.NewConsumer(context.Background(), queue.ConsumerConfig{Driver: queue.DriverMemory, Broker: b, Topics: []string{"x"}})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	l, err := ledger.New(ledger.Config{Administrator: admin}, ledger.NewMemoryStore(), custodian.NewMemory())
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}

	cases := []WorkerConfig{
		{Producer: b, ResultTopic: "r", DedupeMax: 1},
		{Consumer: c, ResultTopic: "r", DedupeMax: 1},
		{Consumer: c, Producer: b, ResultTopic: " ", DedupeMax: 1},
		{Consumer: c, Producer: b, ResultTopic: "r"},
	}
	for i, cfg := range cases {
		if _, err := NewWorker(cfg, l); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
	if _, err := NewWorker(WorkerConfig{Consumer: c, Producer: b, ResultTopic: "r", DedupeMax: 1}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for nil ledger, got %v", err)
	}
}

func TestWorkerAppliesCommandsInOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	dep := New(OpDeposit, alice, uint256.NewInt(100))
	rew := New(OpAddRewards, admin, uint256.NewInt(50))
	wd := New(OpWithdraw, alice, nil)
	h.send(t, ctx, dep)
	h.send(t, ctx, rew)
	h.send(t, ctx, wd)

	r := h.next(t)
	if !r.OK || r.CommandID != dep.ID || r.Amount != "100" || r.EpochID != 1 {
		t.Fatalf("deposit result: %+v", r)
	}
	r = h.next(t)
	if !r.OK || r.Op != OpAddRewards || r.EpochID != 1 || r.Amount != "50" {
		t.Fatalf("rewards result: %+v", r)
	}
	r = h.next(t)
	if !r.OK || r.Op != OpWithdraw || r.Amount != "150" || r.EpochID != 1 || r.TransferID == "" || r.TxHash == "" {
		t.Fatalf("withdraw result: %+v", r)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestWorkerReportsLedgerErrorKinds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)
	go func() { _ = h.worker.Run(ctx) }()

	h.send(t, ctx, New(OpAddRewards, alice, uint256.NewInt(1)))
	h.send(t, ctx, New(OpWithdraw, alice, nil))
	h.send(t, ctx, New(OpDeposit, alice, new(uint256.Int)))

	for _, want := range []string{ledger.KindUnauthorized, ledger.KindNoActiveDeposit, ledger.KindZeroAmount} {
		r := h.next(t)
		if r.OK || r.Error != want || r.Message == "" {
			t.Fatalf("expected %s, got %+v", want, r)
		}
	}
}

func TestWorkerAnswersDuplicates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)
	go func() { _ = h.worker.Run(ctx) }()

	dep := New(OpDeposit, alice, uint256.NewInt(100))
	h.send(t, ctx, dep)
	h.send(t, ctx, dep)

	first := h.next(t)
	second := h.next(t)
	if !first.OK || first.Duplicate {
		t.Fatalf("first result: %+v", first)
	}
	if !second.OK || !second.Duplicate || second.CommandID != dep.ID {
		t.Fatalf("duplicate must replay the cached success, got %+v", second)
	}
}

func TestWorkerRejectsInvalidEnvelopes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, ctx)
	go func() { _ = h.worker.Run(ctx) }()

	bad := New(OpDeposit, alice, uint256.NewInt(1))
	bad.Op = "mint"
	h.send(t, ctx, bad)

	r := h.next(t)
	if r.OK || r.Error != KindInvalidCommand || r.CommandID != bad.ID {
		t.Fatalf("unexpected result: %+v", r)
	}
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, queue.Record) error { return errors.New("broker down") }
func (failingProducer) Close() error                                { return nil }

type countingLedger struct {
	applied int
	records map[string]ledger.CommandRecord
}

func (c *countingLedger) Apply(_ context.Context, cmd ledger.Command) (ledger.CommandRecord, bool, error) {
	if rec, ok := c.records[cmd.ID]; ok {
		return rec, true, nil
	}
	c.applied++
	rec := ledger.CommandRecord{ID: cmd.ID, Op: cmd.Op, Caller: cmd.Caller, State: ledger.CommandApplied, Amount: cmd.Amount, EpochID: 1}
	c.records[cmd.ID] = rec
	return rec, false, nil
}

func TestHandleDoesNotReapplyAfterPublishFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := queue.NewMemoryBroker()
	c, err := queue.NewConsumer(ctx, queue.ConsumerConfig{Driver: queue.DriverMemory, Broker: b, Topics: []string{"x"}})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	l := &countingLedger{records: make(map[string]ledger.CommandRecord)}
	w, err := NewWorker(WorkerConfig{Consumer: c, Producer: failingProducer{}, ResultTopic: "r", DedupeMax: 4}, l)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	raw, err := json.Marshal(New(OpDeposit, alice, uint256.NewInt(7)))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	msg := queue.Message{Topic: "x", Value: raw}
	for i := 0; i < 2; i++ {
		err := w.Handle(ctx, msg)
		if err == nil || !strings.Contains(err.Error(), "broker down") {
			t.Fatalf("attempt %d: expected publish error, got %v", i, err)
		}
	}
	if l.applied != 1 {
		t.Fatalf("expected one deposit, got %d", l.applied)
	}
}

func TestRedeliveryAfterRestartIsAnsweredFromLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bob := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	l, err := ledger.New(ledger.Config{Administrator: admin}, ledger.NewMemoryStore(), custodian.NewMemory())
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	if _, err := l.Deposit(ctx, alice, *uint256.NewInt(100)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	b := queue.NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	newWorker := func(p queue.Producer) *Worker {
		c, err := queue.NewConsumer(ctx, queue.ConsumerConfig{Driver: queue.DriverMemory, Broker: b, Topics: []string{"commands"}})
		if err != nil {
			t.Fatalf("NewConsumer: %v", err)
		}
		w, err := NewWorker(WorkerConfig{Consumer: c, Producer: p, ResultTopic: "results", DedupeMax: 4}, l)
		if err != nil {
			t.Fatalf("NewWorker: %v", err)
		}
		return w
	}

	rew := New(OpAddRewards, admin, uint256.NewInt(200))
	raw, err := json.Marshal(rew)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	msg := queue.Message{Topic: "commands", Value: raw}

	if err := newWorker(failingProducer{}).Handle(ctx, msg); err == nil {
		t.Fatalf("expected publish error")
	}
	if _, err := l.Deposit(ctx, bob, *uint256.NewInt(300)); err != nil {
		t.Fatalf("Deposit bob: %v", err)
	}

	results, err := queue.NewConsumer(ctx, queue.ConsumerConfig{Driver: queue.DriverMemory, Broker: b, Topics: []string{"results"}})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	if err := newWorker(b).Handle(ctx, msg); err != nil {
		t.Fatalf("Handle after restart: %v", err)
	}
	select {
	case m := <-results.Messages():
		r, err := ParseResult(m.Value)
		if err != nil {
			t.Fatalf("ParseResult: %v", err)
		}
		if !r.OK || !r.Duplicate || r.EpochID != 1 || r.Amount != "200" {
			t.Fatalf("redelivered result: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for result")
	}

	e, err := l.GetEpoch(ctx, 2)
	if err != nil {
		t.Fatalf("GetEpoch: %v", err)
	}
	if e.TotalDeposits.Dec() != "300" || !e.TotalRewards.IsZero() {
		t.Fatalf("epoch 2 deposits=%s rewards=%s", e.TotalDeposits.Dec(), e.TotalRewards.Dec())
	}
}

func TestRunStopsWhenResultCannotBePublished(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := queue.NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	c, err := queue.NewConsumer(ctx, queue.ConsumerConfig{Driver: queue.DriverMemory, Broker: b, Topics: []string{"commands"}})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	l := &countingLedger{records: make(map[string]ledger.CommandRecord)}
	w, err := NewWorker(WorkerConfig{Consumer: c, Producer: failingProducer{}, ResultTopic: "results", DedupeMax: 4}, l)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	raw, err := json.Marshal(New(OpDeposit, alice, uint256.NewInt(7)))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := b.Publish(ctx, queue.Record{Topic: "commands", Value: raw}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "broker down") {
			t.Fatalf("expected publish error from Run, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker kept running after a publish failure")
	}
}

type fencedLedger struct{}

func (fencedLedger) Apply(context.Context, ledger.Command) (ledger.CommandRecord, bool, error) {
	return ledger.CommandRecord{}, false, ledger.ErrFenced
}

func TestHandleLeavesMessageUnackedWhenFenced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := queue.NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	c, err := queue.NewConsumer(ctx, queue.ConsumerConfig{Driver: queue.DriverMemory, Broker: b, Topics: []string{"x"}})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	w, err := NewWorker(WorkerConfig{Consumer: c, Producer: b, ResultTopic: "r", DedupeMax: 4}, fencedLedger{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	raw, err := json.Marshal(New(OpWithdraw, alice, nil))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	results, err := queue.NewConsumer(ctx, queue.ConsumerConfig{Driver: queue.DriverMemory, Broker: b, Topics: []string{"r"}})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	if err := w.Handle(ctx, queue.Message{Topic: "x", Value: raw}); !errors.Is(err, ledger.ErrFenced) {
		t.Fatalf("expected ErrFenced, got %v", err)
	}
	select {
	case m := <-results.Messages():
		t.Fatalf("fenced command published a result: %s", m.Value)
	case <-time.After(100 * time.Millisecond):
	}
}
