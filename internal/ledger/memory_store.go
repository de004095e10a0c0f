package ledger

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type memoryState struct {
	current  EpochID
	nextSeq  uint64
	epochs   map[EpochID]Epoch
	deposits map[common.Address]Deposit
	pending  map[common.Address]PendingWithdrawal
	commands map[string]CommandRecord
	writer   int64
}

// MemoryStore keeps the ledger state in process memory. It is safe for
// concurrent use; updates are serialised and applied all-or-nothing.
type MemoryStore struct {
	mu sync.RWMutex
	st memoryState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		st: memoryState{
			current:  FirstEpochID,
			nextSeq:  1,
			epochs:   make(map[EpochID]Epoch),
			deposits: make(map[common.Address]Deposit),
			pending:  make(map[common.Address]PendingWithdrawal),
			commands: make(map[string]CommandRecord),
		},
	}
}

// NewMemoryStoreFromSnapshot seeds a memory store with a previously taken snapshot.
func NewMemoryStoreFromSnapshot(snap Snapshot) (*MemoryStore, error) {
	if snap.CurrentEpochID < FirstEpochID {
		return nil, fmt.Errorf("%w: snapshot current epoch %d", ErrInvalidConfig, snap.CurrentEpochID)
	}
	s := NewMemoryStore()
	s.st.current = snap.CurrentEpochID
	if snap.NextSeq > 0 {
		s.st.nextSeq = snap.NextSeq
	}
	for _, e := range snap.Epochs {
		if e.ID < FirstEpochID || e.ID > snap.CurrentEpochID {
			return nil, fmt.Errorf("%w: snapshot epoch %d out of range", ErrInvalidConfig, e.ID)
		}
		s.st.epochs[e.ID] = e
	}
	for _, d := range snap.Deposits {
		if !d.Deposit.Active() {
			continue
		}
		if _, ok := s.st.epochs[d.Deposit.EpochID]; !ok {
			return nil, fmt.Errorf("%w: snapshot deposit of %s references unknown epoch %d", ErrInvalidConfig, d.Identity, d.Deposit.EpochID)
		}
		s.st.deposits[d.Identity] = d.Deposit
	}
	for _, p := range snap.Pending {
		s.st.pending[p.Identity] = p
		if p.Seq >= s.st.nextSeq {
			s.st.nextSeq = p.Seq + 1
		}
	}
	return s, nil
}

func (s *MemoryStore) Update(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newMemTx(&s.st)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) View(_ context.Context, fn func(tx ReadTx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(newMemTx(&s.st))
}

// memTx buffers writes on top of the committed state.
type memTx struct {
	base *memoryState

	current  *EpochID
	nextSeq  *uint64
	epochs   map[EpochID]Epoch
	deposits map[common.Address]Deposit
	pending  map[common.Address]*PendingWithdrawal
	commands map[string]CommandRecord
	writer   *int64
}

func newMemTx(base *memoryState) *memTx {
	return &memTx{
		base:     base,
		epochs:   make(map[EpochID]Epoch),
		deposits: make(map[common.Address]Deposit),
		pending:  make(map[common.Address]*PendingWithdrawal),
		commands: make(map[string]CommandRecord),
	}
}

func (t *memTx) commit() {
	if t.current != nil {
		t.base.current = *t.current
	}
	if t.nextSeq != nil {
		t.base.nextSeq = *t.nextSeq
	}
	if t.writer != nil {
		t.base.writer = *t.writer
	}
	for id, rec := range t.commands {
		t.base.commands[id] = rec
	}
	for id, e := range t.epochs {
		t.base.epochs[id] = e
	}
	for who, d := range t.deposits {
		if d.Active() {
			t.base.deposits[who] = d
		} else {
			delete(t.base.deposits, who)
		}
	}
	for who, p := range t.pending {
		if p == nil {
			delete(t.base.pending, who)
		} else {
			t.base.pending[who] = *p
		}
	}
}

func (t *memTx) CurrentEpochID(context.Context) (EpochID, error) {
	if t.current != nil {
		return *t.current, nil
	}
	return t.base.current, nil
}

func (t *memTx) Epoch(_ context.Context, id EpochID) (Epoch, bool, error) {
	if e, ok := t.epochs[id]; ok {
		return e, true, nil
	}
	e, ok := t.base.epochs[id]
	return e, ok, nil
}

func (t *memTx) Deposit(_ context.Context, who common.Address) (Deposit, error) {
	if d, ok := t.deposits[who]; ok {
		return d, nil
	}
	return t.base.deposits[who], nil
}

func (t *memTx) Pending(_ context.Context, who common.Address) (PendingWithdrawal, bool, error) {
	if p, ok := t.pending[who]; ok {
		if p == nil {
			return PendingWithdrawal{}, false, nil
		}
		return *p, true, nil
	}
	p, ok := t.base.pending[who]
	return p, ok, nil
}

func (t *memTx) ListEpochs(context.Context) ([]Epoch, error) {
	merged := make(map[EpochID]Epoch, len(t.base.epochs)+len(t.epochs))
	for id, e := range t.base.epochs {
		merged[id] = e
	}
	for id, e := range t.epochs {
		merged[id] = e
	}
	out := make([]Epoch, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ListDeposits(context.Context) ([]AccountDeposit, error) {
	merged := make(map[common.Address]Deposit, len(t.base.deposits)+len(t.deposits))
	for who, d := range t.base.deposits {
		merged[who] = d
	}
	for who, d := range t.deposits {
		merged[who] = d
	}
	out := make([]AccountDeposit, 0, len(merged))
	for who, d := range merged {
		if !d.Active() {
			continue
		}
		out = append(out, AccountDeposit{Identity: who, Deposit: d})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Identity[:], out[j].Identity[:]) < 0
	})
	return out, nil
}

func (t *memTx) ListPending(context.Context) ([]PendingWithdrawal, error) {
	merged := make(map[common.Address]*PendingWithdrawal, len(t.base.pending)+len(t.pending))
	for who, p := range t.base.pending {
		p := p
		merged[who] = &p
	}
	for who, p := range t.pending {
		merged[who] = p
	}
	out := make([]PendingWithdrawal, 0, len(merged))
	for _, p := range merged {
		if p == nil {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *memTx) NextSeq(context.Context) (uint64, error) {
	if t.nextSeq != nil {
		return *t.nextSeq, nil
	}
	return t.base.nextSeq, nil
}

func (t *memTx) Command(_ context.Context, id string) (CommandRecord, bool, error) {
	if rec, ok := t.commands[id]; ok {
		return rec, true, nil
	}
	rec, ok := t.base.commands[id]
	return rec, ok, nil
}

func (t *memTx) SetCurrentEpochID(_ context.Context, id EpochID) error {
	t.current = &id
	return nil
}

func (t *memTx) PutEpoch(_ context.Context, e Epoch) error {
	if e.ID < FirstEpochID {
		return fmt.Errorf("%w: epoch id %d", ErrEpochNotFound, e.ID)
	}
	t.epochs[e.ID] = e
	return nil
}

func (t *memTx) PutDeposit(_ context.Context, who common.Address, d Deposit) error {
	if !d.Active() {
		d = Deposit{}
	}
	t.deposits[who] = d
	return nil
}

func (t *memTx) TakeSeq(ctx context.Context) (uint64, error) {
	n, err := t.NextSeq(ctx)
	if err != nil {
		return 0, err
	}
	next := n + 1
	t.nextSeq = &next
	return n, nil
}

func (t *memTx) PutPending(_ context.Context, p PendingWithdrawal) error {
	t.pending[p.Identity] = &p
	return nil
}

func (t *memTx) DeletePending(_ context.Context, who common.Address) error {
	t.pending[who] = nil
	return nil
}

func (t *memTx) PutCommand(_ context.Context, rec CommandRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: empty command id", ErrInvalidCommand)
	}
	t.commands[rec.ID] = rec
	return nil
}

func (t *memTx) Fence(_ context.Context, token int64) error {
	mark := t.base.writer
	if t.writer != nil {
		mark = *t.writer
	}
	if token < mark {
		return fmt.Errorf("%w: token %d, store at %d", ErrFenced, token, mark)
	}
	t.writer = &token
	return nil
}

var _ Store = (*MemoryStore)(nil)
