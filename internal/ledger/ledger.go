package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethpool/ethpool/internal/idempotency"
	"github.com/holiman/uint256"
)

type Config struct {
	// Administrator is the only identity allowed to add rewards.
	Administrator common.Address

	// Fence returns the writer lease token. When set, every write checks it
	// against the highest token the store has seen and fails with ErrFenced
	// if a newer holder has written since.
	Fence func() int64

	Now func() time.Time
}

// Ledger is the pooled-deposit accounting engine.
//
// All mutating operations are serialised by one mutex and each runs as a single
// store transaction. Withdraw commits the deposit reset before asking the
// custodian to pay, and does not hold the mutex while the custodian runs, so a
// custodian that re-enters the ledger observes the reset.
type Ledger struct {
	cfg       Config
	store     Store
	custodian Custodian
	sink      EventSink
	log       *slog.Logger

	mu       sync.Mutex
	inflight map[[32]byte]struct{}
}

func New(cfg Config, store Store, custodian Custodian) (*Ledger, error) {
	if store == nil || custodian == nil {
		return nil, fmt.Errorf("%w: nil store or custodian", ErrInvalidConfig)
	}
	if cfg.Administrator == (common.Address{}) {
		return nil, fmt.Errorf("%w: administrator is required", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		cfg:       cfg,
		store:     store,
		custodian: custodian,
		sink:      nopSink{},
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		inflight:  make(map[[32]byte]struct{}),
	}, nil
}

func (l *Ledger) WithLogger(log *slog.Logger) *Ledger {
	if log != nil {
		l.log = log
	}
	return l
}

func (l *Ledger) WithEventSink(sink EventSink) *Ledger {
	if sink != nil {
		l.sink = sink
	}
	return l
}

func (l *Ledger) Administrator() common.Address {
	return l.cfg.Administrator
}

// Deposit records amount for caller in the current epoch and escrows it with
// the custodian.
func (l *Ledger) Deposit(ctx context.Context, caller common.Address, amount uint256.Int) (Deposit, error) {
	if amount.IsZero() {
		return Deposit{}, ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var rec Deposit
	err := l.update(ctx, func(tx Tx) error {
		var err error
		rec, err = l.depositTx(ctx, tx, caller, amount)
		return err
	})
	if err != nil {
		return Deposit{}, err
	}
	l.deposited(ctx, caller, rec)
	return rec, nil
}

func (l *Ledger) depositTx(ctx context.Context, tx Tx, caller common.Address, amount uint256.Int) (Deposit, error) {
	if amount.IsZero() {
		return Deposit{}, ErrZeroAmount
	}
	cur, err := tx.Deposit(ctx, caller)
	if err != nil {
		return Deposit{}, err
	}
	if cur.Active() {
		return Deposit{}, fmt.Errorf("%w: %s", ErrDepositAlreadyActive, caller)
	}
	if _, pending, err := tx.Pending(ctx, caller); err != nil {
		return Deposit{}, err
	} else if pending {
		return Deposit{}, fmt.Errorf("%w: %s", ErrWithdrawalPending, caller)
	}

	id, err := tx.CurrentEpochID(ctx)
	if err != nil {
		return Deposit{}, err
	}
	e, ok, err := tx.Epoch(ctx, id)
	if err != nil {
		return Deposit{}, err
	}
	if !ok {
		e = Epoch{ID: id}
	}
	if e.State() != EpochOpen {
		return Deposit{}, fmt.Errorf("%w: current epoch %d is closed", ErrEpochNotFound, id)
	}
	if _, overflow := e.TotalDeposits.AddOverflow(&e.TotalDeposits, &amount); overflow {
		return Deposit{}, fmt.Errorf("%w: epoch %d deposits", ErrAmountOverflow, id)
	}

	rec := Deposit{Amount: amount, EpochID: id}
	if err := tx.PutEpoch(ctx, e); err != nil {
		return Deposit{}, err
	}
	if err := tx.PutDeposit(ctx, caller, rec); err != nil {
		return Deposit{}, err
	}
	if err := l.custodian.Credit(ctx, amount); err != nil {
		return Deposit{}, fmt.Errorf("ledger: credit custodian: %w", err)
	}
	return rec, nil
}

func (l *Ledger) deposited(ctx context.Context, caller common.Address, d Deposit) {
	l.log.Info("deposit", "identity", caller, "amount", d.Amount.Dec(), "epochID", d.EpochID)
	l.emit(ctx, Event{Kind: EventDeposit, Identity: caller, Amount: d.Amount, EpochID: d.EpochID})
}

// AddRewards assigns amount to the current epoch, closes it and opens the next
// one. It returns the id of the epoch that was closed.
func (l *Ledger) AddRewards(ctx context.Context, caller common.Address, amount uint256.Int) (EpochID, error) {
	if caller != l.cfg.Administrator {
		return 0, fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	if amount.IsZero() {
		return 0, ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var closed EpochID
	err := l.update(ctx, func(tx Tx) error {
		var err error
		closed, err = l.addRewardsTx(ctx, tx, caller, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	l.rewarded(ctx, amount, closed)
	return closed, nil
}

func (l *Ledger) addRewardsTx(ctx context.Context, tx Tx, caller common.Address, amount uint256.Int) (EpochID, error) {
	if caller != l.cfg.Administrator {
		return 0, fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	if amount.IsZero() {
		return 0, ErrZeroAmount
	}
	id, err := tx.CurrentEpochID(ctx)
	if err != nil {
		return 0, err
	}
	e, ok, err := tx.Epoch(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok || e.TotalDeposits.IsZero() {
		return 0, fmt.Errorf("%w: epoch %d", ErrEmptyPool, id)
	}
	if e.State() != EpochOpen {
		return 0, fmt.Errorf("%w: current epoch %d is closed", ErrEpochNotFound, id)
	}
	if uint64(id) == math.MaxUint64 {
		return 0, fmt.Errorf("%w: epoch id space exhausted", ErrAmountOverflow)
	}
	if _, overflow := e.TotalRewards.AddOverflow(&e.TotalRewards, &amount); overflow {
		return 0, fmt.Errorf("%w: epoch %d rewards", ErrAmountOverflow, id)
	}
	var pool uint256.Int
	if _, overflow := pool.AddOverflow(&e.TotalDeposits, &e.TotalRewards); overflow {
		return 0, fmt.Errorf("%w: epoch %d pool", ErrAmountOverflow, id)
	}

	if err := tx.PutEpoch(ctx, e); err != nil {
		return 0, err
	}
	if err := tx.SetCurrentEpochID(ctx, id+1); err != nil {
		return 0, err
	}
	if err := l.custodian.Credit(ctx, amount); err != nil {
		return 0, fmt.Errorf("ledger: credit custodian: %w", err)
	}
	return id, nil
}

func (l *Ledger) rewarded(ctx context.Context, amount uint256.Int, closed EpochID) {
	l.log.Info("rewards added", "amount", amount.Dec(), "epochID", closed, "nextEpochID", closed+1)
	l.emit(ctx, Event{Kind: EventAddRewards, Amount: amount, EpochID: closed})
}

// Withdraw pays caller their principal plus their share of the rewards of the
// epoch their deposit belongs to.
//
// The deposit is reset and journaled as pending before the custodian is asked
// to pay. A definite transfer failure restores the deposit; an unknown outcome
// leaves the withdrawal pending until Recover resolves it. Both return an error
// wrapping ErrTransferFailed.
func (l *Ledger) Withdraw(ctx context.Context, caller common.Address) (Withdrawal, error) {
	p, err := l.beginWithdraw(ctx, caller)
	if err != nil {
		return Withdrawal{}, err
	}
	defer l.release(p.TransferID)

	w, _, err := l.settle(ctx, p, Transfer{
		ID:     p.TransferID,
		To:     p.Identity,
		Amount: p.Payout,
	})
	return w, err
}

func (l *Ledger) beginWithdraw(ctx context.Context, caller common.Address) (PendingWithdrawal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var p PendingWithdrawal
	err := l.update(ctx, func(tx Tx) error {
		var err error
		p, err = l.withdrawTx(ctx, tx, caller, "")
		return err
	})
	if err != nil {
		return PendingWithdrawal{}, err
	}
	l.inflight[p.TransferID] = struct{}{}
	return p, nil
}

func (l *Ledger) withdrawTx(ctx context.Context, tx Tx, caller common.Address, commandID string) (PendingWithdrawal, error) {
	d, err := tx.Deposit(ctx, caller)
	if err != nil {
		return PendingWithdrawal{}, err
	}
	if !d.Active() {
		return PendingWithdrawal{}, fmt.Errorf("%w: %s", ErrNoActiveDeposit, caller)
	}
	e, ok, err := tx.Epoch(ctx, d.EpochID)
	if err != nil {
		return PendingWithdrawal{}, err
	}
	if !ok {
		return PendingWithdrawal{}, fmt.Errorf("%w: epoch %d of %s", ErrEpochNotFound, d.EpochID, caller)
	}
	payout, err := Payout(d, e)
	if err != nil {
		return PendingWithdrawal{}, err
	}
	seq, err := tx.TakeSeq(ctx)
	if err != nil {
		return PendingWithdrawal{}, err
	}

	p := PendingWithdrawal{
		TransferID: idempotency.TransferIDV1(caller, uint64(d.EpochID), seq),
		Seq:        seq,
		Identity:   caller,
		Deposit:    d,
		Payout:     payout,
		CommandID:  commandID,
		CreatedAt:  l.cfg.Now().UTC(),
	}
	if err := tx.PutDeposit(ctx, caller, Deposit{}); err != nil {
		return PendingWithdrawal{}, err
	}
	if err := tx.PutPending(ctx, p); err != nil {
		return PendingWithdrawal{}, err
	}
	return p, nil
}

func (l *Ledger) release(id [32]byte) {
	l.mu.Lock()
	delete(l.inflight, id)
	l.mu.Unlock()
}

type settleOutcome uint8

const (
	settleCompleted settleOutcome = iota + 1
	settleRolledBack
	settleUnresolved
)

func (l *Ledger) settle(ctx context.Context, p PendingWithdrawal, t Transfer) (Withdrawal, settleOutcome, error) {
	// The reset is already committed; finishing the journal must not depend on
	// the caller's context staying alive.
	bg := context.WithoutCancel(ctx)

	t.Journal = func(_ context.Context, txHash common.Hash) error {
		if err := l.notePendingTx(bg, p, txHash); err != nil {
			return err
		}
		p.TxHash = txHash
		return nil
	}
	receipt, err := l.custodian.Debit(ctx, t)

	if err != nil {
		if errors.Is(err, ErrTransferOutcomeUnknown) {
			if receipt.TxHash != (common.Hash{}) && receipt.TxHash != p.TxHash {
				if nerr := l.notePendingTx(bg, p, receipt.TxHash); nerr != nil {
					l.log.Error("record pending tx hash", "identity", p.Identity, "transferID", hexID(p.TransferID), "txHash", receipt.TxHash, "err", nerr)
				}
			}
			l.log.Error("withdraw transfer outcome unknown; withdrawal left pending",
				"identity", p.Identity,
				"payout", p.Payout.Dec(),
				"epochID", p.Deposit.EpochID,
				"transferID", hexID(p.TransferID),
				"txHash", receipt.TxHash,
				"err", err,
			)
			return Withdrawal{}, settleUnresolved, fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}

		if rerr := l.rollbackWithdraw(bg, p, err); rerr != nil {
			l.log.Error("roll back failed withdrawal", "identity", p.Identity, "transferID", hexID(p.TransferID), "err", rerr, "transferErr", err)
			return Withdrawal{}, settleUnresolved, fmt.Errorf("%w: %v (rollback: %v)", ErrTransferFailed, err, rerr)
		}
		l.log.Warn("withdraw transfer failed; deposit restored", "identity", p.Identity, "epochID", p.Deposit.EpochID, "err", err)
		return Withdrawal{}, settleRolledBack, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	w, err := l.completeWithdraw(bg, p, receipt)
	if err != nil {
		return Withdrawal{}, settleUnresolved, err
	}
	return w, settleCompleted, nil
}

func (l *Ledger) rollbackWithdraw(ctx context.Context, p PendingWithdrawal, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.update(ctx, func(tx Tx) error {
		got, ok, err := tx.Pending(ctx, p.Identity)
		if err != nil {
			return err
		}
		if !ok || got.TransferID != p.TransferID {
			return fmt.Errorf("%w: %s", ErrPendingNotFound, hexID(p.TransferID))
		}
		cur, err := tx.Deposit(ctx, p.Identity)
		if err != nil {
			return err
		}
		if cur.Active() {
			return fmt.Errorf("%w: %s deposited while withdrawal was in flight", ErrDepositAlreadyActive, p.Identity)
		}
		if err := tx.PutDeposit(ctx, p.Identity, p.Deposit); err != nil {
			return err
		}
		if err := tx.DeletePending(ctx, p.Identity); err != nil {
			return err
		}
		return finishCommand(ctx, tx, p, func(rec *CommandRecord) {
			rec.State = CommandRejected
			rec.ErrKind = KindTransferFailed
			rec.Message = fmt.Errorf("%w: %w", ErrTransferFailed, cause).Error()
		})
	})
}

func (l *Ledger) completeWithdraw(ctx context.Context, p PendingWithdrawal, r Receipt) (Withdrawal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.update(ctx, func(tx Tx) error {
		got, ok, err := tx.Pending(ctx, p.Identity)
		if err != nil {
			return err
		}
		if !ok || got.TransferID != p.TransferID {
			return fmt.Errorf("%w: %s", ErrPendingNotFound, hexID(p.TransferID))
		}
		if err := tx.DeletePending(ctx, p.Identity); err != nil {
			return err
		}
		return finishCommand(ctx, tx, p, func(rec *CommandRecord) {
			rec.State = CommandApplied
			rec.TxHash = r.TxHash
			rec.ErrKind, rec.Message = "", ""
		})
	})
	if err != nil {
		l.log.Error("complete withdrawal journal", "identity", p.Identity, "transferID", hexID(p.TransferID), "txHash", r.TxHash, "err", err)
		return Withdrawal{}, fmt.Errorf("ledger: complete withdrawal: %w", err)
	}

	w := Withdrawal{
		Identity:   p.Identity,
		Payout:     p.Payout,
		EpochID:    p.Deposit.EpochID,
		TransferID: p.TransferID,
		TxHash:     r.TxHash,
	}
	l.log.Info("withdraw", "identity", w.Identity, "payout", w.Payout.Dec(), "epochID", w.EpochID, "txHash", w.TxHash)
	l.emit(ctx, Event{
		Kind:       EventWithdraw,
		Identity:   w.Identity,
		Amount:     w.Payout,
		EpochID:    w.EpochID,
		TransferID: w.TransferID,
		TxHash:     w.TxHash,
	})
	return w, nil
}

func (l *Ledger) notePendingTx(ctx context.Context, p PendingWithdrawal, txHash common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.update(ctx, func(tx Tx) error {
		got, ok, err := tx.Pending(ctx, p.Identity)
		if err != nil {
			return err
		}
		if !ok || got.TransferID != p.TransferID {
			return fmt.Errorf("%w: %s", ErrPendingNotFound, hexID(p.TransferID))
		}
		got.TxHash = txHash
		return tx.PutPending(ctx, got)
	})
}

// RecoveryReport summarises a Recover run.
type RecoveryReport struct {
	Completed  int
	RolledBack int
	Unresolved int
}

// Recover replays every journaled withdrawal that is not currently being
// processed, using the original transfer id. Completed transfers emit their
// Withdraw event, definitely failed ones restore the deposit, and unknown
// outcomes stay pending.
func (l *Ledger) Recover(ctx context.Context) (RecoveryReport, error) {
	pending, err := l.PendingWithdrawals(ctx)
	if err != nil {
		return RecoveryReport{}, err
	}

	var rep RecoveryReport
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !l.claim(p.TransferID) {
			continue
		}
		_, outcome, err := l.settle(ctx, p, Transfer{
			ID:          p.TransferID,
			To:          p.Identity,
			Amount:      p.Payout,
			Replay:      true,
			PriorTxHash: p.TxHash,
		})
		l.release(p.TransferID)

		switch outcome {
		case settleCompleted:
			rep.Completed++
		case settleRolledBack:
			rep.RolledBack++
		default:
			rep.Unresolved++
		}
		if err != nil {
			l.log.Warn("recover withdrawal", "identity", p.Identity, "transferID", hexID(p.TransferID), "err", err)
		}
	}
	l.log.Info("recovery finished", "completed", rep.Completed, "rolledBack", rep.RolledBack, "unresolved", rep.Unresolved)
	return rep, nil
}

// ClaimWriter stamps the store with the current fencing token so that writes
// from an earlier lease holder are rejected from now on. It is a no-op when
// the ledger runs without a fence.
func (l *Ledger) ClaimWriter(ctx context.Context) error {
	if l.cfg.Fence == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.update(ctx, func(Tx) error { return nil })
}

// update runs fn in a store transaction after checking the writer fence.
func (l *Ledger) update(ctx context.Context, fn func(tx Tx) error) error {
	return l.store.Update(ctx, func(tx Tx) error {
		if l.cfg.Fence != nil {
			if err := tx.Fence(ctx, l.cfg.Fence()); err != nil {
				return err
			}
		}
		return fn(tx)
	})
}

func (l *Ledger) claim(id [32]byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[id]; busy {
		return false
	}
	l.inflight[id] = struct{}{}
	return true
}

func (l *Ledger) GetDeposit(ctx context.Context, who common.Address) (Deposit, error) {
	var d Deposit
	err := l.store.View(ctx, func(tx ReadTx) error {
		var err error
		d, err = tx.Deposit(ctx, who)
		return err
	})
	return d, err
}

// GetEpoch returns the epoch record for id. Epochs up to the current one exist;
// an epoch nobody deposited into reports zero totals.
func (l *Ledger) GetEpoch(ctx context.Context, id EpochID) (Epoch, error) {
	var e Epoch
	err := l.store.View(ctx, func(tx ReadTx) error {
		cur, err := tx.CurrentEpochID(ctx)
		if err != nil {
			return err
		}
		if id < FirstEpochID || id > cur {
			return fmt.Errorf("%w: %d", ErrEpochNotFound, id)
		}
		got, ok, err := tx.Epoch(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			got = Epoch{ID: id}
		}
		e = got
		return nil
	})
	return e, err
}

func (l *Ledger) CurrentEpochID(ctx context.Context) (EpochID, error) {
	var id EpochID
	err := l.store.View(ctx, func(tx ReadTx) error {
		var err error
		id, err = tx.CurrentEpochID(ctx)
		return err
	})
	return id, err
}

func (l *Ledger) PendingWithdrawals(ctx context.Context) ([]PendingWithdrawal, error) {
	var out []PendingWithdrawal
	err := l.store.View(ctx, func(tx ReadTx) error {
		var err error
		out, err = tx.ListPending(ctx)
		return err
	})
	return out, err
}

// Snapshot copies the whole ledger state inside one read transaction.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		TakenAt:       l.cfg.Now().UTC(),
		Administrator: l.cfg.Administrator,
	}
	err := l.store.View(ctx, func(tx ReadTx) error {
		var err error
		if snap.CurrentEpochID, err = tx.CurrentEpochID(ctx); err != nil {
			return err
		}
		if snap.Epochs, err = tx.ListEpochs(ctx); err != nil {
			return err
		}
		if snap.Deposits, err = tx.ListDeposits(ctx); err != nil {
			return err
		}
		if snap.Pending, err = tx.ListPending(ctx); err != nil {
			return err
		}
		snap.NextSeq, err = tx.NextSeq(ctx)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (l *Ledger) emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = l.cfg.Now().UTC()
	}
	if err := l.sink.Emit(ctx, ev); err != nil {
		l.log.Warn("emit event", "kind", ev.Kind.String(), "epochID", ev.EpochID, "err", err)
	}
}

func hexID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}
