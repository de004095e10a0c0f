package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CommandOp names a mutation that can be applied by command id.
type CommandOp string

const (
	OpDeposit    CommandOp = "deposit"
	OpAddRewards CommandOp = "add_rewards"
	OpWithdraw   CommandOp = "withdraw"
)

// Command is a mutation requested by a client that may deliver it more than
// once. ID identifies it across deliveries.
type Command struct {
	ID     string
	Op     CommandOp
	Caller common.Address
	// Amount is ignored by withdraw.
	Amount uint256.Int
}

type CommandState uint8

const (
	CommandApplied CommandState = iota + 1
	CommandRejected
	// CommandInFlight is a withdraw whose transfer has not settled yet.
	CommandInFlight
)

func (s CommandState) String() string {
	switch s {
	case CommandApplied:
		return "applied"
	case CommandRejected:
		return "rejected"
	case CommandInFlight:
		return "in_flight"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseCommandState(s string) (CommandState, error) {
	switch s {
	case "applied":
		return CommandApplied, nil
	case "rejected":
		return CommandRejected, nil
	case "in_flight":
		return CommandInFlight, nil
	default:
		return 0, fmt.Errorf("ledger: unknown command state %q", s)
	}
}

// CommandRecord is the stored outcome of a command. An applied record is
// committed in the same store transaction as the mutation it describes.
type CommandRecord struct {
	ID     string
	Op     CommandOp
	Caller common.Address
	State  CommandState

	// Amount is the deposit, the rewards added or the payout.
	Amount     uint256.Int
	EpochID    EpochID
	TransferID [32]byte
	TxHash     common.Hash

	// ErrKind and Message describe a rejection, or the last transfer error of
	// an in-flight withdraw.
	ErrKind string
	Message string
	At      time.Time
}

// Apply runs c at most once per command id. A repeated id returns the stored
// record with replayed set and leaves the ledger untouched.
//
// Rejections are recorded like successes, so a redelivered command gets the
// answer it got the first time even if the ledger has moved on. Only internal
// failures return an error; they leave no record and the command may be
// retried.
func (l *Ledger) Apply(ctx context.Context, c Command) (rec CommandRecord, replayed bool, err error) {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return CommandRecord{}, false, fmt.Errorf("%w: empty command id", ErrInvalidCommand)
	}

	switch c.Op {
	case OpDeposit:
		var d Deposit
		rec, replayed, err = l.applyOnce(ctx, c, func(tx Tx, rec *CommandRecord) error {
			var err error
			if d, err = l.depositTx(ctx, tx, c.Caller, c.Amount); err != nil {
				return err
			}
			rec.Amount, rec.EpochID = d.Amount, d.EpochID
			return nil
		})
		if err == nil && !replayed && rec.State == CommandApplied {
			l.deposited(ctx, c.Caller, d)
		}
		return rec, replayed, err

	case OpAddRewards:
		var closed EpochID
		rec, replayed, err = l.applyOnce(ctx, c, func(tx Tx, rec *CommandRecord) error {
			var err error
			if closed, err = l.addRewardsTx(ctx, tx, c.Caller, c.Amount); err != nil {
				return err
			}
			rec.Amount, rec.EpochID = c.Amount, closed
			return nil
		})
		if err == nil && !replayed && rec.State == CommandApplied {
			l.rewarded(ctx, c.Amount, closed)
		}
		return rec, replayed, err

	case OpWithdraw:
		return l.applyWithdraw(ctx, c)

	default:
		return CommandRecord{}, false, fmt.Errorf("%w: op %q", ErrInvalidCommand, c.Op)
	}
}

func (l *Ledger) applyWithdraw(ctx context.Context, c Command) (CommandRecord, bool, error) {
	var p PendingWithdrawal
	rec, replayed, err := l.applyOnce(ctx, c, func(tx Tx, rec *CommandRecord) error {
		var err error
		if p, err = l.withdrawTx(ctx, tx, c.Caller, c.ID); err != nil {
			return err
		}
		rec.State = CommandInFlight
		rec.Amount, rec.EpochID, rec.TransferID = p.Payout, p.Deposit.EpochID, p.TransferID
		return nil
	})
	if err != nil || replayed || rec.State != CommandInFlight {
		return rec, replayed, err
	}
	if !l.claim(p.TransferID) {
		// Recover owns it.
		return rec, false, nil
	}
	defer l.release(p.TransferID)

	w, outcome, err := l.settle(ctx, p, Transfer{ID: p.TransferID, To: p.Identity, Amount: p.Payout})
	switch outcome {
	case settleCompleted:
		rec.State = CommandApplied
		rec.TxHash = w.TxHash
	case settleRolledBack:
		rec.State = CommandRejected
		rec.ErrKind, rec.Message = ErrorKind(err), err.Error()
	default:
		rec.ErrKind, rec.Message = ErrorKind(err), err.Error()
	}
	return rec, false, nil
}

// applyOnce runs mutate and stores the command record in one transaction. A
// rejected mutation rolls back and its rejection is stored by a second
// transaction, so a half-applied mutation is never committed.
func (l *Ledger) applyOnce(ctx context.Context, c Command, mutate func(tx Tx, rec *CommandRecord) error) (CommandRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		rec      CommandRecord
		replayed bool
	)
	err := l.update(ctx, func(tx Tx) error {
		prev, ok, err := tx.Command(ctx, c.ID)
		if err != nil {
			return err
		}
		if ok {
			rec, replayed = prev, true
			return nil
		}
		rec = CommandRecord{ID: c.ID, Op: c.Op, Caller: c.Caller, State: CommandApplied, At: l.cfg.Now().UTC()}
		if err := mutate(tx, &rec); err != nil {
			return err
		}
		return tx.PutCommand(ctx, rec)
	})
	if err == nil {
		if replayed {
			l.log.Info("command replayed", "commandID", c.ID, "op", c.Op, "state", rec.State.String())
		}
		return rec, replayed, nil
	}

	kind := ErrorKind(err)
	if kind == KindInternal {
		return CommandRecord{}, false, err
	}
	rec = CommandRecord{
		ID:      c.ID,
		Op:      c.Op,
		Caller:  c.Caller,
		State:   CommandRejected,
		ErrKind: kind,
		Message: err.Error(),
		At:      l.cfg.Now().UTC(),
	}
	if rerr := l.update(ctx, func(tx Tx) error { return tx.PutCommand(ctx, rec) }); rerr != nil {
		return CommandRecord{}, false, fmt.Errorf("ledger: record rejected command %s: %w", c.ID, rerr)
	}
	return rec, false, nil
}

// finishCommand moves the record of the command that started p out of the
// in-flight state. Withdrawals not started by a command have nothing to update.
func finishCommand(ctx context.Context, tx Tx, p PendingWithdrawal, edit func(rec *CommandRecord)) error {
	if p.CommandID == "" {
		return nil
	}
	rec, ok, err := tx.Command(ctx, p.CommandID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	edit(&rec)
	return tx.PutCommand(ctx, rec)
}
