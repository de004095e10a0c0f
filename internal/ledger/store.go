package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var ErrPendingNotFound = errors.New("ledger: pending withdrawal not found")

// ReadTx is a consistent read view of the ledger state.
type ReadTx interface {
	CurrentEpochID(ctx context.Context) (EpochID, error)
	// Epoch returns false when no deposit ever landed in id.
	Epoch(ctx context.Context, id EpochID) (Epoch, bool, error)
	// Deposit returns the zero Deposit when who has no active deposit.
	Deposit(ctx context.Context, who common.Address) (Deposit, error)
	Pending(ctx context.Context, who common.Address) (PendingWithdrawal, bool, error)

	ListEpochs(ctx context.Context) ([]Epoch, error)
	ListDeposits(ctx context.Context) ([]AccountDeposit, error)
	ListPending(ctx context.Context) ([]PendingWithdrawal, error)
	NextSeq(ctx context.Context) (uint64, error)

	Command(ctx context.Context, id string) (CommandRecord, bool, error)
}

// Tx is a read-write transaction. Writes become visible only when the
// transaction commits.
type Tx interface {
	ReadTx

	SetCurrentEpochID(ctx context.Context, id EpochID) error
	PutEpoch(ctx context.Context, e Epoch) error
	// PutDeposit stores d for who; an inactive d removes the record.
	PutDeposit(ctx context.Context, who common.Address, d Deposit) error
	// TakeSeq returns the next withdrawal sequence number and advances it.
	TakeSeq(ctx context.Context) (uint64, error)
	PutPending(ctx context.Context, p PendingWithdrawal) error
	DeletePending(ctx context.Context, who common.Address) error

	// PutCommand inserts or replaces the record of rec.ID.
	PutCommand(ctx context.Context, rec CommandRecord) error
	// Fence fails with ErrFenced when token is below the highest writer token
	// committed so far, and raises that mark to token otherwise.
	Fence(ctx context.Context, token int64) error
}

// Store persists the ledger state.
//
// Update runs fn in a single read-write transaction: either every write made
// through tx is committed, or (when fn or the commit fails) none is. Updates
// are serialised against each other.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx ReadTx) error) error
}
