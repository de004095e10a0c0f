package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Transfer instructs a custodian to pay Amount to To.
type Transfer struct {
	// ID is unique per withdrawal. Custodians must treat a repeated ID as the
	// same transfer and never pay it twice.
	ID     [32]byte
	To     common.Address
	Amount uint256.Int

	// Replay is set when the ledger re-issues a transfer whose earlier outcome
	// was unknown; PriorTxHash carries the hash reported by that attempt, if any.
	Replay      bool
	PriorTxHash common.Hash

	// Journal, when set, must be called with the hash of a signed transaction
	// before it is broadcast. If it fails the transaction must not be sent.
	Journal func(ctx context.Context, txHash common.Hash) error
}

type Receipt struct {
	TransferID [32]byte
	TxHash     common.Hash
}

// Custodian holds the pooled funds. The ledger never moves value itself.
//
// Debit returns an error wrapping ErrTransferOutcomeUnknown when the transfer
// may have been delivered; any other error means nothing was paid. A Receipt
// returned together with an unknown-outcome error may carry the tx hash of the
// attempt.
type Custodian interface {
	Credit(ctx context.Context, amount uint256.Int) error
	Debit(ctx context.Context, t Transfer) (Receipt, error)
}
