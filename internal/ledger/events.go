package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type EventKind uint8

const (
	EventDeposit EventKind = iota + 1
	EventAddRewards
	EventWithdraw
)

func (k EventKind) String() string {
	switch k {
	case EventDeposit:
		return "Deposit"
	case EventAddRewards:
		return "AddRewards"
	case EventWithdraw:
		return "Withdraw"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Event is an audit record. Identity is zero for AddRewards; Amount is the
// payout for Withdraw.
type Event struct {
	Kind       EventKind
	Identity   common.Address
	Amount     uint256.Int
	EpochID    EpochID
	TransferID [32]byte
	TxHash     common.Hash
	At         time.Time
}

// EventSink receives events after the operation that produced them has been
// committed. Sink failures never affect ledger state.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) error { return nil }
