package ledger

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FirstEpochID is the id of the epoch that is current when a ledger is created.
const FirstEpochID EpochID = 1

type EpochID uint64

type EpochState uint8

const (
	EpochOpen EpochState = iota + 1
	EpochClosed
)

func (s EpochState) String() string {
	switch s {
	case EpochOpen:
		return "open"
	case EpochClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Epoch is one reward-accrual period. An epoch is closed once any rewards were
// added to it; a closed epoch never changes again.
type Epoch struct {
	ID            EpochID
	TotalDeposits uint256.Int
	TotalRewards  uint256.Int
}

func (e Epoch) State() EpochState {
	if e.TotalRewards.IsZero() {
		return EpochOpen
	}
	return EpochClosed
}

// Deposit is the single deposit record of an identity. The zero value means
// "no active deposit".
type Deposit struct {
	Amount  uint256.Int
	EpochID EpochID
}

func (d Deposit) Active() bool {
	return !d.Amount.IsZero()
}

// AccountDeposit pairs a deposit with its owner.
type AccountDeposit struct {
	Identity common.Address
	Deposit  Deposit
}

// PendingWithdrawal is the journal record of a withdrawal whose deposit has
// been reset but whose transfer has not been confirmed yet.
type PendingWithdrawal struct {
	TransferID [32]byte
	Seq        uint64
	Identity   common.Address
	Deposit    Deposit
	Payout     uint256.Int

	// TxHash is the hash of the signed transfer, journaled before broadcast.
	TxHash common.Hash
	// CommandID is the command that started the withdrawal, if any.
	CommandID string
	CreatedAt time.Time
}

// Withdrawal is the result of a completed withdraw.
type Withdrawal struct {
	Identity   common.Address
	Payout     uint256.Int
	EpochID    EpochID
	TransferID [32]byte
	TxHash     common.Hash
}

// Snapshot is a consistent copy of the full ledger state.
type Snapshot struct {
	TakenAt        time.Time
	Administrator  common.Address
	CurrentEpochID EpochID
	Epochs         []Epoch
	Deposits       []AccountDeposit
	Pending        []PendingWithdrawal
	NextSeq        uint64
}
