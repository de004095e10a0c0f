// Package command defines the queue envelopes that drive the ledger and the
// worker that applies them.
package command

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	CommandVersion = "ledger.command.v1"
	ResultVersion  = "ledger.result.v1"
)

type Op = ledger.CommandOp

const (
	OpDeposit    = ledger.OpDeposit
	OpAddRewards = ledger.OpAddRewards
	OpWithdraw   = ledger.OpWithdraw
)

// KindInvalidCommand is the result error kind for envelopes that fail to parse.
const KindInvalidCommand = "invalid_command"

var ErrInvalidCommand = errors.New("command: invalid command")

type Command struct {
	Version string `json:"version"`
	ID      string `json:"id"`
	Op      Op     `json:"op"`
	Caller  string `json:"caller"`
	// Amount is a decimal wei string; unused by withdraw.
	Amount string `json:"amount,omitempty"`
}

// New builds a command with a fresh random id.
func New(op Op, caller common.Address, amount *uint256.Int) Command {
	c := Command{
		Version: CommandVersion,
		ID:      uuid.NewString(),
		Op:      op,
		Caller:  caller.Hex(),
	}
	if amount != nil && op != OpWithdraw {
		c.Amount = amount.Dec()
	}
	return c
}

// Parsed is a validated command.
type Parsed struct {
	ID     string
	Op     Op
	Caller common.Address
	Amount uint256.Int
}

func Parse(b []byte) (Parsed, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Parsed{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return c.Validate()
}

func (c Command) Validate() (Parsed, error) {
	if c.Version != CommandVersion {
		return Parsed{}, fmt.Errorf("%w: version %q", ErrInvalidCommand, c.Version)
	}
	id, err := uuid.Parse(strings.TrimSpace(c.ID))
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: id: %v", ErrInvalidCommand, err)
	}
	if !common.IsHexAddress(c.Caller) {
		return Parsed{}, fmt.Errorf("%w: caller %q", ErrInvalidCommand, c.Caller)
	}
	p := Parsed{ID: id.String(), Op: c.Op, Caller: common.HexToAddress(c.Caller)}

	switch c.Op {
	case OpDeposit, OpAddRewards:
		s := strings.TrimSpace(c.Amount)
		if s == "" {
			return Parsed{}, fmt.Errorf("%w: amount is required for %s", ErrInvalidCommand, c.Op)
		}
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return Parsed{}, fmt.Errorf("%w: amount %q", ErrInvalidCommand, c.Amount)
		}
		p.Amount = *v
	case OpWithdraw:
	default:
		return Parsed{}, fmt.Errorf("%w: op %q", ErrInvalidCommand, c.Op)
	}
	return p, nil
}

// Result answers exactly one command. Amount is the deposited amount, the
// rewards added or the payout, depending on Op.
type Result struct {
	Version    string    `json:"version"`
	CommandID  string    `json:"commandId"`
	Op         Op        `json:"op,omitempty"`
	Caller     string    `json:"caller,omitempty"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	EpochID    uint64    `json:"epochId,omitempty"`
	TransferID string    `json:"transferId,omitempty"`
	TxHash     string    `json:"txHash,omitempty"`
	Duplicate  bool      `json:"duplicate,omitempty"`
	At         time.Time `json:"at"`
}

func ParseResult(b []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return Result{}, fmt.Errorf("command: parse result: %w", err)
	}
	if r.Version != ResultVersion {
		return Result{}, fmt.Errorf("command: unexpected result version %q", r.Version)
	}
	return r, nil
}

func failed(p Parsed, kind string, err error, at time.Time) Result {
	return Result{
		Version:   ResultVersion,
		CommandID: p.ID,
		Op:        p.Op,
		Caller:    p.Caller.Hex(),
		Error:     kind,
		Message:   err.Error(),
		At:        at,
	}
}

// recordResult renders the stored outcome of a command.
func recordResult(rec ledger.CommandRecord, at time.Time) Result {
	r := Result{
		Version:   ResultVersion,
		CommandID: rec.ID,
		Op:        rec.Op,
		Caller:    rec.Caller.Hex(),
		At:        at,
	}
	switch rec.State {
	case ledger.CommandApplied:
		r.OK = true
		r.Amount = rec.Amount.Dec()
		r.EpochID = uint64(rec.EpochID)
	case ledger.CommandInFlight:
		r.Error = rec.ErrKind
		if r.Error == "" {
			r.Error = ledger.KindTransferFailed
		}
		r.Message = rec.Message
		if r.Message == "" {
			r.Message = "withdrawal still pending"
		}
		r.Amount = rec.Amount.Dec()
		r.EpochID = uint64(rec.EpochID)
	default:
		r.Error = rec.ErrKind
		r.Message = rec.Message
	}
	if rec.TransferID != ([32]byte{}) {
		r.TransferID = "0x" + hex.EncodeToString(rec.TransferID[:])
	}
	if rec.TxHash != (common.Hash{}) {
		r.TxHash = rec.TxHash.Hex()
	}
	return r
}
