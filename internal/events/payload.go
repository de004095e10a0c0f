// Package events turns ledger audit events into queue payloads and fans them
// out to sinks.
package events

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/holiman/uint256"
)

const PayloadVersion = "ledger.event.v1"

var ErrInvalidPayload = errors.New("events: invalid payload")

// Payload is the JSON wire form of a ledger event. Amount is a decimal string.
type Payload struct {
	Version    string    `json:"version"`
	Kind       string    `json:"kind"`
	Identity   string    `json:"identity,omitempty"`
	Amount     string    `json:"amount"`
	EpochID    uint64    `json:"epochId"`
	TransferID string    `json:"transferId,omitempty"`
	TxHash     string    `json:"txHash,omitempty"`
	At         time.Time `json:"at"`
}

func BuildPayload(ev ledger.Event) Payload {
	p := Payload{
		Version: PayloadVersion,
		Kind:    ev.Kind.String(),
		Amount:  ev.Amount.Dec(),
		EpochID: uint64(ev.EpochID),
		At:      ev.At.UTC(),
	}
	if ev.Identity != (common.Address{}) {
		p.Identity = ev.Identity.Hex()
	}
	if ev.TransferID != ([32]byte{}) {
		p.TransferID = "0x" + hex.EncodeToString(ev.TransferID[:])
	}
	if ev.TxHash != (common.Hash{}) {
		p.TxHash = ev.TxHash.Hex()
	}
	return p
}

// ParsePayload decodes and validates a payload produced by BuildPayload.
func ParsePayload(b []byte) (ledger.Event, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return ledger.Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Version != PayloadVersion {
		return ledger.Event{}, fmt.Errorf("%w: version %q", ErrInvalidPayload, p.Version)
	}

	var ev ledger.Event
	switch p.Kind {
	case ledger.EventDeposit.String():
		ev.Kind = ledger.EventDeposit
	case ledger.EventAddRewards.String():
		ev.Kind = ledger.EventAddRewards
	case ledger.EventWithdraw.String():
		ev.Kind = ledger.EventWithdraw
	default:
		return ledger.Event{}, fmt.Errorf("%w: kind %q", ErrInvalidPayload, p.Kind)
	}

	amount, err := uint256.FromDecimal(p.Amount)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("%w: amount %q", ErrInvalidPayload, p.Amount)
	}
	ev.Amount = *amount
	ev.EpochID = ledger.EpochID(p.EpochID)
	ev.At = p.At

	if p.Identity != "" {
		if !common.IsHexAddress(p.Identity) {
			return ledger.Event{}, fmt.Errorf("%w: identity %q", ErrInvalidPayload, p.Identity)
		}
		ev.Identity = common.HexToAddress(p.Identity)
	}
	if p.TransferID != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(p.TransferID, "0x"))
		if err != nil || len(raw) != 32 {
			return ledger.Event{}, fmt.Errorf("%w: transferId", ErrInvalidPayload)
		}
		copy(ev.TransferID[:], raw)
	}
	if p.TxHash != "" {
		ev.TxHash = common.HexToHash(p.TxHash)
	}
	return ev, nil
}
