package archive

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/holiman/uint256"
)

const SnapshotVersion = "ledger.snapshot.v1"

// Amounts are decimal strings; ids are 0x-prefixed hex.
type snapshotDoc struct {
	Version        string       `json:"version"`
	TakenAt        time.Time    `json:"takenAt"`
	Administrator  string       `json:"administrator"`
	CurrentEpochID uint64       `json:"currentEpochId"`
	NextSeq        uint64       `json:"nextSeq"`
	Epochs         []epochDoc   `json:"epochs"`
	Deposits       []depositDoc `json:"deposits"`
	Pending        []pendingDoc `json:"pending"`
}

type epochDoc struct {
	ID            uint64 `json:"id"`
	TotalDeposits string `json:"totalDeposits"`
	TotalRewards  string `json:"totalRewards"`
}

type depositDoc struct {
	Identity string `json:"identity"`
	Amount   string `json:"amount"`
	EpochID  uint64 `json:"epochId"`
}

type pendingDoc struct {
	TransferID string    `json:"transferId"`
	Seq        uint64    `json:"seq"`
	Identity   string    `json:"identity"`
	Amount     string    `json:"amount"`
	EpochID    uint64    `json:"epochId"`
	Payout     string    `json:"payout"`
	TxHash     string    `json:"txHash,omitempty"`
	CommandID  string    `json:"commandId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func encodeSnapshot(s ledger.Snapshot) ([]byte, error) {
	doc := snapshotDoc{
		Version:        SnapshotVersion,
		TakenAt:        s.TakenAt.UTC(),
		Administrator:  s.Administrator.Hex(),
		CurrentEpochID: uint64(s.CurrentEpochID),
		NextSeq:        s.NextSeq,
		Epochs:         make([]epochDoc, 0, len(s.Epochs)),
		Deposits:       make([]depositDoc, 0, len(s.Deposits)),
		Pending:        make([]pendingDoc, 0, len(s.Pending)),
	}
	for _, e := range s.Epochs {
		doc.Epochs = append(doc.Epochs, epochDoc{
			ID:            uint64(e.ID),
			TotalDeposits: e.TotalDeposits.Dec(),
			TotalRewards:  e.TotalRewards.Dec(),
		})
	}
	for _, d := range s.Deposits {
		doc.Deposits = append(doc.Deposits, depositDoc{
			Identity: d.Identity.Hex(),
			Amount:   d.Deposit.Amount.Dec(),
			EpochID:  uint64(d.Deposit.EpochID),
		})
	}
	for _, p := range s.Pending {
		pd := pendingDoc{
			TransferID: "0x" + hex.EncodeToString(p.TransferID[:]),
			Seq:        p.Seq,
			Identity:   p.Identity.Hex(),
			Amount:     p.Deposit.Amount.Dec(),
			EpochID:    uint64(p.Deposit.EpochID),
			Payout:     p.Payout.Dec(),
			CommandID:  p.CommandID,
			CreatedAt:  p.CreatedAt.UTC(),
		}
		if p.TxHash != (common.Hash{}) {
			pd.TxHash = p.TxHash.Hex()
		}
		doc.Pending = append(doc.Pending, pd)
	}
	return json.Marshal(doc)
}

func decodeSnapshot(b []byte) (ledger.Snapshot, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Version != SnapshotVersion {
		return ledger.Snapshot{}, fmt.Errorf("%w: version %q", ErrCorrupt, doc.Version)
	}
	if !common.IsHexAddress(doc.Administrator) {
		return ledger.Snapshot{}, fmt.Errorf("%w: administrator", ErrCorrupt)
	}

	s := ledger.Snapshot{
		TakenAt:        doc.TakenAt,
		Administrator:  common.HexToAddress(doc.Administrator),
		CurrentEpochID: ledger.EpochID(doc.CurrentEpochID),
		NextSeq:        doc.NextSeq,
	}
	for _, e := range doc.Epochs {
		deps, err := amount(e.TotalDeposits)
		if err != nil {
			return ledger.Snapshot{}, err
		}
		rew, err := amount(e.TotalRewards)
		if err != nil {
			return ledger.Snapshot{}, err
		}
		s.Epochs = append(s.Epochs, ledger.Epoch{ID: ledger.EpochID(e.ID), TotalDeposits: deps, TotalRewards: rew})
	}
	for _, d := range doc.Deposits {
		if !common.IsHexAddress(d.Identity) {
			return ledger.Snapshot{}, fmt.Errorf("%w: deposit identity %q", ErrCorrupt, d.Identity)
		}
		amt, err := amount(d.Amount)
		if err != nil {
			return ledger.Snapshot{}, err
		}
		s.Deposits = append(s.Deposits, ledger.AccountDeposit{
			Identity: common.HexToAddress(d.Identity),
			Deposit:  ledger.Deposit{Amount: amt, EpochID: ledger.EpochID(d.EpochID)},
		})
	}
	for _, p := range doc.Pending {
		if !common.IsHexAddress(p.Identity) {
			return ledger.Snapshot{}, fmt.Errorf("%w: pending identity %q", ErrCorrupt, p.Identity)
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(p.TransferID, "0x"))
		if err != nil || len(raw) != 32 {
			return ledger.Snapshot{}, fmt.Errorf("%w: transfer id %q", ErrCorrupt, p.TransferID)
		}
		amt, err := amount(p.Amount)
		if err != nil {
			return ledger.Snapshot{}, err
		}
		payout, err := amount(p.Payout)
		if err != nil {
			return ledger.Snapshot{}, err
		}
		pw := ledger.PendingWithdrawal{
			Seq:       p.Seq,
			Identity:  common.HexToAddress(p.Identity),
			Deposit:   ledger.Deposit{Amount: amt, EpochID: ledger.EpochID(p.EpochID)},
			Payout:    payout,
			CommandID: p.CommandID,
			CreatedAt: p.CreatedAt,
		}
		copy(pw.TransferID[:], raw)
		if p.TxHash != "" {
			pw.TxHash = common.HexToHash(p.TxHash)
		}
		s.Pending = append(s.Pending, pw)
	}
	return s, nil
}

func amount(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: amount %q", ErrCorrupt, s)
	}
	return *v, nil
}
