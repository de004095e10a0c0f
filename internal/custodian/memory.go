// Package custodian holds the drivers that move pooled value on behalf of the
// ledger: an in-process balance, a hot wallet on an EVM chain, and an external
// transaction relayer.
package custodian

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/holiman/uint256"
)

var ErrInsufficientFunds = errors.New("custodian: insufficient funds")

// Memory keeps the pooled balance in process memory. Debits are idempotent by
// transfer id.
type Memory struct {
	mu      sync.Mutex
	balance uint256.Int
	paid    map[common.Address]uint256.Int
	done    map[[32]byte]ledger.Receipt
}

func NewMemory() *Memory {
	return &Memory{
		paid: make(map[common.Address]uint256.Int),
		done: make(map[[32]byte]ledger.Receipt),
	}
}

func (m *Memory) Credit(_ context.Context, amount uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, overflow := m.balance.AddOverflow(&m.balance, &amount); overflow {
		return fmt.Errorf("%w: custodian balance", ledger.ErrAmountOverflow)
	}
	return nil
}

func (m *Memory) Debit(_ context.Context, t ledger.Transfer) (ledger.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.done[t.ID]; ok {
		return r, nil
	}
	if t.Amount.Gt(&m.balance) {
		return ledger.Receipt{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, m.balance.Dec(), t.Amount.Dec())
	}

	m.balance.Sub(&m.balance, &t.Amount)
	p := m.paid[t.To]
	p.Add(&p, &t.Amount)
	m.paid[t.To] = p

	r := ledger.Receipt{TransferID: t.ID, TxHash: crypto.Keccak256Hash([]byte("memory-transfer"), t.ID[:])}
	m.done[t.ID] = r
	return r, nil
}

// Balance is what the custodian currently holds: deposits and rewards in,
// payouts out. Rounding dust accumulates here.
func (m *Memory) Balance() uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// Paid returns the total paid out to who.
func (m *Memory) Paid(who common.Address) uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paid[who]
}

var _ ledger.Custodian = (*Memory)(nil)
