package custodian

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type pendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// nonceManager hands out nonces for the custodian wallet. Payouts for
// different identities run concurrently, so nonces are reserved locally
// instead of re-reading the pending nonce per transaction.
type nonceManager struct {
	backend pendingNoncer
	addr    common.Address

	mu   sync.Mutex
	next uint64
	have bool
}

func newNonceManager(backend pendingNoncer, addr common.Address) *nonceManager {
	return &nonceManager{backend: backend, addr: addr}
}

func (m *nonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}
	n := m.next
	m.next++
	return n, nil
}

// Reset drops the local view so the next reservation re-reads the pending
// nonce. Used after a broadcast error, which may have left a gap.
func (m *nonceManager) Reset() {
	m.mu.Lock()
	m.have = false
	m.mu.Unlock()
}
