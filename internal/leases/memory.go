package leases

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process lease store for single-binary runs and tests.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
	tokens map[string]int64
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:    now,
		leases: make(map[string]Lease),
		tokens: make(map[string]int64),
	}
}

func (m *Memory) Acquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := CheckInput(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, held := m.leases[name]
	if held && cur.ExpiresAt.After(now) && cur.Owner != owner {
		return cur, false, nil
	}

	next := Lease{Name: name, Owner: owner, Token: cur.Token, ExpiresAt: now.Add(ttl)}
	if !held || cur.Owner != owner || !cur.ExpiresAt.After(now) {
		m.tokens[name]++
		next.Token = m.tokens[name]
	}
	m.leases[name] = next
	return next, true, nil
}

func (m *Memory) Renew(_ context.Context, name, owner string, ttl time.Duration) (Lease, error) {
	if err := CheckInput(name, owner, ttl); err != nil {
		return Lease{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[name]
	switch {
	case !ok:
		return Lease{}, ErrNotFound
	case cur.Owner != owner:
		return Lease{}, ErrNotOwner
	}
	// An expired lease that nobody took over can still be renewed.
	cur.ExpiresAt = m.now().Add(ttl)
	m.leases[name] = cur
	return cur, nil
}

func (m *Memory) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[name]
	if !ok {
		return nil
	}
	if cur.Owner != owner {
		return ErrNotOwner
	}
	delete(m.leases, name)
	return nil
}

func (m *Memory) Get(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[name]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return cur, nil
}

var _ Store = (*Memory)(nil)
