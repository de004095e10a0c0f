package leases

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemory_AcquireRenewReleaseAndTakeover(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	m := NewMemory(func() time.Time { return now })
	ctx := context.Background()

	l, ok, err := m.Acquire(ctx, "pool-ledger", "a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	if l.Owner != "a" || l.Token != 1 || !l.ExpiresAt.Equal(now.Add(10*time.Second)) {
		t.Fatalf("unexpected lease %+v", l)
	}

	// Re-acquiring by the holder extends without a new token.
	now = now.Add(time.Second)
	l, ok, err = m.Acquire(ctx, "pool-ledger", "a", 10*time.Second)
	if err != nil || !ok || l.Token != 1 {
		t.Fatalf("re-acquire: %+v ok=%v err=%v", l, ok, err)
	}

	held, ok, err := m.Acquire(ctx, "pool-ledger", "b", 10*time.Second)
	if err != nil || ok || held.Owner != "a" {
		t.Fatalf("expected lease held by a: %+v ok=%v err=%v", held, ok, err)
	}

	if _, err := m.Renew(ctx, "pool-ledger", "b", time.Second); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := m.Renew(ctx, "other", "a", time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	now = now.Add(5 * time.Second)
	l, err = m.Renew(ctx, "pool-ledger", "a", 10*time.Second)
	if err != nil || !l.ExpiresAt.Equal(now.Add(10*time.Second)) {
		t.Fatalf("Renew: %+v %v", l, err)
	}

	// After expiry another owner takes over with a higher token.
	now = now.Add(11 * time.Second)
	l, ok, err = m.Acquire(ctx, "pool-ledger", "b", 10*time.Second)
	if err != nil || !ok || l.Owner != "b" || l.Token != 2 {
		t.Fatalf("takeover: %+v ok=%v err=%v", l, ok, err)
	}

	if err := m.Release(ctx, "pool-ledger", "a"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner on release by a, got %v", err)
	}
	if err := m.Release(ctx, "pool-ledger", "b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := m.Release(ctx, "pool-ledger", "b"); err != nil {
		t.Fatalf("Release is idempotent: %v", err)
	}
	if _, err := m.Get(ctx, "pool-ledger"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after release, got %v", err)
	}

	// Tokens keep increasing across release.
	l, ok, err = m.Acquire(ctx, "pool-ledger", "a", time.Second)
	if err != nil || !ok || l.Token != 3 {
		t.Fatalf("acquire after release: %+v ok=%v err=%v", l, ok, err)
	}
}

func TestMemory_InvalidInput(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	ctx := context.Background()
	if _, _, err := m.Acquire(ctx, "", "a", time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := m.Acquire(ctx, "x", " ", time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := m.Renew(ctx, "x", "a", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := m.Release(ctx, "", "a"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := m.Get(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNewGuardValidation(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	if _, err := NewGuard(nil, GuardConfig{Name: "n", Owner: "o", TTL: time.Second}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil store, got %v", err)
	}
	if _, err := NewGuard(m, GuardConfig{Name: "n", Owner: "o", TTL: time.Second, RenewEvery: 2 * time.Second}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for renew >= ttl, got %v", err)
	}
	g, err := NewGuard(m, GuardConfig{Name: "n", Owner: "o", TTL: time.Second})
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if err := g.Hold(context.Background()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Hold before Acquire must fail, got %v", err)
	}
}

func TestGuard_AcquireWaitsForExpiryAndHoldReleases(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	ctx := context.Background()
	if _, ok, err := m.Acquire(ctx, "pool-ledger", "old", 150*time.Millisecond); err != nil || !ok {
		t.Fatalf("seed: ok=%v err=%v", ok, err)
	}

	g, err := NewGuard(m, GuardConfig{Name: "pool-ledger", Owner: "new", TTL: 300 * time.Millisecond, RenewEvery: 50 * time.Millisecond, RetryEvery: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	actx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	l, err := g.Acquire(actx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Owner != "new" || l.Token != 2 || g.Lease() != l {
		t.Fatalf("unexpected lease %+v", l)
	}

	hctx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- g.Hold(hctx) }()

	time.Sleep(400 * time.Millisecond)
	cur, err := m.Get(ctx, "pool-ledger")
	if err != nil || cur.Owner != "new" {
		t.Fatalf("lease must stay renewed past its ttl: %+v %v", cur, err)
	}

	stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Hold: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Hold did not return")
	}
	if _, err := m.Get(ctx, "pool-ledger"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected lease released, got %v", err)
	}
}

func TestGuard_AcquireRespectsContext(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	if _, _, err := m.Acquire(context.Background(), "pool-ledger", "other", time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}
	g, err := NewGuard(m, GuardConfig{Name: "pool-ledger", Owner: "me", TTL: time.Second, RetryEvery: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

// flakyStore wraps Memory and lets tests break Renew.
type flakyStore struct {
	*Memory
	renewErr atomic.Value
}

func (f *flakyStore) Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, error) {
	if err, ok := f.renewErr.Load().(error); ok && err != nil {
		return Lease{}, err
	}
	return f.Memory.Renew(ctx, name, owner, ttl)
}

func TestGuard_HoldReportsTakeover(t *testing.T) {
	t.Parallel()

	s := &flakyStore{Memory: NewMemory(nil)}
	g, err := NewGuard(s, GuardConfig{Name: "pool-ledger", Owner: "me", TTL: time.Second, RenewEvery: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if _, err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.renewErr.Store(ErrNotOwner)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Hold(ctx); !errors.Is(err, ErrLost) {
		t.Fatalf("expected ErrLost, got %v", err)
	}
}

func TestGuard_HoldGivesUpAfterExpiry(t *testing.T) {
	t.Parallel()

	s := &flakyStore{Memory: NewMemory(nil)}
	g, err := NewGuard(s, GuardConfig{Name: "pool-ledger", Owner: "me", TTL: 150 * time.Millisecond, RenewEvery: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if _, err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.renewErr.Store(errors.New("connection reset"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := g.Hold(ctx); !errors.Is(err, ErrLost) {
		t.Fatalf("expected ErrLost, got %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatalf("gave up before the lease expired")
	}
}
