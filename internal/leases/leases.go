// Package leases provides expiring single-writer leases. The ledger process
// holds one so that two instances never drive the same store and custodian.
package leases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
	ErrLost         = errors.New("leases: lease lost")
)

// Lease is a named, expiring ownership record. Token increases every time the
// lease changes hands, so a stale holder can be told apart from the current one.
type Lease struct {
	Name      string
	Owner     string
	Token     int64
	ExpiresAt time.Time
}

// Store semantics:
//   - Acquire succeeds when the lease is absent, expired, or already held by
//     owner (which extends it without changing Token).
//   - Renew succeeds only for the current owner.
//   - Release is a no-op when the lease is absent.
type Store interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func CheckInput(name, owner string, ttl time.Duration) error {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: name and owner are required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
