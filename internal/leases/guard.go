package leases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

type GuardConfig struct {
	Name  string
	Owner string
	TTL   time.Duration

	// RenewEvery defaults to TTL/3.
	RenewEvery time.Duration
	// RetryEvery is the Acquire poll interval. Defaults to RenewEvery.
	RetryEvery time.Duration

	Now func() time.Time
}

// Guard acquires a lease and keeps it renewed for the lifetime of a process.
type Guard struct {
	cfg   GuardConfig
	store Store
	log   *slog.Logger

	held Lease
}

func NewGuard(store Store, cfg GuardConfig) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := CheckInput(cfg.Name, cfg.Owner, cfg.TTL); err != nil {
		return nil, err
	}
	if cfg.RenewEvery <= 0 {
		cfg.RenewEvery = cfg.TTL / 3
	}
	if cfg.RenewEvery <= 0 || cfg.RenewEvery >= cfg.TTL {
		return nil, fmt.Errorf("%w: renew interval must be below ttl", ErrInvalidInput)
	}
	if cfg.RetryEvery <= 0 {
		cfg.RetryEvery = cfg.RenewEvery
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{
		cfg:   cfg,
		store: store,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

func (g *Guard) WithLogger(log *slog.Logger) *Guard {
	if log != nil {
		g.log = log
	}
	return g
}

// Lease returns the lease obtained by Acquire.
func (g *Guard) Lease() Lease { return g.held }

// Acquire blocks until the lease is obtained or ctx is done.
func (g *Guard) Acquire(ctx context.Context) (Lease, error) {
	t := time.NewTicker(g.cfg.RetryEvery)
	defer t.Stop()

	for {
		l, ok, err := g.store.Acquire(ctx, g.cfg.Name, g.cfg.Owner, g.cfg.TTL)
		switch {
		case err != nil:
			g.log.Warn("lease acquire failed", "lease", g.cfg.Name, "err", err)
		case ok:
			g.held = l
			g.log.Info("lease acquired", "lease", l.Name, "owner", l.Owner, "token", l.Token, "expiresAt", l.ExpiresAt)
			return l, nil
		default:
			g.log.Info("lease held elsewhere", "lease", l.Name, "holder", l.Owner, "expiresAt", l.ExpiresAt)
		}

		select {
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		case <-t.C:
		}
	}
}

// Hold renews the lease until ctx is done, then releases it. It returns
// ErrLost when the lease was taken over or could not be renewed before it
// expired; the caller must stop writing.
func (g *Guard) Hold(ctx context.Context) error {
	if g.held.Owner == "" {
		return fmt.Errorf("%w: Hold before Acquire", ErrInvalidInput)
	}
	t := time.NewTicker(g.cfg.RenewEvery)
	defer t.Stop()

	expires := g.held.ExpiresAt
	for {
		select {
		case <-ctx.Done():
			g.release()
			return nil
		case <-t.C:
		}

		l, err := g.store.Renew(ctx, g.cfg.Name, g.cfg.Owner, g.cfg.TTL)
		switch {
		case err == nil && l.Token == g.held.Token:
			expires = l.ExpiresAt
			continue
		case err == nil:
			return fmt.Errorf("%w: token changed from %d to %d", ErrLost, g.held.Token, l.Token)
		case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotFound):
			return fmt.Errorf("%w: %v", ErrLost, err)
		case ctx.Err() != nil:
			g.release()
			return nil
		}

		g.log.Warn("lease renew failed", "lease", g.cfg.Name, "err", err)
		if !g.cfg.Now().Before(expires) {
			return fmt.Errorf("%w: expired at %s after failed renewals: %v", ErrLost, expires.Format(time.RFC3339), err)
		}
	}
}

func (g *Guard) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.Release(ctx, g.cfg.Name, g.cfg.Owner); err != nil {
		g.log.Warn("lease release failed", "lease", g.cfg.Name, "err", err)
		return
	}
	g.log.Info("lease released", "lease", g.cfg.Name)
}
