package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpool/ethpool/internal/leases"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

// Acquire uses the database clock for expiry so that writers on different
// hosts agree on it.
func (s *Store) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := leases.CheckInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ledger_leases (name, owner, token, released, expires_at, updated_at)
		VALUES ($1, $2, 1, false, now() + ($3::bigint * interval '1 millisecond'), now())
		ON CONFLICT (name) DO UPDATE
		SET token = CASE
				WHEN ledger_leases.owner = EXCLUDED.owner
					AND NOT ledger_leases.released
					AND ledger_leases.expires_at > now()
				THEN ledger_leases.token
				ELSE ledger_leases.token + 1
			END,
			owner = EXCLUDED.owner,
			released = false,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE ledger_leases.released
			OR ledger_leases.expires_at <= now()
			OR ledger_leases.owner = EXCLUDED.owner
		RETURNING owner, token, expires_at
	`, name, owner, millis(ttl)).Scan(&l.Owner, &l.Token, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: acquire %q: %w", name, err)
	}
	return l, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, error) {
	if err := leases.CheckInput(name, owner, ttl); err != nil {
		return leases.Lease{}, err
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		UPDATE ledger_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE name = $1 AND owner = $2 AND NOT released
		RETURNING owner, token, expires_at
	`, name, owner, millis(ttl)).Scan(&l.Owner, &l.Token, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, name); gerr != nil {
			return leases.Lease{}, gerr
		}
		return leases.Lease{}, leases.ErrNotOwner
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: renew %q: %w", name, err)
	}
	return l, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_leases
		SET released = true, expires_at = now(), updated_at = now()
		WHERE name = $1 AND owner = $2 AND NOT released
	`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release %q: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, gerr := s.Get(ctx, name)
	switch {
	case errors.Is(gerr, leases.ErrNotFound):
		return nil
	case gerr != nil:
		return gerr
	case cur.Owner != owner:
		return leases.ErrNotOwner
	default:
		return nil
	}
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		SELECT owner, token, expires_at FROM ledger_leases WHERE name = $1 AND NOT released
	`, name).Scan(&l.Owner, &l.Token, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotFound
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get %q: %w", name, err)
	}
	return l, nil
}

func millis(ttl time.Duration) int64 {
	return max(ttl.Milliseconds(), 1)
}

var _ leases.Store = (*Store)(nil)
