// Package archive keeps ledger snapshots in object storage.
//
// Each snapshot is written under the epoch that was current when it was taken
// (a later snapshot of the same epoch replaces the earlier one) and then
// copied to a fixed "latest" key.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethpool/ethpool/internal/ledger"
)

var (
	ErrInvalidConfig = errors.New("archive: invalid config")
	ErrNotFound      = errors.New("archive: not found")
	ErrTooLarge      = errors.New("archive: object too large")
	ErrCorrupt       = errors.New("archive: corrupt snapshot")
)

const latestKey = "snapshots/latest.json"

type Config struct {
	Driver string
	Prefix string

	// MaxObjectSize bounds bytes read back from S3. Defaults to 64 MiB.
	MaxObjectSize int64

	Bucket   string
	S3Client S3Client
}

type Archive struct {
	objects objectStore
}

func New(cfg Config) (*Archive, error) {
	objects, err := newObjectStore(cfg)
	if err != nil {
		return nil, err
	}
	return &Archive{objects: objects}, nil
}

func epochKey(id ledger.EpochID) string {
	return fmt.Sprintf("snapshots/epoch-%020d.json", uint64(id))
}

// PutSnapshot stores s and returns the key it was written under.
func (a *Archive) PutSnapshot(ctx context.Context, s ledger.Snapshot) (string, error) {
	if s.CurrentEpochID < ledger.FirstEpochID {
		return "", fmt.Errorf("%w: snapshot has no current epoch", ErrCorrupt)
	}
	b, err := encodeSnapshot(s)
	if err != nil {
		return "", fmt.Errorf("archive: encode: %w", err)
	}
	meta := map[string]string{
		"current-epoch": strconv.FormatUint(uint64(s.CurrentEpochID), 10),
		"pending":       strconv.Itoa(len(s.Pending)),
	}

	key := epochKey(s.CurrentEpochID)
	if err := a.objects.put(ctx, key, b, meta); err != nil {
		return "", err
	}
	if err := a.objects.put(ctx, latestKey, b, meta); err != nil {
		return "", err
	}
	return key, nil
}

// Latest returns the most recently stored snapshot.
func (a *Archive) Latest(ctx context.Context) (ledger.Snapshot, error) {
	return a.load(ctx, latestKey)
}

// Get returns the last snapshot taken while epoch was current.
func (a *Archive) Get(ctx context.Context, epoch ledger.EpochID) (ledger.Snapshot, error) {
	return a.load(ctx, epochKey(epoch))
}

func (a *Archive) load(ctx context.Context, key string) (ledger.Snapshot, error) {
	o, err := a.objects.get(ctx, key)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	return decodeSnapshot(o.data)
}
