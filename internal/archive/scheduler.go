package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethpool/ethpool/internal/ledger"
	"github.com/robfig/cron/v3"
)

// Snapshotter is implemented by *ledger.Ledger.
type Snapshotter interface {
	Snapshot(ctx context.Context) (ledger.Snapshot, error)
}

// Scheduler archives a ledger snapshot on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	source  Snapshotter
	archive *Archive
	timeout time.Duration
	log     *slog.Logger
}

// NewScheduler accepts a standard five-field cron spec or a descriptor such as
// "@every 15m" or "@hourly".
func NewScheduler(spec string, source Snapshotter, a *Archive, timeout time.Duration) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if source == nil || a == nil {
		return nil, fmt.Errorf("%w: snapshot source and archive are required", ErrInvalidConfig)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	s := &Scheduler{
		cron:    cron.New(),
		source:  source,
		archive: a,
		timeout: timeout,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %v", ErrInvalidConfig, spec, err)
	}
	return s, nil
}

func (s *Scheduler) WithLogger(log *slog.Logger) *Scheduler {
	if log != nil {
		s.log = log
	}
	return s
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running snapshot to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info("snapshot scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("snapshot scheduler stopped")
	return nil
}

// TakeNow archives a snapshot immediately.
func (s *Scheduler) TakeNow(ctx context.Context) (string, error) {
	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("archive: take snapshot: %w", err)
	}
	key, err := s.archive.PutSnapshot(ctx, snap)
	if err != nil {
		return "", err
	}
	s.log.Info("snapshot archived",
		"key", key,
		"epochID", uint64(snap.CurrentEpochID),
		"deposits", len(snap.Deposits),
		"pending", len(snap.Pending),
	)
	return key, nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.TakeNow(ctx); err != nil {
		s.log.Error("scheduled snapshot", "err", err)
	}
}
