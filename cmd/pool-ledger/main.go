package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethpool/ethpool/internal/config"
	"github.com/ethpool/ethpool/internal/leases"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to the YAML config file (optional; POOL_* env vars override it)")
		listenAddr  = flag.String("listen", "", "HTTP listen address override")
		storeDriver = flag.String("store-driver", "", "store driver override: memory|sqlite|postgres")
		queueDriver = flag.String("queue-driver", "", "queue driver override: kafka|stdio|memory")
		snapshotNow = flag.Bool("snapshot-on-exit", true, "archive a final snapshot on clean shutdown")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *listenAddr != "" {
		cfg.HTTP.Listen = *listenAddr
	}
	if *storeDriver != "" {
		cfg.Store.Driver = *storeDriver
	}
	if *queueDriver != "" {
		cfg.Queue.Driver = *queueDriver
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *snapshotNow, log); err != nil {
		log.Error("pool ledger stopped", "err", err)
		os.Exit(1)
	}
}

// run owns the process lifetime: it takes the writer lease, recovers journaled
// withdrawals and serves until ctx is done or the lease is lost.
func run(ctx context.Context, cfg *config.Config, snapshotOnExit bool, log *slog.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.guard.Acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("acquire writer lease: %w", err)
	}
	if err := a.ledger.ClaimWriter(ctx); err != nil {
		return fmt.Errorf("claim ledger writer: %w", err)
	}

	report, err := a.ledger.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover withdrawals: %w", err)
	}
	log.Info("recovery done", "completed", report.Completed, "rolledBack", report.RolledBack, "unresolved", report.Unresolved)

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("pool ledger http listening", "addr", cfg.HTTP.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	})
	if a.worker != nil {
		g.Go(func() error { return a.worker.Run(gctx) })
	}
	if a.scheduler != nil {
		g.Go(func() error { return a.scheduler.Run(gctx) })
	}
	g.Go(func() error { return a.guard.Hold(gctx) })

	log.Info("pool ledger started",
		"administrator", cfg.AdministratorAddress(),
		"storeDriver", cfg.Store.Driver,
		"custodianDriver", cfg.Custodian.Driver,
		"queueDriver", cfg.Queue.Driver,
		"archiveDriver", cfg.Archive.Driver,
		"leaseOwner", cfg.Lease.Owner,
	)

	err = g.Wait()
	if errors.Is(err, leases.ErrLost) {
		return err
	}
	if snapshotOnExit && a.scheduler != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		key, serr := a.scheduler.TakeNow(sctx)
		cancel()
		if serr != nil {
			log.Error("final snapshot", "err", serr)
		} else {
			log.Info("final snapshot archived", "key", key)
		}
	}
	log.Info("shutdown", "reason", ctx.Err())
	return err
}
