package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethpool/ethpool/internal/archive"
	"github.com/ethpool/ethpool/internal/command"
	"github.com/ethpool/ethpool/internal/config"
	"github.com/ethpool/ethpool/internal/custodian"
	"github.com/ethpool/ethpool/internal/events"
	"github.com/ethpool/ethpool/internal/leases"
	leasepg "github.com/ethpool/ethpool/internal/leases/postgres"
	"github.com/ethpool/ethpool/internal/ledger"
	ledgerpg "github.com/ethpool/ethpool/internal/ledger/postgres"
	"github.com/ethpool/ethpool/internal/ledger/sqlite"
	"github.com/ethpool/ethpool/internal/ledgerapi"
	"github.com/ethpool/ethpool/internal/queue"
	"github.com/ethpool/ethpool/internal/secrets"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
)

type app struct {
	ledger    *ledger.Ledger
	handler   http.Handler
	guard     *leases.Guard
	worker    *command.Worker
	scheduler *archive.Scheduler
	archive   *archive.Archive

	// broker is set for the memory queue driver.
	broker *queue.MemoryBroker

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	return newAppWith(ctx, cfg, secrets.NewResolver(), log)
}

// newAppWith wires every component. On error, whatever was opened is closed.
func newAppWith(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver, log *slog.Logger) (*app, error) {
	a := &app{}
	built, err := a.wire(ctx, cfg, resolver, log)
	if err != nil {
		a.close()
		return nil, err
	}
	return built, nil
}

func (a *app) wire(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver, log *slog.Logger) (*app, error) {
	var err error

	var pool *pgxpool.Pool
	if cfg.Store.Driver == "postgres" || cfg.Lease.Driver == "postgres" {
		pool, err = pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("init pgx pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
	}

	store, err := buildStore(ctx, a, cfg.Store, pool)
	if err != nil {
		return nil, err
	}
	cust, err := buildCustodian(ctx, cfg.Custodian, resolver, log)
	if err != nil {
		return nil, err
	}

	lcfg := ledger.Config{Administrator: cfg.AdministratorAddress()}
	if cfg.Lease.Driver == "postgres" {
		// In-process lease tokens restart at 1, so only a shared lease can fence.
		lcfg.Fence = func() int64 { return a.guard.Lease().Token }
	}
	l, err := ledger.New(lcfg, store, cust)
	if err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	l.WithLogger(log.With("component", "ledger"))
	a.ledger = l

	sinks := events.Fanout{events.Logger{Log: log.With("component", "events")}}
	if cfg.Queue.Driver != "" {
		producer, consumer, err := buildQueue(ctx, a, cfg.Queue)
		if err != nil {
			return nil, err
		}
		pub, err := events.NewPublisher(producer, cfg.Queue.EventTopic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, pub)

		w, err := command.NewWorker(command.WorkerConfig{
			Consumer:    consumer,
			Producer:    producer,
			ResultTopic: cfg.Queue.ResultTopic,
			DedupeMax:   cfg.Queue.DedupeMax,
		}, l)
		if err != nil {
			return nil, fmt.Errorf("init command worker: %w", err)
		}
		a.worker = w.WithLogger(log.With("component", "commands"))
	}
	l.WithEventSink(sinks)

	authToken, err := resolver.Resolve(ctx, cfg.HTTP.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("resolve http auth token: %w", err)
	}
	a.handler, err = ledgerapi.NewHandler(ledgerapi.Config{
		AuthToken:          authToken,
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		RequestTimeout:     cfg.HTTP.RequestTimeout,
		RateLimitPerSecond: cfg.HTTP.RateLimitPerSecond,
		RateLimitBurst:     cfg.HTTP.RateLimitBurst,
		Log:                log.With("component", "http"),
	}, l)
	if err != nil {
		return nil, fmt.Errorf("init http handler: %w", err)
	}

	if cfg.Archive.Driver != "" {
		if err := buildArchive(ctx, a, cfg.Archive, log); err != nil {
			return nil, err
		}
	}

	var leaseStore leases.Store
	switch cfg.Lease.Driver {
	case "postgres":
		ls, err := leasepg.New(pool)
		if err != nil {
			return nil, fmt.Errorf("init lease store: %w", err)
		}
		if err := ls.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure lease schema: %w", err)
		}
		leaseStore = ls
	default:
		leaseStore = leases.NewMemory(nil)
	}
	g, err := leases.NewGuard(leaseStore, leases.GuardConfig{
		Name:  cfg.Lease.Name,
		Owner: cfg.Lease.Owner,
		TTL:   cfg.Lease.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("init lease guard: %w", err)
	}
	a.guard = g.WithLogger(log.With("component", "lease"))

	return a, nil
}

func buildStore(ctx context.Context, a *app, cfg config.Store, pool *pgxpool.Pool) (ledger.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := ledgerpg.New(pool)
		if err != nil {
			return nil, fmt.Errorf("init ledger store: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure ledger schema: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, nil
	case "memory":
		return ledger.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported store driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}

func buildCustodian(ctx context.Context, cfg config.Custodian, resolver *secrets.Resolver, log *slog.Logger) (ledger.Custodian, error) {
	switch cfg.Driver {
	case "memory":
		return custodian.NewMemory(), nil
	case "evm":
		keyHex, err := resolver.Resolve(ctx, cfg.SignerKey)
		if err != nil {
			return nil, fmt.Errorf("resolve signer key: %w", err)
		}
		key, err := custodian.ParseSignerKey(keyHex)
		if err != nil {
			return nil, err
		}
		minTip := big.NewInt(0)
		if cfg.MinTipWei != "" {
			v, err := uint256.FromDecimal(cfg.MinTipWei)
			if err != nil {
				return nil, fmt.Errorf("%w: min_tip_wei: %v", config.ErrInvalidConfig, err)
			}
			minTip = v.ToBig()
		}
		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc: %w", err)
		}
		c, err := custodian.NewEVM(client, custodian.NewLocalSigner(key), custodian.EVMConfig{
			ChainID:             new(big.Int).SetUint64(cfg.ChainID),
			GasLimit:            cfg.GasLimit,
			MinTipCap:           minTip,
			ReceiptPollInterval: cfg.ReceiptPoll,
			MaxWait:             cfg.MaxWait,
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		log.Info("evm custodian ready", "wallet", c.Address(), "chainID", cfg.ChainID)
		return c.WithLogger(log.With("component", "custodian")), nil
	case "relay":
		token, err := resolver.Resolve(ctx, cfg.RelayToken)
		if err != nil {
			return nil, fmt.Errorf("resolve relay token: %w", err)
		}
		return custodian.NewRelay(cfg.RelayURL, token,
			custodian.WithHTTPClient(&http.Client{Timeout: cfg.RelayTimeout + 30*time.Second}),
			custodian.WithTimeoutSeconds(int(cfg.RelayTimeout/time.Second)),
		)
	default:
		return nil, fmt.Errorf("%w: unsupported custodian driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}

func buildQueue(ctx context.Context, a *app, cfg config.Queue) (queue.Producer, queue.Consumer, error) {
	pcfg := queue.ProducerConfig{Driver: cfg.Driver, Brokers: cfg.Brokers, KafkaTLS: cfg.TLS, Writer: os.Stdout}
	ccfg := queue.ConsumerConfig{
		Driver:   cfg.Driver,
		Brokers:  cfg.Brokers,
		Group:    cfg.Group,
		KafkaTLS: cfg.TLS,
		Topics:   []string{cfg.CommandTopic},
		Reader:   os.Stdin,
	}
	if strings.EqualFold(cfg.Driver, queue.DriverMemory) {
		a.broker = queue.NewMemoryBroker()
		pcfg.Broker = a.broker
		ccfg.Broker = a.broker
	}

	producer, err := queue.NewProducer(pcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init queue producer: %w", err)
	}
	a.closers = append(a.closers, func() { _ = producer.Close() })

	consumer, err := queue.NewConsumer(ctx, ccfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init queue consumer: %w", err)
	}
	a.closers = append(a.closers, func() { _ = consumer.Close() })
	return producer, consumer, nil
}

func buildArchive(ctx context.Context, a *app, cfg config.Archive, log *slog.Logger) error {
	acfg := archive.Config{Driver: cfg.Driver, Prefix: cfg.Prefix, Bucket: cfg.Bucket}
	if cfg.Driver == archive.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		acfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	arc, err := archive.New(acfg)
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}
	s, err := archive.NewScheduler(cfg.Schedule, a.ledger, arc, 0)
	if err != nil {
		return fmt.Errorf("init snapshot scheduler: %w", err)
	}
	a.archive = arc
	a.scheduler = s.WithLogger(log.With("component", "archive"))
	return nil
}
