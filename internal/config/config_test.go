package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const adminHex = "0x00000000000000000000000000000000000000ad"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_DefaultsAndYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
administrator: "`+adminHex+`"
log_level: debug
store:
  driver: sqlite
  sqlite_path: /var/lib/pool/ledger.db
queue:
  driver: kafka
  brokers: ["k1:9092", "k2:9092"]
lease:
  ttl: 45s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.AdministratorAddress() != common.HexToAddress(adminHex) {
		t.Fatalf("administrator: %s", cfg.AdministratorAddress().Hex())
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("log level: %v", cfg.SlogLevel())
	}
	if cfg.Store.Driver != "sqlite" || cfg.Custodian.Driver != "memory" {
		t.Fatalf("drivers: %+v %+v", cfg.Store, cfg.Custodian)
	}
	if len(cfg.Queue.Brokers) != 2 || cfg.Queue.Group != "pool-ledger" || cfg.Queue.CommandTopic != "ledger.commands.v1" {
		t.Fatalf("queue: %+v", cfg.Queue)
	}
	if cfg.Lease.TTL != 45*time.Second || cfg.Lease.Owner == "" {
		t.Fatalf("lease: %+v", cfg.Lease)
	}
	if cfg.HTTP.Listen != ":8080" || cfg.Archive.Schedule != "@every 15m" || cfg.Queue.DedupeMax != 10_000 {
		t.Fatalf("defaults not applied: %+v %+v", cfg.HTTP, cfg.Archive)
	}
}

func TestLoad_EmptyPathAndEmptyFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(""); err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if _, err := Load(writeConfig(t, "")); err != nil {
		t.Fatalf("Load(empty file): %v", err)
	}
}

func TestLoad_RejectsUnknownFieldsAndMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(writeConfig(t, "administrater: x\n")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for a typo, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected a read error, got %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"POOL_ADMINISTRATOR":    adminHex,
		"POOL_STORE_DRIVER":     "postgres",
		"POOL_POSTGRES_DSN":     "postgres://pool@db/pool",
		"POOL_CUSTODIAN_DRIVER": "evm",
		"POOL_RPC_URL":          "http://node:8545",
		"POOL_CHAIN_ID":         "8453",
		"POOL_SIGNER_KEY":       "env:POOL_HOT_WALLET_KEY",
		"POOL_QUEUE_BROKERS":    " k1:9092, ,k2:9092 ",
		"POOL_LEASE_TTL":        "1m",
	}
	cfg := &Config{Store: Store{Driver: "memory"}}
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Store.Driver != "postgres" || cfg.Custodian.ChainID != 8453 || cfg.Lease.TTL != time.Minute {
		t.Fatalf("env not applied: %+v %+v %+v", cfg.Store, cfg.Custodian, cfg.Lease)
	}
	if strings.Join(cfg.Queue.Brokers, ",") != "k1:9092,k2:9092" {
		t.Fatalf("brokers: %v", cfg.Queue.Brokers)
	}

	bad := &Config{}
	if err := bad.applyEnv(func(k string) string {
		if k == "POOL_CHAIN_ID" {
			return "base"
		}
		return ""
	}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		LogLevel:  "loud",
		Store:     Store{Driver: "postgres"},
		Custodian: Custodian{Driver: "evm", MinTipWei: "1e9"},
		Queue:     Queue{Driver: "kafka"},
		Archive:   Archive{Driver: "s3"},
		Lease:     Lease{Driver: "etcd"},
	}
	cfg.applyDefaults()
	cfg.Queue.Group = ""

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	for _, want := range []string{
		"administrator",
		"log_level",
		"store.postgres_dsn",
		"custodian.rpc_url",
		"custodian.chain_id",
		"custodian.signer_key",
		"custodian.min_tip_wei",
		"queue.brokers",
		"queue.group",
		"archive.bucket",
		"lease.driver",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestValidate_DriverSpecificRequirements(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		c := &Config{Administrator: adminHex}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "memory defaults", mutate: func(*Config) {}, ok: true},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Driver = "sqlite" }},
		{name: "relay with url", mutate: func(c *Config) { c.Custodian.Driver = "relay"; c.Custodian.RelayURL = "http://relay" }, ok: true},
		{name: "relay without url", mutate: func(c *Config) { c.Custodian.Driver = "relay" }},
		{name: "stdio queue", mutate: func(c *Config) { c.Queue.Driver = "stdio" }, ok: true},
		{name: "unknown queue", mutate: func(c *Config) { c.Queue.Driver = "nats" }},
		{name: "postgres lease without dsn", mutate: func(c *Config) { c.Lease.Driver = "postgres" }},
		{name: "short lease ttl", mutate: func(c *Config) { c.Lease.TTL = time.Second }},
		{name: "negative rate limit", mutate: func(c *Config) { c.HTTP.RateLimitPerSecond = -1 }},
		{name: "zero administrator", mutate: func(c *Config) { c.Administrator = "0x0000000000000000000000000000000000000000" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tc.mutate(c)
			err := c.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
