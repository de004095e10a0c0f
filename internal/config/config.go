// Package config loads the pool-ledger service configuration from YAML with
// POOL_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid config")

type Config struct {
	// Administrator is the only identity allowed to add rewards.
	Administrator string `yaml:"administrator"`
	LogLevel      string `yaml:"log_level"`

	Store     Store     `yaml:"store"`
	Custodian Custodian `yaml:"custodian"`
	Queue     Queue     `yaml:"queue"`
	HTTP      HTTP      `yaml:"http"`
	Archive   Archive   `yaml:"archive"`
	Lease     Lease     `yaml:"lease"`
}

type Store struct {
	Driver      string `yaml:"driver"` // memory|sqlite|postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Custodian secrets (SignerKey, RelayToken) are secret references, for
// example "env:POOL_SIGNER_KEY" or "aws-sm:pool/prod#signerKey".
type Custodian struct {
	Driver string `yaml:"driver"` // memory|evm|relay

	RPCURL       string        `yaml:"rpc_url"`
	ChainID      uint64        `yaml:"chain_id"`
	SignerKey    string        `yaml:"signer_key"`
	GasLimit     uint64        `yaml:"gas_limit"`
	MinTipWei    string        `yaml:"min_tip_wei"`
	ReceiptPoll  time.Duration `yaml:"receipt_poll"`
	MaxWait      time.Duration `yaml:"max_wait"`
	RelayURL     string        `yaml:"relay_url"`
	RelayToken   string        `yaml:"relay_token"`
	RelayTimeout time.Duration `yaml:"relay_timeout"`
}

// Queue is disabled when Driver is empty.
type Queue struct {
	Driver       string   `yaml:"driver"` // kafka|stdio|memory
	Brokers      []string `yaml:"brokers"`
	TLS          bool     `yaml:"tls"`
	Group        string   `yaml:"group"`
	CommandTopic string   `yaml:"command_topic"`
	ResultTopic  string   `yaml:"result_topic"`
	EventTopic   string   `yaml:"event_topic"`
	DedupeMax    int      `yaml:"dedupe_max"`
}

type HTTP struct {
	Listen             string        `yaml:"listen"`
	AuthToken          string        `yaml:"auth_token"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
}

// Archive is disabled when Driver is empty.
type Archive struct {
	Driver   string `yaml:"driver"` // memory|s3
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Schedule string `yaml:"schedule"`
}

type Lease struct {
	Driver string        `yaml:"driver"` // memory|postgres
	Name   string        `yaml:"name"`
	Owner  string        `yaml:"owner"`
	TTL    time.Duration `yaml:"ttl"`
}

// Load reads path (when non-empty), applies environment overrides and fills
// defaults. It does not validate; call Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("POOL_ADMINISTRATOR", &c.Administrator)
	str("POOL_LOG_LEVEL", &c.LogLevel)
	str("POOL_STORE_DRIVER", &c.Store.Driver)
	str("POOL_SQLITE_PATH", &c.Store.SQLitePath)
	str("POOL_POSTGRES_DSN", &c.Store.PostgresDSN)
	str("POOL_CUSTODIAN_DRIVER", &c.Custodian.Driver)
	str("POOL_RPC_URL", &c.Custodian.RPCURL)
	str("POOL_SIGNER_KEY", &c.Custodian.SignerKey)
	str("POOL_RELAY_URL", &c.Custodian.RelayURL)
	str("POOL_RELAY_TOKEN", &c.Custodian.RelayToken)
	str("POOL_QUEUE_DRIVER", &c.Queue.Driver)
	str("POOL_QUEUE_GROUP", &c.Queue.Group)
	str("POOL_HTTP_LISTEN", &c.HTTP.Listen)
	str("POOL_HTTP_AUTH_TOKEN", &c.HTTP.AuthToken)
	str("POOL_ARCHIVE_DRIVER", &c.Archive.Driver)
	str("POOL_ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("POOL_ARCHIVE_SCHEDULE", &c.Archive.Schedule)
	str("POOL_LEASE_DRIVER", &c.Lease.Driver)
	str("POOL_LEASE_OWNER", &c.Lease.Owner)

	if v := strings.TrimSpace(getenv("POOL_QUEUE_BROKERS")); v != "" {
		c.Queue.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(getenv("POOL_CHAIN_ID")); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: POOL_CHAIN_ID: %v", ErrInvalidConfig, err)
		}
		c.Custodian.ChainID = id
	}
	if v := strings.TrimSpace(getenv("POOL_LEASE_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: POOL_LEASE_TTL: %v", ErrInvalidConfig, err)
		}
		c.Lease.TTL = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := func(dst *string, v string) {
		*dst = strings.TrimSpace(*dst)
		if *dst == "" {
			*dst = v
		}
	}
	def(&c.LogLevel, "info")
	def(&c.Store.Driver, "memory")
	def(&c.Custodian.Driver, "memory")
	def(&c.HTTP.Listen, ":8080")
	def(&c.Queue.Group, "pool-ledger")
	def(&c.Queue.CommandTopic, "ledger.commands.v1")
	def(&c.Queue.ResultTopic, "ledger.results.v1")
	def(&c.Queue.EventTopic, "ledger.events.v1")
	def(&c.Archive.Prefix, "pool-ledger")
	def(&c.Archive.Schedule, "@every 15m")
	def(&c.Lease.Driver, "memory")
	def(&c.Lease.Name, "pool-ledger")
	def(&c.Lease.Owner, defaultOwner())

	if c.Queue.DedupeMax <= 0 {
		c.Queue.DedupeMax = 10_000
	}
	if c.Custodian.GasLimit == 0 {
		c.Custodian.GasLimit = 21_000
	}
	if c.Custodian.ReceiptPoll <= 0 {
		c.Custodian.ReceiptPoll = 2 * time.Second
	}
	if c.Custodian.MaxWait <= 0 {
		c.Custodian.MaxWait = 2 * time.Minute
	}
	if c.Custodian.RelayTimeout <= 0 {
		c.Custodian.RelayTimeout = 2 * time.Minute
	}
	if c.HTTP.RequestTimeout <= 0 {
		c.HTTP.RequestTimeout = 5 * time.Minute
	}
	if c.Lease.TTL <= 0 {
		c.Lease.TTL = 30 * time.Second
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if !common.IsHexAddress(c.Administrator) || common.HexToAddress(c.Administrator) == (common.Address{}) {
		bad("administrator must be a non-zero hex address")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		bad("log_level: %v", err)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			bad("store.sqlite_path is required for the sqlite store")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			bad("store.postgres_dsn is required for the postgres store")
		}
	default:
		bad("store.driver %q must be memory, sqlite or postgres", c.Store.Driver)
	}

	switch c.Custodian.Driver {
	case "memory":
	case "evm":
		if strings.TrimSpace(c.Custodian.RPCURL) == "" {
			bad("custodian.rpc_url is required for the evm custodian")
		}
		if c.Custodian.ChainID == 0 {
			bad("custodian.chain_id is required for the evm custodian")
		}
		if strings.TrimSpace(c.Custodian.SignerKey) == "" {
			bad("custodian.signer_key is required for the evm custodian")
		}
		if c.Custodian.MinTipWei != "" {
			if _, err := uint256.FromDecimal(c.Custodian.MinTipWei); err != nil {
				bad("custodian.min_tip_wei must be a decimal wei amount")
			}
		}
	case "relay":
		if strings.TrimSpace(c.Custodian.RelayURL) == "" {
			bad("custodian.relay_url is required for the relay custodian")
		}
	default:
		bad("custodian.driver %q must be memory, evm or relay", c.Custodian.Driver)
	}

	switch c.Queue.Driver {
	case "", "stdio", "memory":
	case "kafka":
		if len(c.Queue.Brokers) == 0 {
			bad("queue.brokers is required for kafka")
		}
		if strings.TrimSpace(c.Queue.Group) == "" {
			bad("queue.group is required for kafka")
		}
	default:
		bad("queue.driver %q must be kafka, stdio, memory or empty", c.Queue.Driver)
	}

	if strings.TrimSpace(c.HTTP.Listen) == "" {
		bad("http.listen is required")
	}
	if c.HTTP.RateLimitPerSecond < 0 || c.HTTP.RateLimitBurst < 0 || c.HTTP.MaxBodyBytes < 0 {
		bad("http limits must be >= 0")
	}

	switch c.Archive.Driver {
	case "", "memory":
	case "s3":
		if strings.TrimSpace(c.Archive.Bucket) == "" {
			bad("archive.bucket is required for s3")
		}
	default:
		bad("archive.driver %q must be s3, memory or empty", c.Archive.Driver)
	}

	switch c.Lease.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			bad("store.postgres_dsn is required for postgres leases")
		}
	default:
		bad("lease.driver %q must be memory or postgres", c.Lease.Driver)
	}
	if c.Lease.TTL < 3*time.Second {
		bad("lease.ttl must be at least 3s")
	}

	return errors.Join(errs...)
}

func (c *Config) AdministratorAddress() common.Address {
	return common.HexToAddress(c.Administrator)
}

func (c *Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, err
	}
	return lvl, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pool-ledger"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
