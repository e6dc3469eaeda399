// Package config loads process settings from the environment and the
// economic policy from YAML, optionally overridden from etcd.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds process settings. Every field is read from an AGENTWORLD_
// environment variable.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GinMode  string `env:"GIN_MODE" envDefault:"release"`

	RedisURL       string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix    string        `env:"REDIS_PREFIX" envDefault:"aw"`
	RedisOpTimeout time.Duration `env:"REDIS_OP_TIMEOUT" envDefault:"2s"`

	NATSURL string `env:"NATS_URL"`

	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	PolicyFile    string        `env:"POLICY_FILE"`
	EtcdEndpoints []string      `env:"ETCD_ENDPOINTS" envSeparator:","`
	EtcdPolicyKey string        `env:"ETCD_POLICY_KEY" envDefault:"/agentworld/policy"`
	EtcdTimeout   time.Duration `env:"ETCD_TIMEOUT" envDefault:"3s"`

	ReconcileDriver string `env:"RECONCILE_DRIVER" envDefault:"sqlite"`
	ReconcileDSN    string `env:"RECONCILE_DSN" envDefault:"file:agentworld-reconcile.db"`

	InfluxURL    string `env:"INFLUX_URL"`
	InfluxToken  string `env:"INFLUX_TOKEN"`
	InfluxOrg    string `env:"INFLUX_ORG"`
	InfluxBucket string `env:"INFLUX_BUCKET" envDefault:"agentworld"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	ChainDecimals       int32         `env:"CHAIN_DECIMALS" envDefault:"18"`
	ChainReceiptTimeout time.Duration `env:"CHAIN_RECEIPT_TIMEOUT" envDefault:"30s"`
	ChainSubmitsPerSec  float64       `env:"CHAIN_SUBMITS_PER_SEC" envDefault:"5"`
	SettlePayouts       bool          `env:"SETTLE_PAYOUTS" envDefault:"true"`

	BalanceCacheSize int           `env:"BALANCE_CACHE_SIZE" envDefault:"4096"`
	BalanceCacheTTL  time.Duration `env:"BALANCE_CACHE_TTL" envDefault:"1m"`

	RetryMaxTries        uint          `env:"RETRY_MAX_TRIES" envDefault:"4"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"200ms"`
	RetryMaxElapsed      time.Duration `env:"RETRY_MAX_ELAPSED" envDefault:"15s"`

	KeeperAddr       string        `env:"KEEPER_ADDR" envDefault:":8081"`
	KeeperInterval   time.Duration `env:"KEEPER_INTERVAL" envDefault:"30s"`
	KeeperSweepLimit int           `env:"KEEPER_SWEEP_LIMIT" envDefault:"100"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Prefix is prepended to every variable name.
const Prefix = "AGENTWORLD_"

// Load reads the configuration from the environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.ReconcileDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported reconcile driver %q", c.ReconcileDriver)
	}
	if c.RetryMaxTries == 0 {
		return fmt.Errorf("config: retry max tries must be positive")
	}
	if c.KeeperInterval <= 0 {
		return fmt.Errorf("config: keeper interval must be positive")
	}
	if c.ChainDecimals < 0 || c.ChainDecimals > 36 {
		return fmt.Errorf("config: chain decimals must be in [0, 36]")
	}
	return nil
}

// EtcdEnabled reports whether policy overrides are read from etcd.
func (c Config) EtcdEnabled() bool {
	for _, ep := range c.EtcdEndpoints {
		if strings.TrimSpace(ep) != "" {
			return true
		}
	}
	return false
}

// InfluxEnabled reports whether action metrics are exported.
func (c Config) InfluxEnabled() bool {
	return c.InfluxURL != ""
}
