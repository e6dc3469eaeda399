// Package world assembles the engines of a running world from configuration
// and economic policy. The gateway service and the admin CLI share it.
package world

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/terminal-bench/agentworld/internal/breeding"
	"github.com/terminal-bench/agentworld/internal/chain"
	"github.com/terminal-bench/agentworld/internal/config"
	"github.com/terminal-bench/agentworld/internal/gateway"
	"github.com/terminal-bench/agentworld/internal/governance"
	"github.com/terminal-bench/agentworld/internal/ledger"
	"github.com/terminal-bench/agentworld/internal/lottery"
	"github.com/terminal-bench/agentworld/internal/metrics"
	"github.com/terminal-bench/agentworld/internal/ratelimit"
	"github.com/terminal-bench/agentworld/internal/reconcile"
	"github.com/terminal-bench/agentworld/internal/registry"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/pkg/circuit"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

// World holds the connected infrastructure and engines.
type World struct {
	Store      *store.Store
	NATS       *messaging.Client
	Sink       *messaging.Sink
	Chain      *chain.Client
	Ledger     *ledger.Ledger
	Registry   *registry.Registry
	Governance *governance.Engine
	Lottery    *lottery.Engine
	Breeding   *breeding.Service
	Limiter    *ratelimit.Limiter
	Reconcile  *reconcile.Store
	Metrics    metrics.Recorder
	Breakers   *circuit.BreakerGroup

	logger  *log.Logger
	closers []func() error
}

// Open connects every dependency named by cfg and builds the engines under
// policy. Optional dependencies (NATS, Influx) are skipped when unset.
func Open(ctx context.Context, cfg config.Config, policy config.Policy, logger *log.Logger) (*World, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w := &World{
		logger:   logger,
		Metrics:  metrics.Nop{},
		Breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 1,
		}),
	}
	if err := w.open(ctx, cfg, policy); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *World) open(ctx context.Context, cfg config.Config, policy config.Policy) error {
	logger := w.logger
	var err error

	w.Store, err = store.Connect(ctx, cfg.RedisURL, store.Options{Prefix: cfg.RedisPrefix, OpTimeout: cfg.RedisOpTimeout})
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	w.closers = append(w.closers, w.Store.Close)

	var pub messaging.Publisher
	if cfg.NATSURL != "" {
		w.NATS, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATSURL,
			Name:           "agentworld",
			ReconnectWait:  time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		w.closers = append(w.closers, w.NATS.Close)
		pub = w.NATS
	}
	w.Sink = messaging.NewSink(pub, logger)
	if w.NATS != nil {
		stop, err := w.NATS.Forward(w.Sink, logger)
		if err != nil {
			return fmt.Errorf("relay world events: %w", err)
		}
		w.closers = append(w.closers, stop)
	}

	w.Reconcile, err = reconcile.Open(ctx, cfg.ReconcileDriver, cfg.ReconcileDSN)
	if err != nil {
		return fmt.Errorf("open reconciliation store: %w", err)
	}
	w.closers = append(w.closers, w.Reconcile.Close)

	if cfg.InfluxEnabled() {
		influx := metrics.NewInflux(metrics.InfluxConfig{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}, logger)
		w.Metrics = influx
		w.closers = append(w.closers, func() error { influx.Close(); return nil })
	}

	ccfg := chain.DefaultConfig()
	ccfg.Decimals = cfg.ChainDecimals
	ccfg.ReceiptTimeout = cfg.ChainReceiptTimeout
	ccfg.SubmitsPerSecond = cfg.ChainSubmitsPerSec
	// TODO: replace the simulator with an RPC submitter once the token contract address is configurable.
	sim := chain.NewSimulated()
	sim.AcceptUnknown = true
	w.Chain = chain.NewClient(sim, ccfg)
	w.Breakers.Add(w.Chain.Breaker())

	w.Ledger = ledger.NewLedger(w.Store, w.Chain, w.Sink, logger, policy.LedgerConfig())
	w.Registry = registry.NewRegistry(w.Store, w.Chain, w.Ledger, w.Sink, logger)

	seed, err := policy.BalanceSeed()
	if err != nil {
		return err
	}
	balances := governance.NewCachedBalances(governance.StaticBalances(seed), cfg.BalanceCacheSize, cfg.BalanceCacheTTL,
		w.Breakers.Get("balances"))
	gcfg, err := policy.GovernanceConfig()
	if err != nil {
		return err
	}
	if w.Governance, err = governance.NewEngine(w.Store, balances, gcfg, w.Sink, logger); err != nil {
		return err
	}

	lcfg, err := policy.LotteryConfig()
	if err != nil {
		return err
	}
	if w.Lottery, err = lottery.NewEngine(w.Store, lottery.CryptoRandom{}, lcfg, w.Sink, logger); err != nil {
		return err
	}
	w.Lottery.SetSettlement(w.Chain, w.Ledger)

	w.Breeding = breeding.NewService(w.Store, policy.Breeding.Threshold, w.Sink, logger)
	w.Limiter = ratelimit.NewLimiter(w.Store)
	return nil
}

// GatewayPolicy derives the swappable gateway policy.
func GatewayPolicy(policy config.Policy) (gateway.Policy, error) {
	rewards, err := policy.RewardAmounts()
	if err != nil {
		return gateway.Policy{}, err
	}
	return gateway.Policy{
		Rules:       policy.RateRules(),
		DefaultRule: policy.DefaultRateRule(),
		Rewards:     rewards,
		OnChain:     policy.OnChainRewards(),
	}, nil
}

// GatewayConfig derives the gateway settings from policy.
func GatewayConfig(cfg config.Config, policy config.Policy) (gateway.Config, error) {
	gp, err := GatewayPolicy(policy)
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{
		Policy: gp,
		Retry: gateway.RetryConfig{
			MaxTries:        cfg.RetryMaxTries,
			InitialInterval: cfg.RetryInitialInterval,
			MaxElapsed:      cfg.RetryMaxElapsed,
		},
		SettlePayouts: cfg.SettlePayouts,
	}, nil
}

// Gateway builds the action gateway over the world's engines.
func (w *World) Gateway(cfg gateway.Config) (*gateway.Gateway, error) {
	return gateway.NewGateway(gateway.Deps{
		Registry:   w.Registry,
		Governance: w.Governance,
		Lottery:    w.Lottery,
		Breeding:   w.Breeding,
		Limiter:    w.Limiter,
		Reconciler: w.Reconcile,
		Metrics:    w.Metrics,
		Logger:     w.logger,
	}, cfg)
}

// Health summarizes the state of the world's external dependencies.
type Health struct {
	Store          string                   `json:"store"`
	Breakers       map[string]circuit.State `json:"breakers"`
	NATSConnected  *bool                    `json:"nats_connected,omitempty"`
	NATSReconnects int64                    `json:"nats_reconnects,omitempty"`
}

// Healthy reports whether the store answers and no breaker is open.
func (h Health) Healthy() bool {
	if h.Store != "ok" {
		return false
	}
	for _, st := range h.Breakers {
		if st == circuit.StateOpen {
			return false
		}
	}
	return true
}

// Health probes the store and reports breaker and bus state.
func (w *World) Health(ctx context.Context) Health {
	h := Health{Store: "ok", Breakers: w.Breakers.States()}
	if err := w.Store.Ping(ctx); err != nil {
		h.Store = err.Error()
	}
	if w.NATS != nil {
		connected := w.NATS.IsConnected()
		h.NATSConnected = &connected
		h.NATSReconnects = w.NATS.Reconnects()
	}
	return h
}

// Close releases every connection in reverse order of opening.
func (w *World) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			w.logger.Printf("world: close: %v", err)
		}
	}
	w.closers = nil
}
