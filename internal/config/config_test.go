package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestParse(t *testing.T) {
	t.Run("should apply defaults", func(t *testing.T) {
		cfg, err := parse(env.Options{Prefix: Prefix, Environment: map[string]string{}})
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.HTTPAddr)
		assert.Equal(t, "aw", cfg.RedisPrefix)
		assert.Equal(t, 2*time.Second, cfg.RedisOpTimeout)
		assert.Equal(t, "sqlite", cfg.ReconcileDriver)
		assert.Equal(t, uint(4), cfg.RetryMaxTries)
		assert.False(t, cfg.EtcdEnabled())
		assert.False(t, cfg.InfluxEnabled())
		assert.True(t, cfg.SettlePayouts)
		assert.Equal(t, 30*time.Second, cfg.KeeperInterval)
		assert.Equal(t, 4096, cfg.BalanceCacheSize)
	})

	t.Run("should read prefixed variables", func(t *testing.T) {
		cfg, err := parse(env.Options{Prefix: Prefix, Environment: map[string]string{
			"AGENTWORLD_HTTP_ADDR":        ":9000",
			"AGENTWORLD_ETCD_ENDPOINTS":   "10.0.0.1:2379,10.0.0.2:2379",
			"AGENTWORLD_RECONCILE_DRIVER": "postgres",
			"AGENTWORLD_TOKEN_TTL":        "1h",
			"HTTP_ADDR":                   ":1",
		}})
		require.NoError(t, err)

		assert.Equal(t, ":9000", cfg.HTTPAddr)
		assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.EtcdEndpoints)
		assert.True(t, cfg.EtcdEnabled())
		assert.Equal(t, "postgres", cfg.ReconcileDriver)
		assert.Equal(t, time.Hour, cfg.TokenTTL)
	})

	t.Run("should reject unknown reconcile drivers", func(t *testing.T) {
		_, err := parse(env.Options{Prefix: Prefix, Environment: map[string]string{
			"AGENTWORLD_RECONCILE_DRIVER": "mysql",
		}})
		assert.Error(t, err)
	})
}

func TestPolicy(t *testing.T) {
	t.Run("should ship a valid default", func(t *testing.T) {
		p := DefaultPolicy()
		require.NoError(t, p.Validate())

		gov, err := p.GovernanceConfig()
		require.NoError(t, err)
		assert.Len(t, gov.Tiers, 4)
		assert.Equal(t, int64(5), gov.Tiers[0].Multiplier)

		lot, err := p.LotteryConfig()
		require.NoError(t, err)
		assert.Equal(t, "2", lot.TicketPrice.String())
		assert.Equal(t, int64(90), lot.PayoutPercent)
	})

	t.Run("should merge a partial document over the defaults", func(t *testing.T) {
		p, err := DefaultPolicy().Merge([]byte(`
lottery:
  ticket_price: "5"
  duration: 1h
rewards:
  cast_vote: "0"
  buy_tickets: "2.5"
rate_limits:
  cast_vote:
    window: 30s
    max: 3
`))
		require.NoError(t, err)

		lot, err := p.LotteryConfig()
		require.NoError(t, err)
		assert.Equal(t, "5", lot.TicketPrice.String())
		assert.Equal(t, time.Hour, lot.Duration)
		assert.Equal(t, int64(5), lot.MinEntries)

		rewards, err := p.RewardAmounts()
		require.NoError(t, err)
		assert.Equal(t, "2.5", rewards["buy_tickets"].String())
		assert.NotContains(t, rewards, "cast_vote")
		assert.Contains(t, rewards, "register")

		rule := p.RateRules()["cast_vote"]
		assert.Equal(t, "cast_vote", rule.Prefix)
		assert.Equal(t, 30*time.Second, rule.Window)
		assert.Equal(t, int64(3), rule.Max)
		assert.Equal(t, int64(10), p.RateRules()["buy_tickets"].Max)
	})

	t.Run("should not mutate the base policy", func(t *testing.T) {
		base := DefaultPolicy()
		_, err := base.Merge([]byte("rewards:\n  register: \"99\"\n"))
		require.NoError(t, err)
		assert.Equal(t, "10", base.Rewards["register"])
	})

	t.Run("should reject tiers without a zero floor", func(t *testing.T) {
		_, err := DefaultPolicy().Merge([]byte(`
governance:
  tiers:
    - {name: whale, threshold: "1000", multiplier: 5}
    - {name: holder, threshold: "10", multiplier: 2}
`))
		assert.Error(t, err)
	})

	t.Run("should reject ascending tiers", func(t *testing.T) {
		_, err := DefaultPolicy().Merge([]byte(`
governance:
  tiers:
    - {name: small, threshold: "10", multiplier: 1}
    - {name: big, threshold: "1000", multiplier: 5}
    - {name: floor, threshold: "0", multiplier: 1}
`))
		assert.Error(t, err)
	})

	t.Run("should reject bad lottery parameters", func(t *testing.T) {
		for _, doc := range []string{
			"lottery:\n  payout_percent: 0\n",
			"lottery:\n  payout_percent: 101\n",
			"lottery:\n  winner_bonus: {low: 10, high: 1}\n",
			"lottery:\n  ticket_price: \"-1\"\n",
			"breeding:\n  threshold: 101\n",
			"rate_limits:\n  register: {window: 0s, max: 1}\n",
			"default_rate_limit: {window: 1m, max: 0}\n",
			"rewards_on_chain: [appreciate]\n",
		} {
			_, err := DefaultPolicy().Merge([]byte(doc))
			assert.Error(t, err, doc)
		}
	})

	t.Run("should limit every gateway action by default", func(t *testing.T) {
		p := DefaultPolicy()
		rules := p.RateRules()
		for _, action := range []string{"appreciate", "execute_proposal"} {
			require.Contains(t, rules, action)
			assert.Equal(t, action, rules[action].Prefix)
		}
		fallback := p.DefaultRateRule()
		assert.Equal(t, time.Minute, fallback.Window)
		assert.Equal(t, int64(60), fallback.Max)
	})

	t.Run("should mark on-chain rewards", func(t *testing.T) {
		assert.Equal(t, map[string]bool{"register": true}, DefaultPolicy().OnChainRewards())

		p, err := DefaultPolicy().Merge([]byte("rewards_on_chain: [register, cast_vote]\n"))
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{"register": true, "cast_vote": true}, p.OnChainRewards())
	})

	t.Run("should canonicalize seeded balances", func(t *testing.T) {
		p, err := DefaultPolicy().Merge([]byte(`
balances:
  "0x00000000000000000000000000000000000000AA": "250000"
`))
		require.NoError(t, err)

		seed, err := p.BalanceSeed()
		require.NoError(t, err)
		assert.Equal(t, "250000", seed["0x00000000000000000000000000000000000000aa"].String())
	})

	t.Run("should load a policy file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("breeding:\n  threshold: 80\n"), 0o600))

		p, err := LoadPolicy(path)
		require.NoError(t, err)
		assert.Equal(t, 80, p.Breeding.Threshold)

		_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

type fakeKV struct {
	clientv3.KV
	value []byte
	err   error
}

func (f *fakeKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	resp := &clientv3.GetResponse{}
	if f.value != nil {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: f.value, ModRevision: 7}}
	}
	return resp, nil
}

func TestPolicySource(t *testing.T) {
	t.Run("should keep the base policy when no override is stored", func(t *testing.T) {
		src := newPolicySource(&fakeKV{}, nil, "/agentworld/policy", nil)

		p, err := src.Apply(context.Background(), DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, DefaultPolicy().Lottery, p.Lottery)
	})

	t.Run("should merge the stored override", func(t *testing.T) {
		src := newPolicySource(&fakeKV{value: []byte("lottery:\n  min_entries: 2\n")}, nil, "/agentworld/policy", nil)

		p, err := src.Apply(context.Background(), DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, int64(2), p.Lottery.MinEntries)
	})

	t.Run("should surface read and validation failures", func(t *testing.T) {
		src := newPolicySource(&fakeKV{err: errors.New("etcd down")}, nil, "/agentworld/policy", nil)
		_, err := src.Apply(context.Background(), DefaultPolicy())
		assert.Error(t, err)

		src = newPolicySource(&fakeKV{value: []byte("lottery:\n  min_entries: 0\n")}, nil, "/agentworld/policy", nil)
		_, err = src.Apply(context.Background(), DefaultPolicy())
		assert.Error(t, err)
	})
}
