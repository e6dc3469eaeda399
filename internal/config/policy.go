package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terminal-bench/agentworld/internal/address"
	"github.com/terminal-bench/agentworld/internal/breeding"
	"github.com/terminal-bench/agentworld/internal/governance"
	"github.com/terminal-bench/agentworld/internal/ledger"
	"github.com/terminal-bench/agentworld/internal/lottery"
	"github.com/terminal-bench/agentworld/internal/ratelimit"
	"github.com/terminal-bench/agentworld/pkg/decimal"
)

// Policy is the economic configuration of the world. Amounts are decimal
// strings.
type Policy struct {
	Governance GovernancePolicy  `yaml:"governance"`
	Lottery    LotteryPolicy     `yaml:"lottery"`
	Ledger     LedgerPolicy      `yaml:"ledger"`
	Breeding   BreedingPolicy    `yaml:"breeding"`
	Rewards    map[string]string `yaml:"rewards"`
	// RewardsOnChain lists the actions whose rewards are transferred on
	// chain before they are credited.
	RewardsOnChain []string              `yaml:"rewards_on_chain"`
	RateLimits     map[string]RatePolicy `yaml:"rate_limits"`
	// DefaultRateLimit applies to actions missing from RateLimits.
	DefaultRateLimit RatePolicy `yaml:"default_rate_limit"`
	// Balances seeds token holdings for deployments without a balance oracle.
	Balances map[string]string `yaml:"balances,omitempty"`
}

type TierPolicy struct {
	Name       string `yaml:"name"`
	Threshold  string `yaml:"threshold"`
	Multiplier int64  `yaml:"multiplier"`
}

type GovernancePolicy struct {
	VotingWindow          time.Duration `yaml:"voting_window"`
	ExecutionWindow       time.Duration `yaml:"execution_window"`
	BaseWeight            int64         `yaml:"base_weight"`
	MinProposerMultiplier int64         `yaml:"min_proposer_multiplier"`
	Tiers                 []TierPolicy  `yaml:"tiers"`
}

type RangePolicy struct {
	Low  int64 `yaml:"low"`
	High int64 `yaml:"high"`
}

type LotteryPolicy struct {
	TicketPrice   string        `yaml:"ticket_price"`
	Duration      time.Duration `yaml:"duration"`
	MinEntries    int64         `yaml:"min_entries"`
	PayoutPercent int64         `yaml:"payout_percent"`
	WinnerBonus   RangePolicy   `yaml:"winner_bonus"`
	TriggerBonus  RangePolicy   `yaml:"trigger_bonus"`
	DrawClaimTTL  time.Duration `yaml:"draw_claim_ttl"`
}

type LedgerPolicy struct {
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`
	PendingTTL        time.Duration `yaml:"pending_ttl"`
	HistoryLimit      int64         `yaml:"history_limit"`
}

type BreedingPolicy struct {
	Threshold int `yaml:"threshold"`
}

type RatePolicy struct {
	Window time.Duration `yaml:"window"`
	Max    int64         `yaml:"max"`
}

// DefaultPolicy mirrors the engine defaults.
func DefaultPolicy() Policy {
	gov := governance.DefaultConfig()
	tiers := make([]TierPolicy, 0, len(gov.Tiers))
	for _, t := range gov.Tiers {
		tiers = append(tiers, TierPolicy{Name: t.Name, Threshold: t.Threshold.String(), Multiplier: t.Multiplier})
	}
	lot := lottery.DefaultConfig()
	led := ledger.DefaultConfig()
	return Policy{
		Governance: GovernancePolicy{
			VotingWindow:          gov.VotingWindow,
			ExecutionWindow:       7 * 24 * time.Hour,
			BaseWeight:            gov.BaseWeight,
			MinProposerMultiplier: gov.MinProposerMultiplier,
			Tiers:                 tiers,
		},
		Lottery: LotteryPolicy{
			TicketPrice:   lot.TicketPrice.String(),
			Duration:      lot.Duration,
			MinEntries:    lot.MinEntries,
			PayoutPercent: lot.PayoutPercent,
			WinnerBonus:   RangePolicy{Low: lot.WinnerBonus.Low, High: lot.WinnerBonus.High},
			TriggerBonus:  RangePolicy{Low: lot.TriggerBonus.Low, High: lot.TriggerBonus.High},
			DrawClaimTTL:  lot.DrawClaimTTL,
		},
		Ledger: LedgerPolicy{
			IdempotencyWindow: led.IdempotencyWindow,
			PendingTTL:        led.PendingTTL,
			HistoryLimit:      led.HistoryLimit,
		},
		Breeding: BreedingPolicy{Threshold: breeding.DefaultThreshold},
		Rewards: map[string]string{
			"register":        "10",
			"buy_tickets":     "1",
			"create_proposal": "5",
			"cast_vote":       "2",
			"check_breeding":  "1",
		},
		RewardsOnChain: []string{"register"},
		RateLimits: map[string]RatePolicy{
			"register":         {Window: time.Hour, Max: 5},
			"buy_tickets":      {Window: time.Minute, Max: 10},
			"draw_lottery":     {Window: time.Minute, Max: 5},
			"create_proposal":  {Window: time.Hour, Max: 3},
			"cast_vote":        {Window: time.Minute, Max: 20},
			"check_breeding":   {Window: time.Minute, Max: 30},
			"decision":         {Window: time.Minute, Max: 30},
			"appreciate":       {Window: time.Minute, Max: 30},
			"execute_proposal": {Window: time.Minute, Max: 10},
		},
		DefaultRateLimit: RatePolicy{Window: time.Minute, Max: 60},
	}
}

// LoadPolicy reads a YAML policy file over the defaults. An empty path
// returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return p.Merge(raw)
}

// Merge applies a YAML document over a copy of the policy and validates the
// result. Keys absent from the document keep their current values.
func (p Policy) Merge(raw []byte) (Policy, error) {
	out := p.clone()
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return Policy{}, fmt.Errorf("policy yaml: %w", err)
	}
	if err := out.Validate(); err != nil {
		return Policy{}, err
	}
	return out, nil
}

func (p Policy) clone() Policy {
	out := p
	out.Governance.Tiers = append([]TierPolicy(nil), p.Governance.Tiers...)
	out.Rewards = make(map[string]string, len(p.Rewards))
	for k, v := range p.Rewards {
		out.Rewards[k] = v
	}
	out.RewardsOnChain = append([]string(nil), p.RewardsOnChain...)
	out.RateLimits = make(map[string]RatePolicy, len(p.RateLimits))
	for k, v := range p.RateLimits {
		out.RateLimits[k] = v
	}
	if p.Balances != nil {
		out.Balances = make(map[string]string, len(p.Balances))
		for k, v := range p.Balances {
			out.Balances[k] = v
		}
	}
	return out
}

// Validate converts every section and reports the first error.
func (p Policy) Validate() error {
	gov, err := p.GovernanceConfig()
	if err != nil {
		return err
	}
	if gov.VotingWindow <= 0 {
		return fmt.Errorf("policy: governance voting window must be positive")
	}
	if gov.BaseWeight <= 0 {
		return fmt.Errorf("policy: governance base weight must be positive")
	}
	lot, err := p.LotteryConfig()
	if err != nil {
		return err
	}
	if err := lot.Validate(); err != nil {
		return fmt.Errorf("policy: lottery: %w", err)
	}
	if _, err := p.RewardAmounts(); err != nil {
		return err
	}
	if _, err := p.BalanceSeed(); err != nil {
		return err
	}
	for name, r := range p.RateLimits {
		if r.Window <= 0 || r.Max <= 0 {
			return fmt.Errorf("policy: rate limit %q needs a positive window and max", name)
		}
	}
	if r := p.DefaultRateLimit; r.Window <= 0 || r.Max <= 0 {
		return fmt.Errorf("policy: default rate limit needs a positive window and max")
	}
	for _, action := range p.RewardsOnChain {
		if _, ok := p.Rewards[action]; !ok {
			return fmt.Errorf("policy: on-chain reward %q has no reward amount", action)
		}
	}
	if p.Breeding.Threshold < breeding.MinScore || p.Breeding.Threshold > breeding.MaxScore {
		return fmt.Errorf("policy: breeding threshold must be in [%d, %d]", breeding.MinScore, breeding.MaxScore)
	}
	return nil
}

// GovernanceConfig converts the governance section.
func (p Policy) GovernanceConfig() (governance.Config, error) {
	tiers := make(governance.Tiers, 0, len(p.Governance.Tiers))
	for _, t := range p.Governance.Tiers {
		threshold, err := decimal.Parse(t.Threshold)
		if err != nil {
			return governance.Config{}, fmt.Errorf("policy: tier %q threshold: %w", t.Name, err)
		}
		tiers = append(tiers, governance.Tier{Name: t.Name, Threshold: threshold, Multiplier: t.Multiplier})
	}
	if err := tiers.Validate(); err != nil {
		return governance.Config{}, fmt.Errorf("policy: tiers: %w", err)
	}
	return governance.Config{
		VotingWindow:          p.Governance.VotingWindow,
		ExecutionWindow:       p.Governance.ExecutionWindow,
		BaseWeight:            p.Governance.BaseWeight,
		MinProposerMultiplier: p.Governance.MinProposerMultiplier,
		Tiers:                 tiers,
	}, nil
}

// LotteryConfig converts the lottery section.
func (p Policy) LotteryConfig() (lottery.Config, error) {
	price, err := decimal.Parse(p.Lottery.TicketPrice)
	if err != nil {
		return lottery.Config{}, fmt.Errorf("policy: ticket price: %w", err)
	}
	return lottery.Config{
		TicketPrice:   price,
		Duration:      p.Lottery.Duration,
		MinEntries:    p.Lottery.MinEntries,
		PayoutPercent: p.Lottery.PayoutPercent,
		WinnerBonus:   lottery.Range{Low: p.Lottery.WinnerBonus.Low, High: p.Lottery.WinnerBonus.High},
		TriggerBonus:  lottery.Range{Low: p.Lottery.TriggerBonus.Low, High: p.Lottery.TriggerBonus.High},
		DrawClaimTTL:  p.Lottery.DrawClaimTTL,
	}, nil
}

// LedgerConfig converts the ledger section.
func (p Policy) LedgerConfig() ledger.Config {
	return ledger.Config{
		IdempotencyWindow: p.Ledger.IdempotencyWindow,
		PendingTTL:        p.Ledger.PendingTTL,
		HistoryLimit:      p.Ledger.HistoryLimit,
	}
}

// RewardAmounts returns the per-action rewards. Zero rewards are dropped.
func (p Policy) RewardAmounts() (map[string]decimal.Amount, error) {
	out := make(map[string]decimal.Amount, len(p.Rewards))
	for action, raw := range p.Rewards {
		amount, err := decimal.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("policy: reward for %q: %w", action, err)
		}
		if amount.IsZero() {
			continue
		}
		out[action] = amount
	}
	return out, nil
}

// RateRules returns one limiter rule per action, prefixed by the action.
func (p Policy) RateRules() map[string]ratelimit.Rule {
	out := make(map[string]ratelimit.Rule, len(p.RateLimits))
	for action, r := range p.RateLimits {
		out[action] = ratelimit.Rule{Prefix: action, Window: r.Window, Max: r.Max}
	}
	return out
}

// DefaultRateRule returns the rule for actions without a rate limit of their
// own. The gateway prefixes it per action.
func (p Policy) DefaultRateRule() ratelimit.Rule {
	return ratelimit.Rule{Window: p.DefaultRateLimit.Window, Max: p.DefaultRateLimit.Max}
}

// OnChainRewards returns the set of actions rewarded through a transfer.
func (p Policy) OnChainRewards() map[string]bool {
	out := make(map[string]bool, len(p.RewardsOnChain))
	for _, action := range p.RewardsOnChain {
		out[action] = true
	}
	return out
}

// BalanceSeed parses the static balance table, keyed by canonical address.
func (p Policy) BalanceSeed() (map[string]decimal.Amount, error) {
	out := make(map[string]decimal.Amount, len(p.Balances))
	for addr, raw := range p.Balances {
		canonical, err := address.Canonicalize(addr)
		if err != nil {
			return nil, fmt.Errorf("policy: balance address: %w", err)
		}
		amount, err := decimal.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("policy: balance of %s: %w", addr, err)
		}
		out[canonical] = amount
	}
	return out, nil
}
