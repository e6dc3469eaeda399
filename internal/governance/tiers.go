package governance

import (
	"fmt"

	"github.com/terminal-bench/agentworld/pkg/decimal"
)

// Tier is a token-holding threshold and the voting multiplier it grants.
type Tier struct {
	Name       string         `json:"name"`
	Threshold  decimal.Amount `json:"threshold"`
	Multiplier int64          `json:"multiplier"`
}

// Tiers is ordered by descending threshold; the last tier has threshold 0.
type Tiers []Tier

// DefaultTiers returns the standard holding tiers.
func DefaultTiers() Tiers {
	return Tiers{
		{Name: "whale", Threshold: decimal.FromInt(1_000_000), Multiplier: 5},
		{Name: "dolphin", Threshold: decimal.FromInt(100_000), Multiplier: 3},
		{Name: "holder", Threshold: decimal.FromInt(10_000), Multiplier: 2},
		{Name: "citizen", Threshold: decimal.Zero, Multiplier: 1},
	}
}

// Validate checks ordering and the catch-all zero tier.
func (ts Tiers) Validate() error {
	if len(ts) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	for i, t := range ts {
		if t.Multiplier < 0 {
			return fmt.Errorf("tier %q: multiplier must not be negative", t.Name)
		}
		if i > 0 && t.Threshold.Cmp(ts[i-1].Threshold) >= 0 {
			return fmt.Errorf("tier %q: thresholds must be strictly descending", t.Name)
		}
	}
	if !ts[len(ts)-1].Threshold.IsZero() {
		return fmt.Errorf("lowest tier must have threshold 0")
	}
	return nil
}

// For returns the first tier whose threshold the balance reaches.
func (ts Tiers) For(balance decimal.Amount) Tier {
	for _, t := range ts {
		if balance.Cmp(t.Threshold) >= 0 {
			return t
		}
	}
	return ts[len(ts)-1]
}
