package governance

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/pkg/circuit"
	"github.com/terminal-bench/agentworld/pkg/decimal"
	"golang.org/x/sync/singleflight"
)

// BalanceSource looks up an address's token holdings.
type BalanceSource interface {
	BalanceOf(ctx context.Context, address string) (decimal.Amount, error)
}

// CachedBalances memoizes balance lookups for a short time and collapses
// concurrent lookups of the same address.
type CachedBalances struct {
	src     BalanceSource
	cache   *expirable.LRU[string, decimal.Amount]
	group   singleflight.Group
	breaker *circuit.Breaker
}

// NewCachedBalances wraps src. A zero ttl disables caching.
func NewCachedBalances(src BalanceSource, size int, ttl time.Duration, breaker *circuit.Breaker) *CachedBalances {
	if size <= 0 {
		size = 1024
	}
	c := &CachedBalances{src: src, breaker: breaker}
	if ttl > 0 {
		c.cache = expirable.NewLRU[string, decimal.Amount](size, nil, ttl)
	}
	return c
}

// BalanceOf returns the cached balance or performs one lookup.
func (c *CachedBalances) BalanceOf(ctx context.Context, address string) (decimal.Amount, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(address); ok {
			return v, nil
		}
	}

	v, err, _ := c.group.Do(address, func() (interface{}, error) {
		if c.cache != nil {
			if v, ok := c.cache.Get(address); ok {
				return v, nil
			}
		}
		var bal decimal.Amount
		lookup := func() error {
			b, err := c.src.BalanceOf(ctx, address)
			bal = b
			return err
		}
		var err error
		if c.breaker != nil {
			err = c.breaker.Execute(ctx, lookup)
		} else {
			err = lookup()
		}
		if err != nil {
			return decimal.Zero, err
		}
		if c.cache != nil {
			c.cache.Add(address, bal)
		}
		return bal, nil
	})
	if err != nil {
		var domain *apperrors.Error
		if errors.As(err, &domain) {
			return decimal.Zero, err
		}
		return decimal.Zero, apperrors.Unavailable(apperrors.CodeBalanceUnavailable, "token balance lookup failed", err)
	}
	return v.(decimal.Amount), nil
}

// StaticBalances is a fixed in-memory balance table for development and tests.
type StaticBalances map[string]decimal.Amount

// BalanceOf returns the configured balance, zero for unknown addresses.
func (s StaticBalances) BalanceOf(ctx context.Context, address string) (decimal.Amount, error) {
	return s[address], nil
}
