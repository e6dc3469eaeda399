// Package ratelimit implements the fixed-window request counter that gates
// every mutating action.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/store"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed bool
	// ResetIn is the time left in the current window.
	ResetIn time.Duration
	// Count is the number of requests seen in the current window.
	Count int64
}

// ResetInSeconds reports ResetIn rounded up to whole seconds.
func (d Decision) ResetInSeconds() int {
	secs := int(d.ResetIn / time.Second)
	if d.ResetIn%time.Second != 0 {
		secs++
	}
	return secs
}

// Rule is a named limit applied to one class of action.
type Rule struct {
	Prefix string
	Window time.Duration
	Max    int64
}

// Limiter counts requests per bucket in the shared store.
type Limiter struct {
	store *store.Store
}

// NewLimiter creates a limiter backed by s.
func NewLimiter(s *store.Store) *Limiter {
	return &Limiter{store: s}
}

// Allow increments the counter for bucket and reports whether the request fits
// within max requests per window. Store failures reject the request.
func (l *Limiter) Allow(ctx context.Context, bucket string, window time.Duration, max int64) (Decision, error) {
	if window <= 0 || max <= 0 {
		return Decision{}, apperrors.Validation(apperrors.CodeInvalidInput, "rate limit window and max must be positive")
	}
	key := l.store.RateKey(bucket)
	ctx, cancel := l.store.Context(ctx)
	defer cancel()

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return Decision{Allowed: false}, store.Unavailable(err)
	}

	count := incr.Val()
	remaining := ttl.Val()
	// A fresh counter, or one left without expiry by a crashed caller, starts
	// a new window.
	if count == 1 || remaining < 0 {
		if err := l.store.Client().PExpire(ctx, key, window).Err(); err != nil {
			return Decision{Allowed: false}, store.Unavailable(err)
		}
		remaining = window
	}

	return Decision{
		Allowed: count <= max,
		ResetIn: remaining,
		Count:   count,
	}, nil
}

// Check applies rule to identifier and converts a rejection into a
// RateLimited error carrying the retry-after hint.
func (l *Limiter) Check(ctx context.Context, rule Rule, identifier string) error {
	d, err := l.Allow(ctx, fmt.Sprintf("%s:%s", rule.Prefix, identifier), rule.Window, rule.Max)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return apperrors.RateLimited(time.Duration(d.ResetInSeconds()) * time.Second)
	}
	return nil
}
