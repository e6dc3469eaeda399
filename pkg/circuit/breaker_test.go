package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("failure")

func trip(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), func() error { return errBoom })
	}
}

func TestCircuitBreakerClosed(t *testing.T) {
	t.Run("should allow requests when closed", func(t *testing.T) {
		breaker := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})

		err := breaker.Execute(context.Background(), func() error { return nil })

		assert.NoError(t, err)
		assert.Equal(t, StateClosed, breaker.State())
	})

	t.Run("should track failures and reset on success", func(t *testing.T) {
		breaker := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})

		trip(breaker, 2)
		assert.Equal(t, 2, breaker.Failures())

		_ = breaker.Execute(context.Background(), func() error { return nil })
		assert.Equal(t, 0, breaker.Failures())
	})

	t.Run("should ignore errors the classifier does not count", func(t *testing.T) {
		notFound := errors.New("not found")
		breaker := NewBreaker(Config{
			MaxFailures: 1,
			Timeout:     time.Second,
			IsFailure:   func(err error) bool { return !errors.Is(err, notFound) },
		})

		err := breaker.Execute(context.Background(), func() error { return notFound })
		assert.ErrorIs(t, err, notFound)
		assert.Equal(t, StateClosed, breaker.State())
	})
}

func TestCircuitBreakerOpen(t *testing.T) {
	t.Run("should open after max failures and reject", func(t *testing.T) {
		breaker := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})
		trip(breaker, 3)

		assert.Equal(t, StateOpen, breaker.State())
		err := breaker.Execute(context.Background(), func() error { return nil })
		assert.Equal(t, ErrCircuitOpen, err)
	})

	t.Run("should half-open after timeout and close on success", func(t *testing.T) {
		var changes []string
		breaker := NewBreaker(Config{
			MaxFailures: 1,
			Timeout:     time.Minute,
			HalfOpenMax: 1,
			OnStateChange: func(name string, from, to State) {
				changes = append(changes, from.String()+"->"+to.String())
			},
		})
		now := time.Now()
		breaker.now = func() time.Time { return now }

		trip(breaker, 1)
		now = now.Add(2 * time.Minute)

		err := breaker.Execute(context.Background(), func() error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, breaker.State())
		assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, changes)
	})

	t.Run("should reopen on half-open failure", func(t *testing.T) {
		breaker := NewBreaker(Config{MaxFailures: 1, Timeout: time.Minute})
		now := time.Now()
		breaker.now = func() time.Time { return now }

		trip(breaker, 1)
		now = now.Add(2 * time.Minute)
		trip(breaker, 1)

		assert.Equal(t, StateOpen, breaker.State())
	})

	t.Run("should not run when the context is done", func(t *testing.T) {
		breaker := NewBreaker(Config{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		ran := false
		err := breaker.Execute(ctx, func() error { ran = true; return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, ran)
	})
}

func TestBreakerGroup(t *testing.T) {
	t.Run("should return one breaker per name under concurrency", func(t *testing.T) {
		group := NewBreakerGroup(Config{MaxFailures: 2, Timeout: time.Second})

		var wg sync.WaitGroup
		got := make([]*Breaker, 20)
		for i := range got {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				got[i] = group.Get("chain")
			}(i)
		}
		wg.Wait()

		for _, b := range got {
			assert.Same(t, got[0], b)
		}
		assert.Equal(t, map[string]State{"chain": StateClosed}, group.States())
	})

	t.Run("should report breakers added by name", func(t *testing.T) {
		group := NewBreakerGroup(Config{})
		b := NewBreaker(Config{Name: "balances", MaxFailures: 1, Timeout: time.Minute})
		group.Add(b)
		b.ForceOpen()

		assert.Same(t, b, group.Get("balances"))
		raw, err := json.Marshal(group.States())
		require.NoError(t, err)
		assert.JSONEq(t, `{"balances":"open"}`, string(raw))
	})
}
