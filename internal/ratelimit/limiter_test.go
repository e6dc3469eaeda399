package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/store/storetest"
)

func TestLimiterAllow(t *testing.T) {
	t.Run("should allow requests within limit", func(t *testing.T) {
		s, _ := storetest.New(t)
		l := NewLimiter(s)

		for i := 0; i < 3; i++ {
			d, err := l.Allow(context.Background(), "vote:0xabc", time.Minute, 3)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "request %d", i+1)
		}
	})

	t.Run("should reject once the window is exhausted and report reset", func(t *testing.T) {
		s, _ := storetest.New(t)
		l := NewLimiter(s)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			_, err := l.Allow(ctx, "b", 10*time.Second, 2)
			require.NoError(t, err)
		}
		d, err := l.Allow(ctx, "b", 10*time.Second, 2)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(3), d.Count)
		assert.Equal(t, 10, d.ResetInSeconds())
	})

	t.Run("should start a new window after expiry", func(t *testing.T) {
		s, mr := storetest.New(t)
		l := NewLimiter(s)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			_, _ = l.Allow(ctx, "b", time.Second, 1)
		}
		mr.FastForward(2 * time.Second)

		d, err := l.Allow(ctx, "b", time.Second, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("should keep buckets independent", func(t *testing.T) {
		s, _ := storetest.New(t)
		l := NewLimiter(s)
		ctx := context.Background()

		_, _ = l.Allow(ctx, "a", time.Minute, 1)
		d, err := l.Allow(ctx, "c", time.Minute, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("should admit exactly max concurrent requests", func(t *testing.T) {
		s, _ := storetest.New(t)
		l := NewLimiter(s)

		var allowed int64
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := l.Allow(context.Background(), "burst", time.Minute, 10)
				if err == nil && d.Allowed {
					atomic.AddInt64(&allowed, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(10), allowed)
	})

	t.Run("should fail closed when the store is down", func(t *testing.T) {
		s, mr := storetest.New(t)
		l := NewLimiter(s)
		mr.Close()

		d, err := l.Allow(context.Background(), "b", time.Minute, 5)
		assert.False(t, d.Allowed)
		assert.Equal(t, apperrors.KindDependencyUnavailable, apperrors.KindOf(err))
	})
}

func TestLimiterCheck(t *testing.T) {
	t.Run("should return a rate limited error with retry-after", func(t *testing.T) {
		s, _ := storetest.New(t)
		l := NewLimiter(s)
		rule := Rule{Prefix: "lottery", Window: 30 * time.Second, Max: 1}
		ctx := context.Background()

		require.NoError(t, l.Check(ctx, rule, "0xabc"))
		err := l.Check(ctx, rule, "0xabc")
		assert.True(t, apperrors.IsCode(err, apperrors.CodeRateLimited))
		assert.Equal(t, 30*time.Second, apperrors.RetryAfter(err))
	})

	t.Run("should reject invalid rules", func(t *testing.T) {
		s, _ := storetest.New(t)
		err := NewLimiter(s).Check(context.Background(), Rule{Prefix: "x"}, "a")
		assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	})
}
