package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/internal/store/storetest"
)

func TestWatch(t *testing.T) {
	t.Run("should serialize concurrent read-modify-write through optimistic retries", func(t *testing.T) {
		s, _ := storetest.New(t)
		ctx := context.Background()
		key := s.Key("counter")

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Watch(ctx, func(ctx context.Context, tx *redis.Tx) error {
					n, err := tx.Get(ctx, key).Int64()
					if err != nil && !store.IsNil(err) {
						return err
					}
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Set(ctx, key, n+1, 0)
						return nil
					})
					return err
				}, key)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		n, err := s.Client().Get(ctx, key).Int64()
		require.NoError(t, err)
		assert.Equal(t, int64(10), n)
	})

	t.Run("should pass domain errors through unchanged", func(t *testing.T) {
		s, _ := storetest.New(t)
		want := apperrors.Conflict(apperrors.CodeAlreadyVoted, "dup")
		err := s.Watch(context.Background(), func(ctx context.Context, tx *redis.Tx) error { return want }, s.Key("x"))
		assert.Same(t, want, err)
	})

	t.Run("should bound every command of an attempt by the operation timeout", func(t *testing.T) {
		_, mr := storetest.New(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		s := store.New(rdb, store.Options{Prefix: "test", OpTimeout: 50 * time.Millisecond})

		var deadline time.Time
		err := s.Watch(context.Background(), func(ctx context.Context, tx *redis.Tx) error {
			var ok bool
			deadline, ok = ctx.Deadline()
			require.True(t, ok)
			<-ctx.Done()
			return tx.Get(ctx, s.Key("x")).Err()
		}, s.Key("x"))
		assert.Equal(t, apperrors.KindDependencyUnavailable, apperrors.KindOf(err))
		assert.WithinDuration(t, time.Now(), deadline, time.Second)
	})

	t.Run("should classify connection failures as unavailable", func(t *testing.T) {
		s, mr := storetest.New(t)
		mr.Close()
		err := s.Ping(context.Background())
		assert.Equal(t, apperrors.KindDependencyUnavailable, apperrors.KindOf(err))
	})
}

func TestDecoder(t *testing.T) {
	t.Run("should decode typed fields and keep the first error", func(t *testing.T) {
		now := time.UnixMilli(1700000000000).UTC()
		d := store.NewDecoder("agent", map[string]string{
			"address":       "0xabc",
			"total_actions": "3",
			"total_rewards": "1.5",
			"registered_at": "1700000000000",
			"status":        "bogus",
		})

		assert.Equal(t, "0xabc", d.Required("address"))
		assert.Equal(t, int64(3), d.Int64("total_actions"))
		assert.Equal(t, "1.5", d.Amount("total_rewards").String())
		assert.Equal(t, now, d.Time("registered_at"))
		assert.NoError(t, d.Err())

		d.OneOf("status", "open", "closed")
		d.Required("missing")
		require.Error(t, d.Err())
		assert.Contains(t, d.Err().Error(), "agent.status")
	})

	t.Run("should report empty records", func(t *testing.T) {
		assert.True(t, store.NewDecoder("x", map[string]string{}).Empty())
	})
}

func TestKeys(t *testing.T) {
	s, _ := storetest.New(t)
	assert.Equal(t, "test:agent:0xabc", s.AgentKey("0xabc"))
	assert.Equal(t, "test:lottery:round:7:sold", s.RoundSoldKey(7))
	assert.Equal(t, int64(0), store.Time(time.Time{}))
}
