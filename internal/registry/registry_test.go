package registry_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/agentworld/internal/chain"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/ledger"
	"github.com/terminal-bench/agentworld/internal/registry"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/internal/store/storetest"
	"github.com/terminal-bench/agentworld/pkg/decimal"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	carol = "0x3333333333333333333333333333333333333333"
)

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

type fixture struct {
	store    *store.Store
	sim      *chain.Simulated
	registry *registry.Registry
	ledger   *ledger.Ledger
	events   *messaging.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, _ := storetest.New(t)
	sim := chain.NewSimulated()
	cfg := chain.DefaultConfig()
	cfg.SubmitsPerSecond = 0
	client := chain.NewClient(sim, cfg)
	rec := &messaging.Recorder{}
	sink := messaging.NewSink(rec, nil)
	l := ledger.NewLedger(s, client, sink, nil, ledger.Config{})
	return &fixture{
		store:    s,
		sim:      sim,
		ledger:   l,
		events:   rec,
		registry: registry.NewRegistry(s, client, l, sink, nil),
	}
}

func (f *fixture) register(t *testing.T, addr, name string, n int) *registry.Agent {
	t.Helper()
	f.sim.Settle(txHash(n), true)
	a, err := f.registry.Register(context.Background(), registry.RegisterRequest{
		Address: addr, Name: name, EntryTxHash: txHash(n),
	})
	require.NoError(t, err)
	return a
}

func TestRegister(t *testing.T) {
	t.Run("should create the agent with zero activity", func(t *testing.T) {
		f := newFixture(t)
		a := f.register(t, alice, "Alice", 1)

		assert.Equal(t, alice, a.Address)
		got, err := f.registry.Get(context.Background(), alice)
		require.NoError(t, err)
		assert.Equal(t, "Alice", got.Name)
		assert.Equal(t, int64(0), got.TotalActions)
		assert.True(t, got.TotalRewards.IsZero())

		board, err := f.registry.Leaderboard(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, board, 1)
		assert.Equal(t, alice, board[0].Address)

		events := f.events.Events(messaging.EventTypeAgentEntered)
		require.Len(t, events, 1)
		assert.Equal(t, "Alice entered the world", events[0].Message)
	})

	t.Run("should reject a second registration with a conflict", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, alice, "Alice", 1)
		f.sim.Settle(txHash(2), true)

		_, err := f.registry.Register(context.Background(), registry.RegisterRequest{
			Address: strings.ToUpper(alice[2:]), Name: "Again", EntryTxHash: txHash(2),
		})
		assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidAddress), "address without 0x prefix is invalid")

		_, err = f.registry.Register(context.Background(), registry.RegisterRequest{
			Address: alice, Name: "Again", EntryTxHash: txHash(2),
		})
		assert.True(t, apperrors.IsCode(err, apperrors.CodeAlreadyRegistered))
		assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))

		n, err := f.registry.Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("should admit exactly one of many concurrent registrations", func(t *testing.T) {
		f := newFixture(t)
		for i := 0; i < 8; i++ {
			f.sim.Settle(txHash(100+i), true)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		ok := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := f.registry.Register(context.Background(), registry.RegisterRequest{
					Address: bob, Name: fmt.Sprintf("Bob%d", i), EntryTxHash: txHash(100 + i),
				})
				if err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				} else {
					assert.True(t, apperrors.IsCode(err, apperrors.CodeAlreadyRegistered))
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, ok)
	})

	t.Run("should not reuse an entry transaction", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, alice, "Alice", 7)

		_, err := f.registry.Register(context.Background(), registry.RegisterRequest{
			Address: bob, Name: "Bob", EntryTxHash: txHash(7),
		})
		assert.True(t, apperrors.IsCode(err, apperrors.CodeEntryTxReused))
	})

	t.Run("should reject unverified entry fees", func(t *testing.T) {
		f := newFixture(t)
		f.sim.Settle(txHash(9), false)

		_, err := f.registry.Register(context.Background(), registry.RegisterRequest{
			Address: alice, Name: "Alice", EntryTxHash: txHash(9),
		})
		assert.True(t, apperrors.IsCode(err, apperrors.CodeEntryFeeUnverified))

		_, err = f.registry.Get(context.Background(), alice)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeAgentNotFound))
	})

	t.Run("should validate the request", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.registry.Register(context.Background(), registry.RegisterRequest{Address: alice, Name: " ", EntryTxHash: txHash(1)})
		assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

		for _, hash := range []string{"", "0x", "abc", "0xzz", "0x" + strings.Repeat("a", 65)} {
			_, err = f.registry.Register(context.Background(), registry.RegisterRequest{Address: alice, Name: "A", EntryTxHash: hash})
			assert.True(t, apperrors.IsKind(err, apperrors.KindValidation), hash)
		}
	})

	t.Run("should accept short entry hashes", func(t *testing.T) {
		f := newFixture(t)
		f.sim.Settle("0xabc", true)

		a, err := f.registry.Register(context.Background(), registry.RegisterRequest{
			Address: alice, Name: "Alice", EntryTxHash: "0xABC",
		})
		require.NoError(t, err)
		assert.Equal(t, "0xabc", a.EntryTxHash)
	})
}

func TestGet(t *testing.T) {
	t.Run("should find agents case-insensitively", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "Checksum", 1)

		a, err := f.registry.Get(context.Background(), "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
		require.NoError(t, err)
		assert.Equal(t, "Checksum", a.Name)
	})

	t.Run("should report unknown agents", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.registry.Get(context.Background(), carol)
		assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	})
}

func TestRecordAction(t *testing.T) {
	t.Run("should count actions atomically under concurrency", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, alice, "Alice", 1)

		var wg sync.WaitGroup
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.registry.RecordAction(context.Background(), alice, registry.ActionRecord{Kind: "chat"})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		a, err := f.registry.Get(context.Background(), alice)
		require.NoError(t, err)
		assert.Equal(t, int64(25), a.TotalActions)
		assert.False(t, a.LastActionAt.IsZero())
	})

	t.Run("should credit the reward once and skip counting replays", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, alice, "Alice", 1)
		act := registry.ActionRecord{
			Kind:   "vote",
			Reward: &registry.Reward{Amount: decimal.MustParse("1.5"), IdempotencyKey: "vote:p1:" + alice},
		}

		first, err := f.registry.RecordAction(context.Background(), alice, act)
		require.NoError(t, err)
		assert.False(t, first.Replayed)
		assert.Equal(t, int64(1), first.TotalActions)

		second, err := f.registry.RecordAction(context.Background(), alice, act)
		require.NoError(t, err)
		assert.True(t, second.Replayed)

		a, err := f.registry.Get(context.Background(), alice)
		require.NoError(t, err)
		assert.Equal(t, int64(1), a.TotalActions)
		assert.Equal(t, "1.5", a.TotalRewards.String())
	})

	t.Run("should transfer on-chain rewards before crediting", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, alice, "Alice", 1)

		res, err := f.registry.RecordAction(context.Background(), alice, registry.ActionRecord{
			Kind:   "quest",
			Reward: &registry.Reward{Amount: decimal.FromInt(2), IdempotencyKey: "quest:1", Transfer: true},
		})
		require.NoError(t, err)
		require.NotNil(t, res.Reward)
		assert.NotEmpty(t, res.Reward.TxHash)
		assert.Len(t, f.sim.Transfers(), 1)
	})

	t.Run("should reject actions for unknown agents", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.registry.RecordAction(context.Background(), bob, registry.ActionRecord{Kind: "chat"})
		assert.True(t, apperrors.IsCode(err, apperrors.CodeAgentNotFound))
	})
}

func TestLeaderboard(t *testing.T) {
	t.Run("should order by reward total and paginate", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.register(t, alice, "Alice", 1)
		f.register(t, bob, "Bob", 2)
		f.register(t, carol, "Carol", 3)

		for addr, amount := range map[string]string{alice: "3", bob: "10.5", carol: "7"} {
			_, err := f.ledger.Record(ctx, ledger.Distribution{
				Agent: addr, Kind: "seed", Amount: decimal.MustParse(amount), IdempotencyKey: "seed:" + addr,
			})
			require.NoError(t, err)
		}

		board, err := f.registry.Leaderboard(ctx, 2)
		require.NoError(t, err)
		require.Len(t, board, 2)
		assert.Equal(t, bob, board[0].Address)
		assert.Equal(t, "10.5", board[0].TotalRewards.String())
		assert.Equal(t, 2, board[1].Rank)
		assert.Equal(t, carol, board[1].Address)

		page, err := f.registry.ListAll(ctx, 2, 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, alice, page[0].Address)
	})

	t.Run("should clamp the page size", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, alice, "Alice", 1)

		board, err := f.registry.Leaderboard(context.Background(), 0)
		require.NoError(t, err)
		assert.Len(t, board, 1)
	})
}

func TestIsActive(t *testing.T) {
	t.Run("should use registration time before the first action", func(t *testing.T) {
		now := time.Now()
		a := &registry.Agent{RegisteredAt: now.Add(-2 * time.Hour)}

		assert.False(t, a.IsActive(now, time.Hour))
		a.LastActionAt = now.Add(-time.Minute)
		assert.True(t, a.IsActive(now, time.Hour))
	})
}
