package keeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/agentworld/internal/chain"
	"github.com/terminal-bench/agentworld/internal/governance"
	"github.com/terminal-bench/agentworld/internal/ledger"
	"github.com/terminal-bench/agentworld/internal/lottery"
	"github.com/terminal-bench/agentworld/internal/reconcile"
	"github.com/terminal-bench/agentworld/internal/registry"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/internal/store/storetest"
	"github.com/terminal-bench/agentworld/pkg/decimal"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

type fixture struct {
	keeper     *Keeper
	lottery    *lottery.Engine
	governance *governance.Engine
	registry   *registry.Registry
	ledger     *ledger.Ledger
	queue      *reconcile.Store
	sim        *chain.Simulated
	store      *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, _ := storetest.New(t)
	sim := chain.NewSimulated()
	ccfg := chain.DefaultConfig()
	ccfg.SubmitsPerSecond = 0
	client := chain.NewClient(sim, ccfg)
	sink := messaging.NewSink(&messaging.Recorder{}, nil)

	l := ledger.NewLedger(s, client, sink, nil, ledger.Config{})
	reg := registry.NewRegistry(s, client, l, sink, nil)

	gcfg := governance.DefaultConfig()
	gcfg.VotingWindow = 50 * time.Millisecond
	gov, err := governance.NewEngine(s, governance.StaticBalances{alice: decimal.FromInt(20_000)}, gcfg, sink, nil)
	require.NoError(t, err)

	lcfg := lottery.DefaultConfig()
	lcfg.Duration = 50 * time.Millisecond
	lcfg.MinEntries = 1
	lot, err := lottery.NewEngine(s, lottery.CryptoRandom{}, lcfg, sink, nil)
	require.NoError(t, err)
	lot.SetSettlement(client, l)

	q, err := reconcile.Open(context.Background(), reconcile.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	k := New(Deps{
		Lottery:    lot,
		Governance: gov,
		Queue:      q,
		Ledger:     l,
		Agents:     reg,
	}, Config{Interval: time.Second})

	return &fixture{keeper: k, lottery: lot, governance: gov, registry: reg, ledger: l, queue: q, sim: sim, store: s}
}

func (f *fixture) register(t *testing.T, addr string, n int) {
	t.Helper()
	hash := fmt.Sprintf("0x%064x", n)
	f.sim.Settle(hash, true)
	_, err := f.registry.Register(context.Background(), registry.RegisterRequest{
		Address: addr, Name: fmt.Sprintf("agent-%d", n), EntryTxHash: hash,
	})
	require.NoError(t, err)
}

// claim marks the round as drawn by a claimant that stopped at claimedAt.
func (f *fixture) claim(t *testing.T, roundID int64, claimedAt time.Time) {
	t.Helper()
	err := f.store.Client().HSet(context.Background(), f.store.RoundKey(roundID),
		"status", string(lottery.StatusDrawing),
		"claim_token", "crashed",
		"claimed_at", store.Time(claimedAt.UTC()),
	).Err()
	require.NoError(t, err)
}

func TestDrawDue(t *testing.T) {
	t.Run("should wait for the sales window to close", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.register(t, alice, 1)

		round, err := f.lottery.OpenRound(ctx)
		require.NoError(t, err)
		_, err = f.lottery.BuyTickets(ctx, round.ID, alice, 3)
		require.NoError(t, err)

		rep, err := f.keeper.Tick(ctx)
		require.NoError(t, err)
		assert.Nil(t, rep.Drawn)

		time.Sleep(80 * time.Millisecond)
		rep, err = f.keeper.Tick(ctx)
		require.NoError(t, err)
		require.NotNil(t, rep.Drawn)
		assert.Equal(t, round.ID, rep.Drawn.ID)
		assert.Equal(t, lottery.StatusCompleted, rep.Drawn.Status)
		assert.Equal(t, alice, rep.Drawn.Winner)
		assert.NotEmpty(t, rep.Drawn.PayoutTxRef)

		rep, err = f.keeper.Tick(ctx)
		require.NoError(t, err)
		assert.Nil(t, rep.Drawn)
	})

	t.Run("should take over a draw abandoned by its claimant", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.register(t, alice, 1)

		round, err := f.lottery.OpenRound(ctx)
		require.NoError(t, err)
		_, err = f.lottery.BuyTickets(ctx, round.ID, alice, 2)
		require.NoError(t, err)
		time.Sleep(80 * time.Millisecond)

		ttl := lottery.DefaultConfig().DrawClaimTTL
		f.claim(t, round.ID, time.Now().Add(-ttl/2))
		rep, err := f.keeper.Tick(ctx)
		require.NoError(t, err)
		assert.Nil(t, rep.Drawn)

		f.claim(t, round.ID, time.Now().Add(-2*ttl))
		rep, err = f.keeper.Tick(ctx)
		require.NoError(t, err)
		require.NotNil(t, rep.Drawn)
		assert.Equal(t, lottery.StatusCompleted, rep.Drawn.Status)
		assert.Equal(t, alice, rep.Drawn.Winner)
	})

	t.Run("should do nothing before any round exists", func(t *testing.T) {
		f := newFixture(t)
		rep, err := f.keeper.Tick(context.Background())
		require.NoError(t, err)
		assert.Nil(t, rep.Drawn)
		assert.Zero(t, rep.Finalized)
	})
}

func TestFinalizeProposals(t *testing.T) {
	t.Run("should count proposals finalized by the pass", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		p, err := f.governance.CreateProposal(ctx, alice, "Raise ticket price", "")
		require.NoError(t, err)

		rep, err := f.keeper.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, rep.Finalized)

		time.Sleep(80 * time.Millisecond)
		rep, err = f.keeper.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Finalized)

		got, err := f.governance.GetProposal(ctx, p.ID)
		require.NoError(t, err)
		assert.NotEqual(t, governance.StatusActive, got.Status)

		time.Sleep(5 * time.Millisecond)
		rep, err = f.keeper.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, rep.Finalized)
	})
}

func TestSweep(t *testing.T) {
	t.Run("should resolve entries that completed and keep the rest", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.register(t, alice, 1)

		_, err := f.ledger.Record(ctx, ledger.Distribution{
			Agent: alice, Kind: "cast_vote", Amount: decimal.FromInt(2), IdempotencyKey: "vote:p1:" + alice,
		})
		require.NoError(t, err)

		for _, e := range []reconcile.Entry{
			{Agent: alice, Operation: "register", IdempotencyKey: "register:" + alice},
			{Agent: bob, Operation: "register", IdempotencyKey: "register:" + bob},
			{Agent: alice, Operation: "reward", IdempotencyKey: "vote:p1:" + alice},
			{Agent: alice, Operation: "reward", IdempotencyKey: "vote:p2:" + alice},
			{Operation: "draw_lottery", IdempotencyKey: "lottery:0:draw"},
			{Operation: "lottery_payout", IdempotencyKey: "garbled"},
		} {
			_, err := f.queue.Record(ctx, e)
			require.NoError(t, err)
		}

		rep, err := f.keeper.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, rep.Resolved)
		assert.Equal(t, 3, rep.Remaining)

		pending, err := f.queue.Pending(ctx, 10)
		require.NoError(t, err)
		keys := make([]string, 0, len(pending))
		for _, e := range pending {
			keys = append(keys, e.IdempotencyKey)
		}
		assert.ElementsMatch(t, []string{"register:" + bob, "vote:p2:" + alice, "garbled"}, keys)
	})

	t.Run("should settle a payout left pending", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.register(t, alice, 1)

		round, err := f.lottery.OpenRound(ctx)
		require.NoError(t, err)
		_, err = f.lottery.BuyTickets(ctx, round.ID, alice, 1)
		require.NoError(t, err)
		time.Sleep(80 * time.Millisecond)
		_, err = f.lottery.Draw(ctx, round.ID, "")
		require.NoError(t, err)

		_, err = f.queue.Record(ctx, reconcile.Entry{
			Operation: "lottery_payout", IdempotencyKey: fmt.Sprintf("lottery:%d:payout", round.ID),
		})
		require.NoError(t, err)

		rep, err := f.keeper.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Resolved)

		got, err := f.lottery.GetRound(ctx, round.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, got.PayoutTxRef)
	})
}

func TestRoundOf(t *testing.T) {
	t.Run("should parse lottery keys", func(t *testing.T) {
		id, ok := roundOf("lottery:12:payout")
		assert.True(t, ok)
		assert.Equal(t, int64(12), id)

		for _, key := range []string{"", "lottery:x:draw", "lottery:-1:draw", "vote:1:a", "lottery:1"} {
			_, ok := roundOf(key)
			assert.False(t, ok, key)
		}
	})
}
