package lottery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/agentworld/internal/chain"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/ledger"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/internal/store/storetest"
	"github.com/terminal-bench/agentworld/pkg/decimal"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

func agent(i int) string {
	return fmt.Sprintf("0x%040x", i+1)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixedRandom struct {
	mu     sync.Mutex
	values []int64
	err    error
	calls  int
}

func (f *fixedRandom) RandomInRange(ctx context.Context, min, max int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if len(f.values) == 0 {
		return min, nil
	}
	v := f.values[0]
	f.values = f.values[1:]
	return v, nil
}

type fixture struct {
	engine *Engine
	store  *store.Store
	mr     *miniredis.Miniredis
	clock  *clock
	rnd    *fixedRandom
	events *messaging.Recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, mr := storetest.New(t)
	rnd := &fixedRandom{}
	rec := &messaging.Recorder{}
	e, err := NewEngine(s, rnd, cfg, messaging.NewSink(rec, nil), nil)
	require.NoError(t, err)
	c := &clock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	e.now = c.Now
	return &fixture{engine: e, store: s, mr: mr, clock: c, rnd: rnd, events: rec}
}

func (f *fixture) buy(t *testing.T, roundID int64, who string, n int64) {
	t.Helper()
	_, err := f.engine.BuyTickets(context.Background(), roundID, who, n)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
}

func TestRounds(t *testing.T) {
	t.Run("should open the first round once", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		ctx := context.Background()

		r1, err := f.engine.OpenRound(ctx)
		require.NoError(t, err)
		r2, err := f.engine.OpenRound(ctx)
		require.NoError(t, err)

		assert.Equal(t, r1.ID, r2.ID)
		assert.Equal(t, StatusOpen, r1.Status)
		assert.Equal(t, f.clock.Now().Add(24*time.Hour), r1.EndsAt)
		assert.Len(t, f.events.Events(messaging.EventTypeLotteryOpened), 1)

		cur, err := f.engine.CurrentRound(ctx)
		require.NoError(t, err)
		assert.Equal(t, r1.ID, cur.ID)
	})

	t.Run("should report a missing round", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())

		_, err := f.engine.CurrentRound(context.Background())
		assert.True(t, apperrors.IsCode(err, apperrors.CodeRoundNotFound))
		_, err = f.engine.GetRound(context.Background(), 42)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeRoundNotFound))
	})
}

func TestBuyTickets(t *testing.T) {
	t.Run("should grow the pool by count times price", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		ctx := context.Background()
		r, err := f.engine.OpenRound(ctx)
		require.NoError(t, err)

		p, err := f.engine.BuyTickets(ctx, r.ID, agent(0), 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), p.TicketsSold)
		assert.Equal(t, "10", p.PrizePool.String())
		assert.Equal(t, "10", p.Cost.String())

		got, err := f.engine.GetRound(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, "10", got.PrizePool.String())
		assert.Equal(t, int64(1), got.Entrants)
	})

	t.Run("should reject non-positive counts and closed rounds", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		ctx := context.Background()
		r, err := f.engine.OpenRound(ctx)
		require.NoError(t, err)

		_, err = f.engine.BuyTickets(ctx, r.ID, agent(0), 0)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidCount))
		_, err = f.engine.BuyTickets(ctx, r.ID, agent(0), -3)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidCount))

		f.clock.Advance(24 * time.Hour)
		_, err = f.engine.BuyTickets(ctx, r.ID, agent(0), 1)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeRoundClosed))
	})

	t.Run("should keep per-agent counts summing to tickets sold under concurrency", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		ctx := context.Background()
		r, err := f.engine.OpenRound(ctx)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := f.engine.BuyTickets(ctx, r.ID, agent(i%5), 2)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := f.engine.GetRound(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(60), got.TicketsSold)
		assert.Equal(t, "120", got.PrizePool.String())

		var sum int64
		for i := 0; i < 5; i++ {
			n, err := f.engine.Tickets(ctx, r.ID, agent(i))
			require.NoError(t, err)
			sum += n
		}
		assert.Equal(t, int64(60), sum)
	})
}

func TestDraw(t *testing.T) {
	t.Run("should roll a round with too few participants into the next pool", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		ctx := context.Background()
		r, err := f.engine.OpenRound(ctx)
		require.NoError(t, err)
		f.buy(t, r.ID, agent(0), 5)

		f.clock.Advance(24 * time.Hour)
		res, err := f.engine.Draw(ctx, r.ID, agent(0))
		require.NoError(t, err)
		assert.Equal(t, StatusRolledOver, res.Round.Status)
		assert.Empty(t, res.Round.Winner)
		assert.Equal(t, 0, f.rnd.calls)

		next := res.NextRound
		require.NotNil(t, next)
		assert.Equal(t, "10", next.OpeningPool.String())
		f.buy(t, next.ID, agent(1), 3)

		got, err := f.engine.GetRound(ctx, next.ID)
		require.NoError(t, err)
		assert.Equal(t, "16", got.PrizePool.String())
		tickets, err := f.engine.Tickets(ctx, next.ID, agent(0))
		require.NoError(t, err)
		assert.Equal(t, int64(0), tickets)
		assert.Len(t, f.events.Events(messaging.EventTypeLotteryRolledOver), 1)
	})

	t.Run("should refuse to draw an open round", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		r, err := f.engine.OpenRound(context.Background())
		require.NoError(t, err)

		_, err = f.engine.Draw(context.Background(), r.ID, "")
		assert.True(t, apperrors.IsCode(err, apperrors.CodeRoundStillOpen))
	})

	t.Run("should pick the winner by cumulative ticket ranges and replay the result", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		ctx := context.Background()
		r, err := f.engine.OpenRound(ctx)
		require.NoError(t, err)
		for i, n := range []int64{1, 2, 3, 1, 3} {
			f.buy(t, r.ID, agent(i), n)
		}
		f.rnd.values = []int64{4, 250, 20}

		f.clock.Advance(24 * time.Hour)
		first, err := f.engine.Draw(ctx, r.ID, agent(9))
		require.NoError(t, err)
		assert.False(t, first.Replayed)
		assert.Equal(t, StatusCompleted, first.Round.Status)
		assert.Equal(t, agent(2), first.Round.Winner)
		assert.Equal(t, int64(4), first.Round.WinningIndex)
		assert.Equal(t, "18", first.Round.WinnerAmount.String())
		assert.Equal(t, int64(250), first.Round.WinnerBonus)
		assert.Equal(t, int64(20), first.Round.TriggerBonus)
		assert.True(t, first.NextRound.OpeningPool.IsZero())

		second, err := f.engine.Draw(ctx, r.ID, agent(8))
		require.NoError(t, err)
		assert.True(t, second.Replayed)
		assert.Equal(t, first.Round.Winner, second.Round.Winner)
		assert.Equal(t, first.Round.WinningIndex, second.Round.WinningIndex)
		assert.Equal(t, first.Round.WinnerAmount.String(), second.Round.WinnerAmount.String())
		assert.Equal(t, agent(9), second.Round.TriggeredBy)
		assert.Equal(t, 3, f.rnd.calls)

		cur, err := f.engine.CurrentRound(ctx)
		require.NoError(t, err)
		assert.Equal(t, first.NextRound.ID, cur.ID)
	})

	t.Run("should let exactly one concurrent drawer draw", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		ctx := context.Background()
		r, err := f.engine.OpenRound(ctx)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			f.buy(t, r.ID, agent(i), 1)
		}
		f.clock.Advance(24 * time.Hour)

		var wg sync.WaitGroup
		var mu sync.Mutex
		drawn := 0
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := f.engine.Draw(ctx, r.ID, "")
				if err != nil {
					assert.True(t, apperrors.IsKind(err, apperrors.KindConflict), "unexpected error %v", err)
					return
				}
				if !res.Replayed {
					mu.Lock()
					drawn++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, drawn)
		assert.Len(t, f.events.Events(messaging.EventTypeLotteryDrawn), 1)
	})

	t.Run("should take over an abandoned draw claim", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		ctx := context.Background()
		r, err := f.engine.OpenRound(ctx)
		require.NoError(t, err)
		f.buy(t, r.ID, agent(0), 1)
		f.clock.Advance(24 * time.Hour)

		f.mr.HSet(f.store.RoundKey(r.ID), "status", "drawing", "claim_token", "stale",
			"claimed_at", fmt.Sprint(store.Time(f.clock.Now())))
		_, err = f.engine.Draw(ctx, r.ID, "")
		assert.True(t, apperrors.IsCode(err, apperrors.CodeAlreadyDrawn))

		f.clock.Advance(3 * time.Minute)
		res, err := f.engine.Draw(ctx, r.ID, "")
		require.NoError(t, err)
		assert.Equal(t, StatusRolledOver, res.Round.Status)
	})

	t.Run("should release the claim when the randomness source fails", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		ctx := context.Background()
		r, err := f.engine.OpenRound(ctx)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			f.buy(t, r.ID, agent(i), 1)
		}
		f.clock.Advance(24 * time.Hour)
		f.rnd.err = errors.New("oracle down")

		_, err = f.engine.Draw(ctx, r.ID, "")
		assert.True(t, apperrors.IsCode(err, apperrors.CodeOracleUnavailable))
		got, err := f.engine.GetRound(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, got.Status)

		f.rnd.err = nil
		res, err := f.engine.Draw(ctx, r.ID, "")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Round.Status)
	})
}

func TestPickWinner(t *testing.T) {
	t.Run("should map indices onto ranges in entrant order", func(t *testing.T) {
		entrants := []entrant{{agent: "a", tickets: 2}, {agent: "b", tickets: 3}}

		for index, want := range map[int64]string{0: "a", 1: "a", 2: "b", 4: "b"} {
			got, err := pickWinner(entrants, index)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err := pickWinner(entrants, 5)
		assert.Error(t, err)
	})
}

func TestCryptoRandom(t *testing.T) {
	t.Run("should stay within the inclusive range", func(t *testing.T) {
		var rnd CryptoRandom
		for i := 0; i < 200; i++ {
			n, err := rnd.RandomInRange(context.Background(), 3, 7)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, int64(3))
			assert.LessOrEqual(t, n, int64(7))
		}
		_, err := rnd.RandomInRange(context.Background(), 2, 1)
		assert.Error(t, err)
	})
}

func TestPayout(t *testing.T) {
	drawn := func(t *testing.T) (*fixture, *Round) {
		t.Helper()
		f := newFixture(t, DefaultConfig())
		ctx := context.Background()
		r, err := f.engine.OpenRound(ctx)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			f.buy(t, r.ID, agent(i), 2)
		}
		f.rnd.values = []int64{0, 100, 10}
		f.clock.Advance(24 * time.Hour)
		res, err := f.engine.Draw(ctx, r.ID, agent(4))
		require.NoError(t, err)
		return f, res.Round
	}

	t.Run("should record a payout reference once", func(t *testing.T) {
		f, r := drawn(t)
		ctx := context.Background()

		got, err := f.engine.RecordPayout(ctx, r.ID, "0xpaid")
		require.NoError(t, err)
		assert.Equal(t, "0xpaid", got.PayoutTxRef)
		assert.Equal(t, r.Winner, got.Winner)

		_, err = f.engine.RecordPayout(ctx, r.ID, "0xpaid")
		assert.NoError(t, err)
		_, err = f.engine.RecordPayout(ctx, r.ID, "0xother")
		assert.True(t, apperrors.IsCode(err, apperrors.CodePayoutMismatch))
		assert.Len(t, f.events.Events(messaging.EventTypeLotteryPaid), 1)
	})

	t.Run("should refuse to pay rounds that are not completed", func(t *testing.T) {
		f, r := drawn(t)

		_, err := f.engine.RecordPayout(context.Background(), r.NextRoundID, "0xpaid")
		assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))
	})

	t.Run("should settle through the chain and credit the ledger", func(t *testing.T) {
		f, r := drawn(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			f.mr.HSet(f.store.AgentKey(agent(i)), "address", agent(i), store.FieldTotalRewards, "0")
		}
		sim := chain.NewSimulated()
		cfg := chain.DefaultConfig()
		cfg.SubmitsPerSecond = 0
		client := chain.NewClient(sim, cfg)
		l := ledger.NewLedger(f.store, client, nil, nil, ledger.Config{})
		f.engine.SetSettlement(client, l)

		paid, err := f.engine.SettlePayout(ctx, r.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, paid.PayoutTxRef)

		winnerTotal, err := l.Total(ctx, r.Winner)
		require.NoError(t, err)
		assert.Equal(t, "118", winnerTotal.String())
		triggerTotal, err := l.Total(ctx, agent(4))
		require.NoError(t, err)
		assert.Equal(t, "10", triggerTotal.String())

		again, err := f.engine.SettlePayout(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, paid.PayoutTxRef, again.PayoutTxRef)
		assert.Len(t, sim.Transfers(), 1)
	})

	t.Run("should leave the round unpaid when the transfer fails", func(t *testing.T) {
		f, r := drawn(t)
		sim := chain.NewSimulated()
		sim.Revert = true
		cfg := chain.DefaultConfig()
		cfg.SubmitsPerSecond = 0
		client := chain.NewClient(sim, cfg)
		f.engine.SetSettlement(client, ledger.NewLedger(f.store, client, nil, nil, ledger.Config{}))

		_, err := f.engine.SettlePayout(context.Background(), r.ID)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeTransferFailed))

		got, err := f.engine.GetRound(context.Background(), r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Empty(t, got.PayoutTxRef)
		assert.Equal(t, r.Winner, got.Winner)
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("should reject bad payout and bonus ranges", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PayoutPercent = 101
		assert.Error(t, cfg.Validate())

		cfg = DefaultConfig()
		cfg.WinnerBonus = Range{Low: 5, High: 1}
		assert.Error(t, cfg.Validate())

		cfg = DefaultConfig()
		cfg.TicketPrice = decimal.Zero
		assert.Error(t, cfg.Validate())
	})
}
