// Package lottery runs recurring ticket rounds with a weighted random draw.
//
// A round hash is only mutated by the draw; ticket purchases update the sold
// counter, per-agent ticket hash and entrant set while watching the round
// hash. A purchase that races the draw claim therefore aborts and sees the
// round closed on retry.
package lottery

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/agentworld/internal/address"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/pkg/decimal"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

// Status is a round lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusDrawing    Status = "drawing"
	StatusCompleted  Status = "completed"
	StatusRolledOver Status = "rolled_over"
)

var allStatuses = []string{
	string(StatusOpen), string(StatusDrawing), string(StatusCompleted), string(StatusRolledOver),
}

// Round is one lottery round.
type Round struct {
	ID          int64          `json:"id"`
	StartsAt    time.Time      `json:"starts_at"`
	EndsAt      time.Time      `json:"ends_at"`
	TicketPrice decimal.Amount `json:"ticket_price"`
	OpeningPool decimal.Amount `json:"opening_pool"`
	TicketsSold int64          `json:"tickets_sold"`
	Entrants    int64          `json:"entrants"`
	PrizePool   decimal.Amount `json:"prize_pool"`
	Status      Status         `json:"status"`

	Winner       string         `json:"winner,omitempty"`
	WinningIndex int64          `json:"winning_index"`
	WinnerAmount decimal.Amount `json:"winner_amount"`
	WinnerBonus  int64          `json:"winner_bonus"`
	TriggerBonus int64          `json:"trigger_bonus"`
	TriggeredBy  string         `json:"triggered_by,omitempty"`
	DrawnAt      time.Time      `json:"drawn_at,omitempty"`
	NextRoundID  int64          `json:"next_round_id,omitempty"`
	PayoutTxRef  string         `json:"payout_tx_ref,omitempty"`
	PaidAt       time.Time      `json:"paid_at,omitempty"`

	claimToken string
	claimedAt  time.Time
}

// Finished reports whether the round has a final result.
func (r *Round) Finished() bool {
	return r.Status == StatusCompleted || r.Status == StatusRolledOver
}

func (r *Round) openFields() store.Fields {
	return store.Fields{
		"id":            r.ID,
		"starts_at":     store.Time(r.StartsAt),
		"ends_at":       store.Time(r.EndsAt),
		"ticket_price":  r.TicketPrice.String(),
		"opening_pool":  r.OpeningPool.String(),
		"status":        string(StatusOpen),
		"winning_index": -1,
	}
}

func decodeRound(rec map[string]string, sold string) (*Round, error) {
	d := store.NewDecoder("round", rec)
	r := &Round{
		ID:           d.Int64("id"),
		StartsAt:     d.Time("starts_at"),
		EndsAt:       d.Time("ends_at"),
		TicketPrice:  d.Amount("ticket_price"),
		OpeningPool:  d.Amount("opening_pool"),
		Status:       Status(d.OneOf("status", allStatuses...)),
		Winner:       d.String("winner"),
		WinningIndex: d.Int64("winning_index"),
		WinnerAmount: d.Amount("winner_amount"),
		WinnerBonus:  d.Int64("winner_bonus"),
		TriggerBonus: d.Int64("trigger_bonus"),
		TriggeredBy:  d.String("triggered_by"),
		DrawnAt:      d.Time("drawn_at"),
		NextRoundID:  d.Int64("next_round_id"),
		PayoutTxRef:  d.String("payout_tx_ref"),
		PaidAt:       d.Time("paid_at"),
		claimToken:   d.String("claim_token"),
		claimedAt:    d.Time("claimed_at"),
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	if sold != "" {
		n, err := strconv.ParseInt(sold, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode round.sold: %w", err)
		}
		r.TicketsSold = n
	}
	r.PrizePool = r.OpeningPool.Add(r.TicketPrice.MulInt(r.TicketsSold))
	return r, nil
}

// Range is an inclusive integer range.
type Range struct {
	Low  int64
	High int64
}

// Config holds round parameters.
type Config struct {
	TicketPrice decimal.Amount
	Duration    time.Duration
	// MinEntries is the number of distinct participants a round needs to be
	// drawn; below it the pool rolls over.
	MinEntries    int64
	PayoutPercent int64
	WinnerBonus   Range
	TriggerBonus  Range
	// DrawClaimTTL is how long a draw claim blocks other drawers before it
	// is considered abandoned.
	DrawClaimTTL time.Duration
}

// DefaultConfig returns the default round parameters.
func DefaultConfig() Config {
	return Config{
		TicketPrice:   decimal.FromInt(2),
		Duration:      24 * time.Hour,
		MinEntries:    5,
		PayoutPercent: 90,
		WinnerBonus:   Range{Low: 100, High: 500},
		TriggerBonus:  Range{Low: 10, High: 50},
		DrawClaimTTL:  2 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.TicketPrice.IsPositive() {
		return fmt.Errorf("ticket price must be positive")
	}
	if c.Duration <= 0 {
		return fmt.Errorf("round duration must be positive")
	}
	if c.MinEntries < 1 {
		return fmt.Errorf("min entries must be at least 1")
	}
	if c.PayoutPercent <= 0 || c.PayoutPercent > 100 {
		return fmt.Errorf("payout percent must be in (0, 100]")
	}
	for name, r := range map[string]Range{"winner bonus": c.WinnerBonus, "trigger bonus": c.TriggerBonus} {
		if r.Low < 0 || r.Low > r.High {
			return fmt.Errorf("%s range must satisfy 0 <= low <= high", name)
		}
	}
	if c.DrawClaimTTL <= 0 {
		return fmt.Errorf("draw claim ttl must be positive")
	}
	return nil
}

// Engine manages lottery rounds.
type Engine struct {
	store  *store.Store
	rnd    Randomness
	cfg    Config
	sink   *messaging.Sink
	logger *log.Logger
	now    func() time.Time

	payer   Payer
	credits Crediter
}

// NewEngine creates a lottery engine.
func NewEngine(s *store.Store, rnd Randomness, cfg Config, sink *messaging.Sink, logger *log.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lottery config: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		store:  s,
		rnd:    rnd,
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}, nil
}

// hashReader is satisfied by both the client and a watched transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
}

func (e *Engine) load(ctx context.Context, c hashReader, id int64) (*Round, error) {
	rec, err := c.HGetAll(ctx, e.store.RoundKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(rec) == 0 {
		return nil, apperrors.NotFound(apperrors.CodeRoundNotFound, "round %d not found", id)
	}
	sold, err := c.Get(ctx, e.store.RoundSoldKey(id)).Result()
	if err != nil && !store.IsNil(err) {
		return nil, err
	}
	r, err := decodeRound(rec, sold)
	if err != nil {
		return nil, err
	}
	if r.Entrants, err = c.ZCard(ctx, e.store.RoundEntrantsKey(id)).Result(); err != nil {
		return nil, err
	}
	return r, nil
}

func (e *Engine) newRound(id int64, openingPool decimal.Amount, now time.Time) *Round {
	return &Round{
		ID:           id,
		StartsAt:     now,
		EndsAt:       now.Add(e.cfg.Duration),
		TicketPrice:  e.cfg.TicketPrice,
		OpeningPool:  openingPool,
		PrizePool:    openingPool,
		Status:       StatusOpen,
		WinningIndex: -1,
	}
}

// OpenRound opens the first round, or returns the current one. Later rounds
// are opened by Draw.
func (e *Engine) OpenRound(ctx context.Context) (*Round, error) {
	currentKey := e.store.CurrentRoundKey()
	var (
		round  *Round
		opened bool
	)
	err := e.store.Watch(ctx, func(ctx context.Context, tx *redis.Tx) error {
		opened = false
		cur, err := tx.Get(ctx, currentKey).Int64()
		if err == nil {
			round, err = e.load(ctx, tx, cur)
			return err
		}
		if !store.IsNil(err) {
			return err
		}

		id, err := tx.Incr(ctx, e.store.RoundSeqKey()).Result()
		if err != nil {
			return err
		}
		round = e.newRound(id, decimal.Zero, e.now().UTC())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, e.store.RoundKey(id), map[string]interface{}(round.openFields()))
			pipe.Set(ctx, currentKey, id, 0)
			return nil
		})
		opened = err == nil
		return err
	}, currentKey)
	if err != nil {
		return nil, err
	}
	if opened {
		e.sink.Emit(ctx, messaging.EventTypeLotteryOpened, strconv.FormatInt(round.ID, 10),
			fmt.Sprintf("lottery round %d opened", round.ID), round)
	}
	return round, nil
}

// CurrentRound returns the latest round.
func (e *Engine) CurrentRound(ctx context.Context) (*Round, error) {
	opCtx, cancel := e.store.Context(ctx)
	defer cancel()
	id, err := e.store.Client().Get(opCtx, e.store.CurrentRoundKey()).Int64()
	if store.IsNil(err) {
		return nil, apperrors.NotFound(apperrors.CodeRoundNotFound, "no lottery round has been opened")
	}
	if err != nil {
		return nil, store.Unavailable(err)
	}
	return e.GetRound(ctx, id)
}

// GetRound returns a round with its derived prize pool.
func (e *Engine) GetRound(ctx context.Context, id int64) (*Round, error) {
	opCtx, cancel := e.store.Context(ctx)
	defer cancel()
	r, err := e.load(opCtx, e.store.Client(), id)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	return r, nil
}

// Purchase reports a ticket purchase.
type Purchase struct {
	RoundID      int64          `json:"round_id"`
	Agent        string         `json:"agent"`
	Count        int64          `json:"count"`
	Cost         decimal.Amount `json:"cost"`
	AgentTickets int64          `json:"agent_tickets"`
	TicketsSold  int64          `json:"tickets_sold"`
	PrizePool    decimal.Amount `json:"prize_pool"`
}

// BuyTickets adds count tickets for the agent to an open round.
func (e *Engine) BuyTickets(ctx context.Context, roundID int64, agent string, count int64) (*Purchase, error) {
	if count <= 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidCount, "ticket count must be positive, got %d", count)
	}
	canonical, err := address.Canonicalize(agent)
	if err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidAddress, "agent: %v", err)
	}

	roundKey := e.store.RoundKey(roundID)
	var (
		sold    *redis.IntCmd
		tickets *redis.IntCmd
		round   *Round
	)
	err = e.store.Watch(ctx, func(ctx context.Context, tx *redis.Tx) error {
		r, err := e.load(ctx, tx, roundID)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		if r.Status != StatusOpen || !now.Before(r.EndsAt) {
			return apperrors.Conflict(apperrors.CodeRoundClosed, "round %d is closed for ticket sales", roundID)
		}
		round = r
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			sold = pipe.IncrBy(ctx, e.store.RoundSoldKey(roundID), count)
			tickets = pipe.HIncrBy(ctx, e.store.RoundTicketsKey(roundID), canonical, count)
			pipe.ZAddNX(ctx, e.store.RoundEntrantsKey(roundID), redis.Z{Score: float64(store.Time(now)), Member: canonical})
			return nil
		})
		return err
	}, roundKey)
	if err != nil {
		return nil, err
	}

	p := &Purchase{
		RoundID:      roundID,
		Agent:        canonical,
		Count:        count,
		Cost:         round.TicketPrice.MulInt(count),
		AgentTickets: tickets.Val(),
		TicketsSold:  sold.Val(),
		PrizePool:    round.OpeningPool.Add(round.TicketPrice.MulInt(sold.Val())),
	}
	e.sink.Emit(ctx, messaging.EventTypeLotteryTickets, strconv.FormatInt(roundID, 10),
		fmt.Sprintf("%s bought %d tickets", address.Short(canonical), count), p)
	return p, nil
}

// Tickets returns the agent's ticket count in a round.
func (e *Engine) Tickets(ctx context.Context, roundID int64, agent string) (int64, error) {
	canonical, err := address.Canonicalize(agent)
	if err != nil {
		return 0, apperrors.Validation(apperrors.CodeInvalidAddress, "agent: %v", err)
	}
	ctx, cancel := e.store.Context(ctx)
	defer cancel()
	n, err := e.store.Client().HGet(ctx, e.store.RoundTicketsKey(roundID), canonical).Int64()
	if store.IsNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, store.Unavailable(err)
	}
	return n, nil
}
