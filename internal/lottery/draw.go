package lottery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/agentworld/internal/address"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/pkg/decimal"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

// DrawResult is the outcome of a Draw call. Replayed is set when the round
// had already been drawn and the stored result is returned.
type DrawResult struct {
	Round     *Round `json:"round"`
	NextRound *Round `json:"next_round,omitempty"`
	Replayed  bool   `json:"replayed"`
}

type entrant struct {
	agent   string
	tickets int64
}

// Draw closes a round whose deadline has passed. Rounds with fewer distinct
// participants than MinEntries roll their pool into the next round; others
// pick one winner by ticket weight. Drawing a finished round returns the
// stored result.
func (e *Engine) Draw(ctx context.Context, roundID int64, triggeredBy string) (*DrawResult, error) {
	if triggeredBy != "" {
		canonical, err := address.Canonicalize(triggeredBy)
		if err != nil {
			return nil, apperrors.Validation(apperrors.CodeInvalidAddress, "trigger: %v", err)
		}
		triggeredBy = canonical
	}

	round, replayed, err := e.claim(ctx, roundID, triggeredBy)
	if err != nil {
		return nil, err
	}
	if replayed {
		return &DrawResult{Round: round, Replayed: true}, nil
	}

	result, err := e.complete(ctx, round, triggeredBy)
	if err != nil {
		e.release(ctx, round)
		return nil, err
	}

	subject := strconv.FormatInt(round.ID, 10)
	if result.Round.Status == StatusRolledOver {
		e.sink.Emit(ctx, messaging.EventTypeLotteryRolledOver, subject,
			fmt.Sprintf("lottery round %d rolled over with %s in the pool", round.ID, result.Round.PrizePool), result.Round)
	} else {
		e.sink.Emit(ctx, messaging.EventTypeLotteryDrawn, subject,
			fmt.Sprintf("%s won lottery round %d: %s", address.Short(result.Round.Winner), round.ID, result.Round.WinnerAmount), result.Round)
	}
	e.sink.Emit(ctx, messaging.EventTypeLotteryOpened, strconv.FormatInt(result.NextRound.ID, 10),
		fmt.Sprintf("lottery round %d opened", result.NextRound.ID), result.NextRound)
	return result, nil
}

// claim moves the round from open to drawing. A claim older than
// DrawClaimTTL is treated as abandoned and taken over.
func (e *Engine) claim(ctx context.Context, roundID int64, triggeredBy string) (*Round, bool, error) {
	key := e.store.RoundKey(roundID)
	var (
		round    *Round
		replayed bool
	)
	err := e.store.Watch(ctx, func(ctx context.Context, tx *redis.Tx) error {
		replayed = false
		r, err := e.load(ctx, tx, roundID)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		switch r.Status {
		case StatusCompleted, StatusRolledOver:
			round, replayed = r, true
			return nil
		case StatusDrawing:
			if now.Sub(r.claimedAt) < e.cfg.DrawClaimTTL {
				return apperrors.Conflict(apperrors.CodeAlreadyDrawn, "round %d is being drawn", roundID)
			}
			e.logger.Printf("lottery: taking over abandoned draw of round %d claimed at %s", roundID, r.claimedAt.Format(time.RFC3339))
		case StatusOpen:
			if now.Before(r.EndsAt) {
				return apperrors.Conflict(apperrors.CodeRoundStillOpen, "round %d is open until %s", roundID, r.EndsAt.Format(time.RFC3339))
			}
		}

		token := uuid.New().String()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"status", string(StatusDrawing),
				"claim_token", token,
				"claimed_at", store.Time(now),
				"triggered_by", triggeredBy,
			)
			return nil
		})
		if err != nil {
			return err
		}
		r.Status = StatusDrawing
		r.claimToken = token
		r.claimedAt = now
		r.TriggeredBy = triggeredBy
		round = r
		return nil
	}, key)
	if err != nil {
		return nil, false, err
	}
	return round, replayed, nil
}

// release hands a failed claim back so the draw can be retried at once.
func (e *Engine) release(ctx context.Context, claimed *Round) {
	ctx = context.WithoutCancel(ctx)
	key := e.store.RoundKey(claimed.ID)
	err := e.store.Watch(ctx, func(ctx context.Context, tx *redis.Tx) error {
		token, err := tx.HGet(ctx, key, "claim_token").Result()
		if err != nil && !store.IsNil(err) {
			return err
		}
		if token != claimed.claimToken {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(StatusOpen), "claim_token", "")
			return nil
		})
		return err
	}, key)
	if err != nil {
		e.logger.Printf("lottery: draw claim on round %d not released: %v", claimed.ID, err)
	}
}

func (e *Engine) entrants(ctx context.Context, roundID int64) ([]entrant, error) {
	ctx, cancel := e.store.Context(ctx)
	defer cancel()
	order, err := e.store.Client().ZRange(ctx, e.store.RoundEntrantsKey(roundID), 0, -1).Result()
	if err != nil {
		return nil, store.Unavailable(err)
	}
	counts, err := e.store.Client().HGetAll(ctx, e.store.RoundTicketsKey(roundID)).Result()
	if err != nil {
		return nil, store.Unavailable(err)
	}
	out := make([]entrant, 0, len(order))
	for _, agent := range order {
		n, err := strconv.ParseInt(counts[agent], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode tickets of %s: %w", agent, err)
		}
		out = append(out, entrant{agent: agent, tickets: n})
	}
	return out, nil
}

// pickWinner maps a ticket index onto cumulative ranges in entrant order.
func pickWinner(entrants []entrant, index int64) (string, error) {
	var upper int64
	for _, en := range entrants {
		upper += en.tickets
		if index < upper {
			return en.agent, nil
		}
	}
	return "", fmt.Errorf("ticket index %d outside %d tickets", index, upper)
}

func (e *Engine) random(ctx context.Context, min, max int64) (int64, error) {
	if min == max {
		return min, nil
	}
	n, err := e.rnd.RandomInRange(ctx, min, max)
	if err != nil {
		return 0, apperrors.Unavailable(apperrors.CodeOracleUnavailable, "randomness source failed", err)
	}
	if n < min || n > max {
		return 0, apperrors.Unavailable(apperrors.CodeOracleUnavailable,
			fmt.Sprintf("randomness source returned %d outside [%d, %d]", n, min, max), nil)
	}
	return n, nil
}

// complete computes the result of a claimed round and persists it together
// with the next round.
func (e *Engine) complete(ctx context.Context, round *Round, triggeredBy string) (*DrawResult, error) {
	entrants, err := e.entrants(ctx, round.ID)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, en := range entrants {
		total += en.tickets
	}
	if total != round.TicketsSold {
		e.logger.Printf("lottery: round %d ticket counts sum to %d but %d were sold", round.ID, total, round.TicketsSold)
		return nil, apperrors.New(apperrors.KindInternal, apperrors.CodeUnknown,
			fmt.Sprintf("round %d ticket ledger is inconsistent", round.ID))
	}

	pool := round.PrizePool
	final := map[string]interface{}{
		"claim_token": "",
		"drawn_at":    store.Time(e.now()),
		"final_pool":  pool.String(),
	}
	nextOpening := decimal.Zero

	if int64(len(entrants)) < e.cfg.MinEntries {
		round.Status = StatusRolledOver
		nextOpening = pool
	} else {
		index, err := e.random(ctx, 0, total-1)
		if err != nil {
			return nil, err
		}
		winner, err := pickWinner(entrants, index)
		if err != nil {
			return nil, err
		}
		winnerBonus, err := e.random(ctx, e.cfg.WinnerBonus.Low, e.cfg.WinnerBonus.High)
		if err != nil {
			return nil, err
		}
		var triggerBonus int64
		if triggeredBy != "" {
			if triggerBonus, err = e.random(ctx, e.cfg.TriggerBonus.Low, e.cfg.TriggerBonus.High); err != nil {
				return nil, err
			}
		}

		round.Status = StatusCompleted
		round.Winner = winner
		round.WinningIndex = index
		round.WinnerAmount = pool.Percent(e.cfg.PayoutPercent)
		round.WinnerBonus = winnerBonus
		round.TriggerBonus = triggerBonus
		final["winner"] = winner
		final["winning_index"] = index
		final["winner_amount"] = round.WinnerAmount.String()
		final["winner_bonus"] = winnerBonus
		final["trigger_bonus"] = triggerBonus
	}
	final["status"] = string(round.Status)

	key := e.store.RoundKey(round.ID)
	var next *Round
	err = e.store.Watch(ctx, func(ctx context.Context, tx *redis.Tx) error {
		token, err := tx.HGet(ctx, key, "claim_token").Result()
		if err != nil && !store.IsNil(err) {
			return err
		}
		if token != round.claimToken {
			return apperrors.Conflict(apperrors.CodeAlreadyDrawn, "draw claim on round %d was taken over", round.ID)
		}
		id, err := tx.Incr(ctx, e.store.RoundSeqKey()).Result()
		if err != nil {
			return err
		}
		next = e.newRound(id, nextOpening, e.now().UTC())
		final["next_round_id"] = id

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, final)
			pipe.HSet(ctx, e.store.RoundKey(id), map[string]interface{}(next.openFields()))
			pipe.Set(ctx, e.store.CurrentRoundKey(), id, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, store.ErrTxConflict) {
			return nil, apperrors.Conflict(apperrors.CodeAlreadyDrawn, "round %d draw contended", round.ID)
		}
		return nil, err
	}

	round.NextRoundID = next.ID
	round.DrawnAt = time.UnixMilli(final["drawn_at"].(int64)).UTC()
	round.claimToken = ""
	return &DrawResult{Round: round, NextRound: next}, nil
}
