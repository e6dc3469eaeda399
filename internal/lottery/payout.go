package lottery

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/agentworld/internal/address"
	"github.com/terminal-bench/agentworld/internal/chain"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/ledger"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/pkg/decimal"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

// Payer sends prize transfers. *chain.Client implements it.
type Payer interface {
	Transfer(ctx context.Context, to string, amount decimal.Amount, ref string) (string, error)
	Confirm(ctx context.Context, txHash string) (chain.Receipt, error)
}

// Crediter records settled prizes in the reward ledger.
type Crediter interface {
	Record(ctx context.Context, d ledger.Distribution) (ledger.Result, error)
}

// SetSettlement enables SettlePayout.
func (e *Engine) SetSettlement(p Payer, c Crediter) {
	e.payer = p
	e.credits = c
}

// RecordPayout attaches the settlement transaction of a completed round.
// Recording the same reference again is a no-op; a different one conflicts.
// The draw result is never changed.
func (e *Engine) RecordPayout(ctx context.Context, roundID int64, txRef string) (*Round, error) {
	if txRef == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "payout transaction reference is required")
	}
	key := e.store.RoundKey(roundID)
	var (
		round    *Round
		recorded bool
	)
	err := e.store.Watch(ctx, func(ctx context.Context, tx *redis.Tx) error {
		recorded = false
		r, err := e.load(ctx, tx, roundID)
		if err != nil {
			return err
		}
		round = r
		if r.Status != StatusCompleted {
			return apperrors.Validation(apperrors.CodeInvalidTransition, "round %d is %s, only completed rounds are paid out", roundID, r.Status)
		}
		if r.PayoutTxRef == txRef {
			return nil
		}
		if r.PayoutTxRef != "" {
			return apperrors.Conflict(apperrors.CodePayoutMismatch, "round %d was already paid by %s", roundID, r.PayoutTxRef)
		}
		now := e.now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "payout_tx_ref", txRef, "paid_at", store.Time(now))
			return nil
		})
		if err != nil {
			return err
		}
		r.PayoutTxRef = txRef
		r.PaidAt = now
		recorded = true
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	if recorded {
		e.sink.Emit(ctx, messaging.EventTypeLotteryPaid, strconv.FormatInt(roundID, 10),
			fmt.Sprintf("lottery round %d paid %s to %s", roundID, round.WinnerAmount, address.Short(round.Winner)), round)
	}
	return round, nil
}

// SettlePayout pays the winner of a completed round, credits the prize and
// bonuses in the ledger and records the settlement. A failed or unconfirmed
// transfer leaves the round completed and unpaid and is safe to retry: the
// transfer reference is deterministic per round.
func (e *Engine) SettlePayout(ctx context.Context, roundID int64) (*Round, error) {
	if e.payer == nil || e.credits == nil {
		return nil, apperrors.Unavailable(apperrors.CodeChainUnavailable, "lottery settlement is not configured", nil)
	}
	round, err := e.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round.Status != StatusCompleted {
		return nil, apperrors.Validation(apperrors.CodeInvalidTransition, "round %d is %s, only completed rounds are paid out", roundID, round.Status)
	}
	if round.PayoutTxRef != "" {
		return round, nil
	}

	ref := fmt.Sprintf("lottery:%d:payout", roundID)
	txHash, err := e.payer.Transfer(ctx, round.Winner, round.WinnerAmount, ref)
	if err != nil {
		e.logger.Printf("lottery: payout of round %d to %s not sent: %v", roundID, round.Winner, err)
		return nil, err
	}
	if _, err := e.payer.Confirm(ctx, txHash); err != nil {
		e.logger.Printf("lottery: payout %s of round %d not confirmed: %v", txHash, roundID, err)
		return nil, err
	}

	credits := []ledger.Distribution{{
		Agent:          round.Winner,
		Kind:           "lottery_win",
		Amount:         round.WinnerAmount,
		IdempotencyKey: fmt.Sprintf("lottery:%d:win", roundID),
		TxRef:          txHash,
	}}
	if round.WinnerBonus > 0 {
		credits = append(credits, ledger.Distribution{
			Agent:          round.Winner,
			Kind:           "lottery_bonus",
			Amount:         decimal.FromInt(round.WinnerBonus),
			IdempotencyKey: fmt.Sprintf("lottery:%d:bonus", roundID),
		})
	}
	if round.TriggerBonus > 0 && round.TriggeredBy != "" {
		credits = append(credits, ledger.Distribution{
			Agent:          round.TriggeredBy,
			Kind:           "lottery_trigger",
			Amount:         decimal.FromInt(round.TriggerBonus),
			IdempotencyKey: fmt.Sprintf("lottery:%d:trigger", roundID),
		})
	}
	for _, d := range credits {
		if _, err := e.credits.Record(ctx, d); err != nil {
			if apperrors.IsKind(err, apperrors.KindNotFound) {
				e.logger.Printf("lottery: %s credit skipped for unregistered %s", d.Kind, d.Agent)
				continue
			}
			return nil, err
		}
	}

	return e.RecordPayout(ctx, roundID, txHash)
}
