package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/agentworld/internal/address"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/ledger"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/pkg/decimal"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

// Reward attaches a credit to a logged action.
type Reward struct {
	Amount         decimal.Amount
	IdempotencyKey string
	TxRef          string
	// Transfer moves the reward on chain before crediting it.
	Transfer bool
}

// ActionRecord describes one action to log.
type ActionRecord struct {
	Kind   string
	Reward *Reward
}

// ActionResult reports a logged action.
type ActionResult struct {
	Agent        string         `json:"agent"`
	Kind         string         `json:"kind"`
	TotalActions int64          `json:"total_actions"`
	Reward       *ledger.Result `json:"reward,omitempty"`
	// Replayed is set when the reward was already applied; the action is
	// then not counted again.
	Replayed bool `json:"replayed"`
}

// RecordAction counts an action for the agent. A reward is credited through
// the ledger first; a replayed reward leaves the counters untouched.
func (r *Registry) RecordAction(ctx context.Context, addr string, act ActionRecord) (*ActionResult, error) {
	canonical, err := address.Canonicalize(addr)
	if err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidAddress, "address: %v", err)
	}
	act.Kind = strings.TrimSpace(act.Kind)
	if act.Kind == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "action kind is required")
	}
	exists, err := r.exists(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperrors.NotFound(apperrors.CodeAgentNotFound, "agent %s is not registered", canonical)
	}

	result := &ActionResult{Agent: canonical, Kind: act.Kind}
	if act.Reward != nil {
		if r.ledger == nil {
			return nil, apperrors.New(apperrors.KindInternal, apperrors.CodeUnknown, "no ledger configured for rewards")
		}
		d := ledger.Distribution{
			Agent:          canonical,
			Kind:           act.Kind,
			Amount:         act.Reward.Amount,
			IdempotencyKey: act.Reward.IdempotencyKey,
			TxRef:          act.Reward.TxRef,
		}
		var res ledger.Result
		if act.Reward.Transfer {
			res, err = r.ledger.Distribute(ctx, d)
		} else {
			res, err = r.ledger.Record(ctx, d)
		}
		if err != nil {
			return nil, err
		}
		result.Reward = &res
		if !res.Applied {
			result.Replayed = true
			return result, nil
		}
	}

	opCtx, cancel := r.store.Context(ctx)
	defer cancel()
	agentKey := r.store.AgentKey(canonical)
	var incr *redis.IntCmd
	_, err = r.store.Client().TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(opCtx, agentKey, store.FieldTotalActions, 1)
		pipe.HSet(opCtx, agentKey, store.FieldLastActionAt, store.Time(r.now()))
		return nil
	})
	if err != nil {
		return nil, store.Unavailable(err)
	}
	result.TotalActions = incr.Val()

	r.sink.Emit(ctx, messaging.EventTypeAgentAction, canonical,
		fmt.Sprintf("%s performed %s", address.Short(canonical), act.Kind), result)
	return result, nil
}
