// Package ledger records reward distributions per agent. Every credit is
// guarded by an "already applied" marker written in the same transaction, so
// a distribution is applied at most once per idempotency key.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/agentworld/internal/address"
	"github.com/terminal-bench/agentworld/internal/chain"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/pkg/decimal"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

// pendingSubmitting marks a claimed distribution whose transfer has not
// returned a hash yet.
const pendingSubmitting = "submitting"

// RewardEvent is the immutable record of one applied distribution.
type RewardEvent struct {
	ID             string         `json:"id"`
	Agent          string         `json:"agent"`
	Kind           string         `json:"kind"`
	Amount         decimal.Amount `json:"amount"`
	IdempotencyKey string         `json:"idempotency_key"`
	TxRef          string         `json:"tx_ref,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Distribution is a request to credit an agent.
type Distribution struct {
	Agent          string
	Kind           string
	Amount         decimal.Amount
	IdempotencyKey string
	// TxRef is the settlement reference for credits confirmed elsewhere.
	TxRef string
}

// Result reports the outcome of a distribution. Applied is false for a
// replay of an idempotency key that was already credited.
type Result struct {
	Applied bool           `json:"applied"`
	Event   *RewardEvent   `json:"event,omitempty"`
	Total   decimal.Amount `json:"total"`
	TxHash  string         `json:"tx_hash,omitempty"`
}

// Transferer moves value on chain. *chain.Client implements it.
type Transferer interface {
	Transfer(ctx context.Context, to string, amount decimal.Amount, ref string) (string, error)
	Confirm(ctx context.Context, txHash string) (chain.Receipt, error)
}

// Config holds ledger tuning.
type Config struct {
	// IdempotencyWindow is how long applied markers are kept.
	IdempotencyWindow time.Duration
	// PendingTTL bounds how long an in-flight transfer claim is held.
	PendingTTL time.Duration
	// HistoryLimit caps the per-agent event list.
	HistoryLimit int64
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig() Config {
	return Config{
		IdempotencyWindow: 30 * 24 * time.Hour,
		PendingTTL:        24 * time.Hour,
		HistoryLimit:      1000,
	}
}

// Ledger credits rewards.
type Ledger struct {
	store  *store.Store
	chain  Transferer
	sink   *messaging.Sink
	logger *log.Logger
	cfg    Config
	now    func() time.Time
}

// NewLedger creates a ledger. tr may be nil when only Record is used.
func NewLedger(s *store.Store, tr Transferer, sink *messaging.Sink, logger *log.Logger, cfg Config) *Ledger {
	def := DefaultConfig()
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = def.IdempotencyWindow
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = def.PendingTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Ledger{
		store:  s,
		chain:  tr,
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (l *Ledger) validate(d *Distribution) error {
	addr, err := address.Canonicalize(d.Agent)
	if err != nil {
		return apperrors.Validation(apperrors.CodeInvalidAddress, "agent: %v", err)
	}
	d.Agent = addr
	d.Kind = strings.TrimSpace(d.Kind)
	d.IdempotencyKey = strings.TrimSpace(d.IdempotencyKey)
	if d.Kind == "" {
		return apperrors.Validation(apperrors.CodeInvalidInput, "action kind is required")
	}
	if d.IdempotencyKey == "" {
		return apperrors.Validation(apperrors.CodeInvalidInput, "idempotency key is required")
	}
	if !d.Amount.IsPositive() {
		return apperrors.Validation(apperrors.CodeInvalidAmount, "amount must be positive, got %s", d.Amount)
	}
	return nil
}

// Distribute transfers the amount on chain and credits the agent strictly
// after a successful receipt. A receipt that does not arrive in time is
// reported as unconfirmed and the pending claim is kept, so a retry checks the
// recorded transaction instead of submitting a new one.
func (l *Ledger) Distribute(ctx context.Context, d Distribution) (Result, error) {
	if err := l.validate(&d); err != nil {
		return Result{}, err
	}
	if l.chain == nil {
		return Result{}, apperrors.Unavailable(apperrors.CodeChainUnavailable, "no chain client configured", nil)
	}

	applied, err := l.isApplied(ctx, d.IdempotencyKey)
	if err != nil {
		return Result{}, err
	}
	if applied {
		return l.replay(ctx, d)
	}
	if err := l.requireAgent(ctx, d.Agent); err != nil {
		return Result{}, err
	}

	pendingKey := l.store.PendingKey(d.IdempotencyKey)
	opCtx, cancel := l.store.Context(ctx)
	claimed, err := l.store.Client().SetNX(opCtx, pendingKey, pendingSubmitting, l.cfg.PendingTTL).Result()
	cancel()
	if err != nil {
		return Result{}, store.Unavailable(err)
	}

	if !claimed {
		return l.resume(ctx, d)
	}

	txHash, err := l.chain.Transfer(ctx, d.Agent, d.Amount, d.IdempotencyKey)
	if err != nil {
		if !apperrors.IsKind(err, apperrors.KindUnconfirmed) {
			l.clearPending(ctx, d.IdempotencyKey)
		}
		return Result{}, err
	}

	opCtx, cancel = l.store.Context(ctx)
	err = l.store.Client().Set(opCtx, pendingKey, txHash, l.cfg.PendingTTL).Err()
	cancel()
	if err != nil {
		// The transfer is out but unrecorded; only reconciliation can tell.
		l.logger.Printf("ledger: pending tx %s for %s not recorded: %v", txHash, d.IdempotencyKey, err)
		return Result{}, apperrors.Unconfirmed(apperrors.CodeUnconfirmedTransfer, "transfer sent but not recorded", err).
			WithMeta("tx", txHash)
	}

	return l.confirmAndCredit(ctx, d, txHash)
}

// resume continues a distribution whose pending claim is held by an earlier
// attempt.
func (l *Ledger) resume(ctx context.Context, d Distribution) (Result, error) {
	opCtx, cancel := l.store.Context(ctx)
	pending, err := l.store.Client().Get(opCtx, l.store.PendingKey(d.IdempotencyKey)).Result()
	cancel()
	switch {
	case store.IsNil(err):
		// The claim was released between our SETNX and GET.
		return Result{}, apperrors.Conflict(apperrors.CodeConcurrentUpdate, "distribution %s changed concurrently, retry", d.IdempotencyKey)
	case err != nil:
		return Result{}, store.Unavailable(err)
	case pending == pendingSubmitting:
		return Result{}, apperrors.Unconfirmed(apperrors.CodeTransferInFlight, "transfer submission in flight", nil).
			WithMeta("idempotency_key", d.IdempotencyKey)
	}
	return l.confirmAndCredit(ctx, d, pending)
}

func (l *Ledger) confirmAndCredit(ctx context.Context, d Distribution, txHash string) (Result, error) {
	if _, err := l.chain.Confirm(ctx, txHash); err != nil {
		if apperrors.IsCode(err, apperrors.CodeTransferFailed) {
			l.clearPending(ctx, d.IdempotencyKey)
			l.logger.Printf("ledger: transfer %s for %s reverted, nothing credited", txHash, d.IdempotencyKey)
		}
		return Result{}, err
	}

	d.TxRef = txHash
	res, err := l.credit(ctx, d)
	if err != nil {
		return Result{}, err
	}
	l.clearPending(ctx, d.IdempotencyKey)
	res.TxHash = txHash
	return res, nil
}

// Record credits an agent for an effect that is already settled, such as an
// off-chain reward or a payout confirmed by another component.
func (l *Ledger) Record(ctx context.Context, d Distribution) (Result, error) {
	if err := l.validate(&d); err != nil {
		return Result{}, err
	}
	return l.credit(ctx, d)
}

// credit applies the distribution under the applied marker.
func (l *Ledger) credit(ctx context.Context, d Distribution) (Result, error) {
	appliedKey := l.store.AppliedKey(d.IdempotencyKey)
	agentKey := l.store.AgentKey(d.Agent)

	ev := &RewardEvent{
		ID:             uuid.New().String(),
		Agent:          d.Agent,
		Kind:           d.Kind,
		Amount:         d.Amount,
		IdempotencyKey: d.IdempotencyKey,
		TxRef:          d.TxRef,
		Timestamp:      l.now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return Result{}, fmt.Errorf("encode reward event: %w", err)
	}

	var res Result
	err = l.store.Watch(ctx, func(ctx context.Context, tx *redis.Tx) error {
		res = Result{}
		n, err := tx.Exists(ctx, appliedKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		rec, err := tx.HMGet(ctx, agentKey, "address", store.FieldTotalRewards).Result()
		if err != nil {
			return err
		}
		if rec[0] == nil {
			return apperrors.NotFound(apperrors.CodeAgentNotFound, "agent %s is not registered", d.Agent)
		}
		current := decimal.Zero
		if s, ok := rec[1].(string); ok {
			if current, err = decimal.ParseOrZero(s); err != nil {
				return fmt.Errorf("decode agent.%s: %w", store.FieldTotalRewards, err)
			}
		}
		total := current.Add(d.Amount)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, appliedKey, ev.ID, l.cfg.IdempotencyWindow)
			pipe.HSet(ctx, agentKey, store.FieldTotalRewards, total.String())
			pipe.ZAdd(ctx, l.store.LeaderboardKey(), redis.Z{Score: total.Float64(), Member: d.Agent})
			pipe.LPush(ctx, l.store.AgentRewardsKey(d.Agent), payload)
			pipe.LTrim(ctx, l.store.AgentRewardsKey(d.Agent), 0, l.cfg.HistoryLimit-1)
			pipe.RPush(ctx, l.store.LedgerEventsKey(), payload)
			return nil
		})
		if err != nil {
			return err
		}
		res = Result{Applied: true, Event: ev, Total: total}
		return nil
	}, appliedKey, agentKey)
	if err != nil {
		return Result{}, err
	}

	if !res.Applied {
		return l.replay(ctx, d)
	}
	l.sink.Emit(ctx, messaging.EventTypeRewardCredited, d.Agent,
		fmt.Sprintf("%s earned %s for %s", address.Short(d.Agent), d.Amount, d.Kind), ev)
	return res, nil
}

// replay answers a repeated distribution with the agent's current total.
func (l *Ledger) replay(ctx context.Context, d Distribution) (Result, error) {
	total, err := l.Total(ctx, d.Agent)
	if err != nil && !apperrors.IsKind(err, apperrors.KindNotFound) {
		return Result{}, err
	}
	return Result{Applied: false, Total: total}, nil
}

// Total returns the agent's cumulative reward total.
func (l *Ledger) Total(ctx context.Context, agent string) (decimal.Amount, error) {
	ctx, cancel := l.store.Context(ctx)
	defer cancel()
	rec, err := l.store.Client().HMGet(ctx, l.store.AgentKey(agent), "address", store.FieldTotalRewards).Result()
	if err != nil {
		return decimal.Zero, store.Unavailable(err)
	}
	if rec[0] == nil {
		return decimal.Zero, apperrors.NotFound(apperrors.CodeAgentNotFound, "agent %s is not registered", agent)
	}
	s, _ := rec[1].(string)
	return decimal.ParseOrZero(s)
}

// IsApplied reports whether a distribution with the key was credited.
func (l *Ledger) IsApplied(ctx context.Context, idemKey string) (bool, error) {
	return l.isApplied(ctx, idemKey)
}

func (l *Ledger) isApplied(ctx context.Context, idemKey string) (bool, error) {
	ctx, cancel := l.store.Context(ctx)
	defer cancel()
	n, err := l.store.Client().Exists(ctx, l.store.AppliedKey(idemKey)).Result()
	if err != nil {
		return false, store.Unavailable(err)
	}
	return n > 0, nil
}

func (l *Ledger) requireAgent(ctx context.Context, agent string) error {
	ctx, cancel := l.store.Context(ctx)
	defer cancel()
	n, err := l.store.Client().Exists(ctx, l.store.AgentKey(agent)).Result()
	if err != nil {
		return store.Unavailable(err)
	}
	if n == 0 {
		return apperrors.NotFound(apperrors.CodeAgentNotFound, "agent %s is not registered", agent)
	}
	return nil
}

func (l *Ledger) clearPending(ctx context.Context, idemKey string) {
	ctx, cancel := l.store.Context(context.WithoutCancel(ctx))
	defer cancel()
	if err := l.store.Client().Del(ctx, l.store.PendingKey(idemKey)).Err(); err != nil {
		l.logger.Printf("ledger: pending marker %s not cleared: %v", idemKey, err)
	}
}

// History returns the agent's most recent reward events, newest first.
func (l *Ledger) History(ctx context.Context, agent string, limit int64) ([]RewardEvent, error) {
	addr, err := address.Canonicalize(agent)
	if err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidAddress, "agent: %v", err)
	}
	if limit <= 0 || limit > l.cfg.HistoryLimit {
		limit = l.cfg.HistoryLimit
	}
	ctx, cancel := l.store.Context(ctx)
	defer cancel()
	raw, err := l.store.Client().LRange(ctx, l.store.AgentRewardsKey(addr), 0, limit-1).Result()
	if err != nil {
		return nil, store.Unavailable(err)
	}
	events := make([]RewardEvent, 0, len(raw))
	for _, r := range raw {
		var ev RewardEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("decode reward event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}
