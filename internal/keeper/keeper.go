// Package keeper runs the periodic housekeeping of a world: drawing lottery
// rounds whose sales closed, finalizing proposals past their deadline and
// retrying operations left in the reconciliation queue.
package keeper

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/governance"
	"github.com/terminal-bench/agentworld/internal/lottery"
	"github.com/terminal-bench/agentworld/internal/reconcile"
)

// Queue is the reconciliation queue. *reconcile.Store implements it.
type Queue interface {
	Pending(ctx context.Context, limit int) ([]reconcile.Entry, error)
	Resolve(ctx context.Context, id string) error
}

// Applied reports whether a reward idempotency key was credited.
// *ledger.Ledger implements it.
type Applied interface {
	IsApplied(ctx context.Context, idemKey string) (bool, error)
}

// Agents reports registrations. *registry.Registry implements it.
type Agents interface {
	Exists(ctx context.Context, addr string) (bool, error)
}

// Deps are what the keeper drives.
type Deps struct {
	Lottery    *lottery.Engine
	Governance *governance.Engine
	Queue      Queue
	Ledger     Applied
	Agents     Agents
	Logger     *log.Logger
}

// Config bounds a keeper pass.
type Config struct {
	Interval time.Duration
	// SweepLimit caps reconciliation entries examined per pass.
	SweepLimit int
	// ProposalPages caps how many pages of proposals are finalized per pass.
	ProposalPages int
}

// DefaultConfig returns the standard keeper cadence.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, SweepLimit: 100, ProposalPages: 5}
}

// Report summarizes one pass.
type Report struct {
	Drawn     *lottery.Round `json:"drawn,omitempty"`
	Finalized int            `json:"finalized"`
	Resolved  int            `json:"resolved"`
	Remaining int            `json:"remaining"`
}

// Keeper performs housekeeping passes.
type Keeper struct {
	lottery    *lottery.Engine
	governance *governance.Engine
	queue      Queue
	ledger     Applied
	agents     Agents
	cfg        Config
	logger     *log.Logger
	now        func() time.Time
}

// New creates a keeper. A nil Queue disables the reconciliation sweep.
func New(deps Deps, cfg Config) *Keeper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	if cfg.ProposalPages <= 0 {
		cfg.ProposalPages = def.ProposalPages
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	return &Keeper{
		lottery:    deps.Lottery,
		governance: deps.Governance,
		queue:      deps.Queue,
		ledger:     deps.Ledger,
		agents:     deps.Agents,
		cfg:        cfg,
		logger:     deps.Logger,
		now:        time.Now,
	}
}

// Run performs a pass every interval until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		rep, err := k.Tick(ctx)
		if err != nil {
			k.logger.Printf("keeper: pass failed: %v", err)
		} else if rep.Drawn != nil || rep.Finalized > 0 || rep.Resolved > 0 {
			k.logger.Printf("keeper: drawn=%v finalized=%d resolved=%d remaining=%d",
				rep.Drawn != nil, rep.Finalized, rep.Resolved, rep.Remaining)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass. Each step runs even when an earlier one failed; the
// first error is returned.
func (k *Keeper) Tick(ctx context.Context) (Report, error) {
	var (
		rep   Report
		first error
	)
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	drawn, err := k.drawDue(ctx)
	keep(err)
	rep.Drawn = drawn

	rep.Finalized, err = k.finalizeProposals(ctx)
	keep(err)

	rep.Resolved, rep.Remaining, err = k.sweep(ctx)
	keep(err)
	return rep, first
}

// drawDue draws the current round once its sales window has closed, and
// retries draws whose claimant never finished.
func (k *Keeper) drawDue(ctx context.Context) (*lottery.Round, error) {
	round, err := k.lottery.CurrentRound(ctx)
	if apperrors.IsCode(err, apperrors.CodeRoundNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	switch round.Status {
	case lottery.StatusOpen:
		if k.now().Before(round.EndsAt) {
			return nil, nil
		}
	case lottery.StatusDrawing:
		// A claim left by a crashed drawer is taken over once its TTL expires.
	default:
		return nil, nil
	}
	res, err := k.lottery.Draw(ctx, round.ID, "")
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindConflict) {
			return nil, nil
		}
		return nil, err
	}
	if res.Replayed {
		return nil, nil
	}
	if res.Round.Status == lottery.StatusCompleted {
		if paid, err := k.lottery.SettlePayout(ctx, round.ID); err != nil {
			k.logger.Printf("keeper: payout of round %d not settled: %v", round.ID, err)
		} else {
			res.Round = paid
		}
	}
	return res.Round, nil
}

// finalizeProposals pages through proposals; listing finalizes every
// proposal whose voting window has ended. It returns how many were finalized
// by this pass.
func (k *Keeper) finalizeProposals(ctx context.Context) (int, error) {
	const page = 100
	start := k.now().Truncate(time.Millisecond)
	finalized := 0
	for i := 0; i < k.cfg.ProposalPages; i++ {
		ps, err := k.governance.ListProposals(ctx, i*page, page)
		if err != nil {
			return finalized, err
		}
		for _, p := range ps {
			if !p.FinalizedAt.IsZero() && !p.FinalizedAt.Before(start) {
				finalized++
			}
		}
		if len(ps) < page {
			break
		}
	}
	return finalized, nil
}

// sweep retries queued operations whose outcome can be settled without the
// original request and resolves those that turn out to be complete.
func (k *Keeper) sweep(ctx context.Context) (resolved, remaining int, err error) {
	if k.queue == nil {
		return 0, 0, nil
	}
	entries, err := k.queue.Pending(ctx, k.cfg.SweepLimit)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		done, err := k.settle(ctx, e)
		if err != nil {
			k.logger.Printf("keeper: %s %s still pending: %v", e.Operation, e.IdempotencyKey, err)
		}
		if !done {
			remaining++
			continue
		}
		if err := k.queue.Resolve(ctx, e.ID); err != nil {
			return resolved, remaining, err
		}
		resolved++
	}
	return resolved, remaining, nil
}

// settle reports whether the queued operation has completed, re-running it
// when that is idempotent.
func (k *Keeper) settle(ctx context.Context, e reconcile.Entry) (bool, error) {
	switch e.Operation {
	case "lottery_payout", "draw_lottery":
		id, ok := roundOf(e.IdempotencyKey)
		if !ok {
			return false, fmt.Errorf("unrecognized key %q", e.IdempotencyKey)
		}
		if e.Operation == "draw_lottery" {
			// Round 0 names whichever round was current; drawDue covers it.
			if id == 0 {
				return true, nil
			}
			if _, err := k.lottery.Draw(ctx, id, ""); err != nil && !apperrors.IsKind(err, apperrors.KindConflict) {
				return false, err
			}
			return true, nil
		}
		if _, err := k.lottery.SettlePayout(ctx, id); err != nil {
			return false, err
		}
		return true, nil
	case "register":
		if k.agents == nil {
			return false, nil
		}
		return k.agents.Exists(ctx, e.Agent)
	default:
		if k.ledger == nil {
			return false, nil
		}
		return k.ledger.IsApplied(ctx, e.IdempotencyKey)
	}
}

// roundOf parses keys of the form lottery:<round>:<step>.
func roundOf(key string) (int64, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "lottery" {
		return 0, false
	}
	var id int64
	if _, err := fmt.Sscanf(parts[1], "%d", &id); err != nil || id < 0 {
		return 0, false
	}
	return id, true
}
