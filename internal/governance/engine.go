// Package governance runs the proposal lifecycle and weighted voting.
//
// Proposal status is finalized lazily: the first read after the deadline
// computes the outcome from the tallies and persists it with a
// compare-and-swap, so exactly one reader announces the result.
package governance

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/agentworld/internal/address"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 5000
	maxPageSize       = 100
)

// Status is a proposal lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusPassed   Status = "passed"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusExpired  Status = "expired"
)

var allStatuses = []string{
	string(StatusActive), string(StatusPassed), string(StatusRejected),
	string(StatusExecuted), string(StatusExpired),
}

// Proposal is a governance proposal with weighted tallies.
type Proposal struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Proposer     string    `json:"proposer"`
	CreatedAt    time.Time `json:"created_at"`
	EndsAt       time.Time `json:"ends_at"`
	Status       Status    `json:"status"`
	VotesFor     int64     `json:"votes_for"`
	VotesAgainst int64     `json:"votes_against"`
	VoterCount   int64     `json:"voter_count"`
	FinalizedAt  time.Time `json:"finalized_at,omitempty"`
	ExecutedAt   time.Time `json:"executed_at,omitempty"`
}

func (p *Proposal) fields() store.Fields {
	return store.Fields{
		"id":            p.ID,
		"title":         p.Title,
		"description":   p.Description,
		"proposer":      p.Proposer,
		"created_at":    store.Time(p.CreatedAt),
		"ends_at":       store.Time(p.EndsAt),
		"status":        string(p.Status),
		"votes_for":     p.VotesFor,
		"votes_against": p.VotesAgainst,
		"voter_count":   p.VoterCount,
		"finalized_at":  store.Time(p.FinalizedAt),
		"executed_at":   store.Time(p.ExecutedAt),
	}
}

func decodeProposal(rec map[string]string) (*Proposal, error) {
	d := store.NewDecoder("proposal", rec)
	p := &Proposal{
		ID:           d.Required("id"),
		Title:        d.Required("title"),
		Description:  d.String("description"),
		Proposer:     d.Required("proposer"),
		CreatedAt:    d.Time("created_at"),
		EndsAt:       d.Time("ends_at"),
		Status:       Status(d.OneOf("status", allStatuses...)),
		VotesFor:     d.Int64("votes_for"),
		VotesAgainst: d.Int64("votes_against"),
		VoterCount:   d.Int64("voter_count"),
		FinalizedAt:  d.Time("finalized_at"),
		ExecutedAt:   d.Time("executed_at"),
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// Config holds governance parameters.
type Config struct {
	VotingWindow time.Duration
	// ExecutionWindow is how long a passed proposal may wait for execution
	// before it expires. Zero disables expiry.
	ExecutionWindow time.Duration
	BaseWeight      int64
	// MinProposerMultiplier is the lowest tier multiplier allowed to propose.
	MinProposerMultiplier int64
	Tiers                 Tiers
}

// DefaultConfig returns the default governance parameters.
func DefaultConfig() Config {
	return Config{
		VotingWindow:          72 * time.Hour,
		BaseWeight:            100,
		MinProposerMultiplier: 2,
		Tiers:                 DefaultTiers(),
	}
}

// Engine manages proposals and votes.
type Engine struct {
	store    *store.Store
	balances BalanceSource
	cfg      Config
	sink     *messaging.Sink
	logger   *log.Logger
	now      func() time.Time
}

// NewEngine creates a governance engine.
func NewEngine(s *store.Store, balances BalanceSource, cfg Config, sink *messaging.Sink, logger *log.Logger) (*Engine, error) {
	if cfg.VotingWindow <= 0 {
		return nil, fmt.Errorf("voting window must be positive")
	}
	if cfg.BaseWeight <= 0 {
		cfg.BaseWeight = 100
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if err := cfg.Tiers.Validate(); err != nil {
		return nil, fmt.Errorf("governance tiers: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		store:    s,
		balances: balances,
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// TierOf returns the holding tier of an address.
func (e *Engine) TierOf(ctx context.Context, addr string) (Tier, error) {
	bal, err := e.balances.BalanceOf(ctx, addr)
	if err != nil {
		return Tier{}, err
	}
	return e.cfg.Tiers.For(bal), nil
}

// CreateProposal opens a proposal for voting. The proposer must hold at
// least the configured tier.
func (e *Engine) CreateProposal(ctx context.Context, proposer, title, description string) (*Proposal, error) {
	canonical, err := address.Canonicalize(proposer)
	if err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidAddress, "proposer: %v", err)
	}
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	if n := utf8.RuneCountInString(title); n == 0 || n > maxTitleLen {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "title must be 1-%d characters", maxTitleLen)
	}
	if utf8.RuneCountInString(description) > maxDescriptionLen {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "description must be at most %d characters", maxDescriptionLen)
	}

	tier, err := e.TierOf(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if tier.Multiplier < e.cfg.MinProposerMultiplier {
		return nil, apperrors.Validation(apperrors.CodeInsufficientStake,
			"tier %s (multiplier %d) is below the minimum proposer multiplier %d",
			tier.Name, tier.Multiplier, e.cfg.MinProposerMultiplier)
	}

	now := e.now().UTC()
	p := &Proposal{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Proposer:    canonical,
		CreatedAt:   now,
		EndsAt:      now.Add(e.cfg.VotingWindow),
		Status:      StatusActive,
	}

	opCtx, cancel := e.store.Context(ctx)
	defer cancel()
	_, err = e.store.Client().TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.HSet(opCtx, e.store.ProposalKey(p.ID), map[string]interface{}(p.fields()))
		pipe.ZAdd(opCtx, e.store.ProposalsKey(), redis.Z{Score: float64(store.Time(now)), Member: p.ID})
		return nil
	})
	if err != nil {
		return nil, store.Unavailable(err)
	}

	e.sink.Emit(ctx, messaging.EventTypeProposalCreated, p.ID,
		fmt.Sprintf("%s proposed %q", address.Short(canonical), p.Title), p)
	return p, nil
}

// hashReader is satisfied by both the client and a watched transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (e *Engine) load(ctx context.Context, c hashReader, id string) (*Proposal, error) {
	rec, err := c.HGetAll(ctx, e.store.ProposalKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(rec) == 0 {
		return nil, apperrors.NotFound(apperrors.CodeProposalNotFound, "proposal %s not found", id)
	}
	return decodeProposal(rec)
}

// settle returns the status p should have at now.
func (e *Engine) settle(p *Proposal, now time.Time) Status {
	status := p.Status
	if status == StatusActive && now.After(p.EndsAt) {
		if p.VotesFor > p.VotesAgainst {
			status = StatusPassed
		} else {
			status = StatusRejected
		}
	}
	if status == StatusPassed && e.cfg.ExecutionWindow > 0 && now.After(p.EndsAt.Add(e.cfg.ExecutionWindow)) {
		status = StatusExpired
	}
	return status
}

// GetProposal returns a proposal, finalizing its status if the deadline has
// passed.
func (e *Engine) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	opCtx, cancel := e.store.Context(ctx)
	p, err := e.load(opCtx, e.store.Client(), id)
	cancel()
	if err != nil {
		return nil, store.Unavailable(err)
	}
	if e.settle(p, e.now()) == p.Status {
		return p, nil
	}
	return e.finalize(ctx, id)
}

// finalize persists the settled status with a compare-and-swap. Only the
// caller whose transaction commits emits the event.
func (e *Engine) finalize(ctx context.Context, id string) (*Proposal, error) {
	key := e.store.ProposalKey(id)
	var (
		result    *Proposal
		committed bool
		from      Status
	)
	err := e.store.Watch(ctx, func(ctx context.Context, tx *redis.Tx) error {
		committed = false
		p, err := e.load(ctx, tx, id)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		next := e.settle(p, now)
		result = p
		if next == p.Status {
			return nil
		}
		from = p.Status
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(next), "finalized_at", store.Time(now))
			return nil
		})
		if err != nil {
			return err
		}
		p.Status = next
		p.FinalizedAt = now
		committed = true
		return nil
	}, key)
	if err != nil {
		return nil, err
	}

	if committed {
		e.logger.Printf("governance: proposal %s %s -> %s (for=%d against=%d)",
			id, from, result.Status, result.VotesFor, result.VotesAgainst)
		e.sink.Emit(ctx, messaging.EventTypeProposalFinalized, id,
			fmt.Sprintf("proposal %q %s", result.Title, result.Status), result)
	}
	return result, nil
}

// MarkExecuted moves a passed proposal to executed.
func (e *Engine) MarkExecuted(ctx context.Context, id string) (*Proposal, error) {
	if _, err := e.GetProposal(ctx, id); err != nil {
		return nil, err
	}
	key := e.store.ProposalKey(id)
	var result *Proposal
	err := e.store.Watch(ctx, func(ctx context.Context, tx *redis.Tx) error {
		p, err := e.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status != StatusPassed {
			return apperrors.Validation(apperrors.CodeInvalidTransition, "proposal %s is %s, only passed proposals can be executed", id, p.Status)
		}
		now := e.now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(StatusExecuted), "executed_at", store.Time(now))
			return nil
		})
		if err != nil {
			return err
		}
		p.Status = StatusExecuted
		p.ExecutedAt = now
		result = p
		return nil
	}, key)
	if err != nil {
		return nil, err
	}

	e.sink.Emit(ctx, messaging.EventTypeProposalExecuted, id,
		fmt.Sprintf("proposal %q executed", result.Title), result)
	return result, nil
}

// ListProposals returns proposals newest first, each finalized if due.
func (e *Engine) ListProposals(ctx context.Context, offset, limit int) ([]*Proposal, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 || limit > maxPageSize {
		limit = maxPageSize
	}
	opCtx, cancel := e.store.Context(ctx)
	ids, err := e.store.Client().ZRevRange(opCtx, e.store.ProposalsKey(), int64(offset), int64(offset+limit-1)).Result()
	cancel()
	if err != nil {
		return nil, store.Unavailable(err)
	}
	out := make([]*Proposal, 0, len(ids))
	for _, id := range ids {
		p, err := e.GetProposal(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
