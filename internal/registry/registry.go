// Package registry tracks the agents known to the world, their activity and
// their reward totals, and serves the leaderboard.
package registry

import (
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/agentworld/internal/address"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/ledger"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/pkg/decimal"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

const (
	maxNameLen        = 64
	maxDescriptionLen = 500
	maxPageSize       = 100
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-f]{1,64}$`)

// Agent is a registered participant.
type Agent struct {
	Address      string         `json:"address"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	EntryTxHash  string         `json:"entry_tx_hash"`
	RegisteredAt time.Time      `json:"registered_at"`
	LastActionAt time.Time      `json:"last_action_at,omitempty"`
	TotalActions int64          `json:"total_actions"`
	TotalRewards decimal.Amount `json:"total_rewards"`
}

// IsActive reports whether the agent acted within window before now. Agents
// that never acted count from their registration.
func (a *Agent) IsActive(now time.Time, window time.Duration) bool {
	last := a.LastActionAt
	if last.IsZero() {
		last = a.RegisteredAt
	}
	return now.Sub(last) <= window
}

func (a *Agent) fields() store.Fields {
	return store.Fields{
		"address":               a.Address,
		"name":                  a.Name,
		"description":           a.Description,
		"entry_tx_hash":         a.EntryTxHash,
		"registered_at":         store.Time(a.RegisteredAt),
		store.FieldLastActionAt: store.Time(a.LastActionAt),
		store.FieldTotalActions: a.TotalActions,
		store.FieldTotalRewards: a.TotalRewards.String(),
	}
}

func decodeAgent(rec map[string]string) (*Agent, error) {
	d := store.NewDecoder("agent", rec)
	a := &Agent{
		Address:      d.Required("address"),
		Name:         d.Required("name"),
		Description:  d.String("description"),
		EntryTxHash:  d.String("entry_tx_hash"),
		RegisteredAt: d.Time("registered_at"),
		LastActionAt: d.Time(store.FieldLastActionAt),
		TotalActions: d.Int64(store.FieldTotalActions),
		TotalRewards: d.Amount(store.FieldTotalRewards),
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return a, nil
}

// LeaderboardEntry is one ranked agent.
type LeaderboardEntry struct {
	Rank         int            `json:"rank"`
	Address      string         `json:"address"`
	Name         string         `json:"name"`
	TotalRewards decimal.Amount `json:"total_rewards"`
}

// RegisterRequest is a world-entry request.
type RegisterRequest struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Description string `json:"description"`
	EntryTxHash string `json:"entry_tx_hash"`
}

// FeeVerifier confirms the one-time entry fee transaction settled.
type FeeVerifier interface {
	VerifyPayment(ctx context.Context, txHash string) error
}

// Crediter is the part of the ledger the registry delegates rewards to.
type Crediter interface {
	Distribute(ctx context.Context, d ledger.Distribution) (ledger.Result, error)
	Record(ctx context.Context, d ledger.Distribution) (ledger.Result, error)
}

// Registry manages agents.
type Registry struct {
	store  *store.Store
	fees   FeeVerifier
	ledger Crediter
	sink   *messaging.Sink
	logger *log.Logger
	now    func() time.Time
}

// NewRegistry creates a registry. A nil fee verifier accepts every entry
// transaction.
func NewRegistry(s *store.Store, fees FeeVerifier, l Crediter, sink *messaging.Sink, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Registry{
		store:  s,
		fees:   fees,
		ledger: l,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

func validateRegistration(req *RegisterRequest) error {
	addr, err := address.Canonicalize(req.Address)
	if err != nil {
		return apperrors.Validation(apperrors.CodeInvalidAddress, "address: %v", err)
	}
	req.Address = addr
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	req.EntryTxHash = strings.ToLower(strings.TrimSpace(req.EntryTxHash))

	if n := utf8.RuneCountInString(req.Name); n == 0 || n > maxNameLen {
		return apperrors.Validation(apperrors.CodeInvalidInput, "name must be 1-%d characters", maxNameLen)
	}
	if utf8.RuneCountInString(req.Description) > maxDescriptionLen {
		return apperrors.Validation(apperrors.CodeInvalidInput, "description must be at most %d characters", maxDescriptionLen)
	}
	if !txHashPattern.MatchString(req.EntryTxHash) {
		return apperrors.Validation(apperrors.CodeInvalidInput, "entry transaction hash must be 0x followed by 1-64 hex digits")
	}
	return nil
}

// Register admits an agent after its entry fee is verified. An address is
// registered at most once and an entry transaction pays for one agent only.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	if err := validateRegistration(&req); err != nil {
		return nil, err
	}

	exists, err := r.exists(ctx, req.Address)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperrors.Conflict(apperrors.CodeAlreadyRegistered, "agent %s is already registered", req.Address)
	}

	if r.fees != nil {
		if err := r.fees.VerifyPayment(ctx, req.EntryTxHash); err != nil {
			if apperrors.IsCode(err, apperrors.CodeTransferFailed) {
				return nil, apperrors.Wrap(apperrors.KindValidation, apperrors.CodeEntryFeeUnverified, "entry fee transaction failed", err)
			}
			return nil, err
		}
	}

	agent := &Agent{
		Address:      req.Address,
		Name:         req.Name,
		Description:  req.Description,
		EntryTxHash:  req.EntryTxHash,
		RegisteredAt: r.now().UTC(),
	}
	agentKey := r.store.AgentKey(agent.Address)
	entryKey := r.store.EntryTxKey(agent.EntryTxHash)

	err = r.store.Watch(ctx, func(ctx context.Context, tx *redis.Tx) error {
		n, err := tx.Exists(ctx, agentKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return apperrors.Conflict(apperrors.CodeAlreadyRegistered, "agent %s is already registered", agent.Address)
		}
		owner, err := tx.Get(ctx, entryKey).Result()
		if err != nil && !store.IsNil(err) {
			return err
		}
		if owner != "" {
			return apperrors.Conflict(apperrors.CodeEntryTxReused, "entry transaction already used by %s", owner)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, agentKey, map[string]interface{}(agent.fields()))
			pipe.SAdd(ctx, r.store.AgentsKey(), agent.Address)
			pipe.ZAddNX(ctx, r.store.LeaderboardKey(), redis.Z{Score: 0, Member: agent.Address})
			pipe.Set(ctx, entryKey, agent.Address, 0)
			return nil
		})
		return err
	}, agentKey, entryKey)
	if err != nil {
		return nil, err
	}

	r.logger.Printf("registry: %s registered as %q", agent.Address, agent.Name)
	r.sink.Emit(ctx, messaging.EventTypeAgentEntered, agent.Address,
		fmt.Sprintf("%s entered the world", agent.Name), agent)
	return agent, nil
}

// Get returns an agent by address, case-insensitively.
func (r *Registry) Get(ctx context.Context, addr string) (*Agent, error) {
	canonical, err := address.Canonicalize(addr)
	if err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidAddress, "address: %v", err)
	}
	opCtx, cancel := r.store.Context(ctx)
	defer cancel()
	rec, err := r.store.Client().HGetAll(opCtx, r.store.AgentKey(canonical)).Result()
	if err != nil {
		return nil, store.Unavailable(err)
	}
	if len(rec) == 0 {
		return nil, apperrors.NotFound(apperrors.CodeAgentNotFound, "agent %s is not registered", canonical)
	}
	return decodeAgent(rec)
}

// Exists reports whether the address is registered.
func (r *Registry) Exists(ctx context.Context, addr string) (bool, error) {
	canonical, err := address.Canonicalize(addr)
	if err != nil {
		return false, apperrors.Validation(apperrors.CodeInvalidAddress, "address: %v", err)
	}
	return r.exists(ctx, canonical)
}

func (r *Registry) exists(ctx context.Context, canonical string) (bool, error) {
	ctx, cancel := r.store.Context(ctx)
	defer cancel()
	n, err := r.store.Client().Exists(ctx, r.store.AgentKey(canonical)).Result()
	if err != nil {
		return false, store.Unavailable(err)
	}
	return n > 0, nil
}

// Count returns the number of registered agents.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	ctx, cancel := r.store.Context(ctx)
	defer cancel()
	n, err := r.store.Client().SCard(ctx, r.store.AgentsKey()).Result()
	if err != nil {
		return 0, store.Unavailable(err)
	}
	return n, nil
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// ListAll returns agents ordered by cumulative reward, highest first.
func (r *Registry) ListAll(ctx context.Context, offset, limit int) ([]*Agent, error) {
	if offset < 0 {
		offset = 0
	}
	limit = clampLimit(limit)

	opCtx, cancel := r.store.Context(ctx)
	defer cancel()
	addrs, err := r.store.Client().ZRevRange(opCtx, r.store.LeaderboardKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, store.Unavailable(err)
	}
	if len(addrs) == 0 {
		return []*Agent{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(addrs))
	_, err = r.store.Client().Pipelined(opCtx, func(pipe redis.Pipeliner) error {
		for i, a := range addrs {
			cmds[i] = pipe.HGetAll(opCtx, r.store.AgentKey(a))
		}
		return nil
	})
	if err != nil {
		return nil, store.Unavailable(err)
	}

	agents := make([]*Agent, 0, len(addrs))
	for i, cmd := range cmds {
		rec := cmd.Val()
		if len(rec) == 0 {
			r.logger.Printf("registry: leaderboard member %s has no agent record", addrs[i])
			continue
		}
		a, err := decodeAgent(rec)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// Leaderboard returns the top agents by cumulative reward. Totals are read
// from the agent records, the sorted set only provides the order.
func (r *Registry) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	agents, err := r.ListAll(ctx, 0, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]LeaderboardEntry, len(agents))
	for i, a := range agents {
		entries[i] = LeaderboardEntry{
			Rank:         i + 1,
			Address:      a.Address,
			Name:         a.Name,
			TotalRewards: a.TotalRewards,
		}
	}
	return entries, nil
}
