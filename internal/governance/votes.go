package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/agentworld/internal/address"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

// Vote is a cast vote. Its weight is fixed when cast.
type Vote struct {
	ProposalID string    `json:"proposal_id"`
	Voter      string    `json:"voter"`
	Support    bool      `json:"support"`
	Weight     int64     `json:"weight"`
	Tier       string    `json:"tier"`
	CastAt     time.Time `json:"cast_at"`
}

func (e *Engine) votingOpen(p *Proposal, now time.Time) error {
	if p.Status != StatusActive || now.After(p.EndsAt) {
		return apperrors.Conflict(apperrors.CodeVotingClosed, "voting on proposal %s closed at %s", p.ID, p.EndsAt.Format(time.RFC3339))
	}
	return nil
}

// CastVote records the voter's single vote on a proposal. The weight comes
// from the voter's current holding tier and never changes afterwards.
func (e *Engine) CastVote(ctx context.Context, proposalID, voter string, support bool) (*Vote, error) {
	canonical, err := address.Canonicalize(voter)
	if err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidAddress, "voter: %v", err)
	}
	proposalKey := e.store.ProposalKey(proposalID)
	voteKey := e.store.VoteKey(proposalID, canonical)

	opCtx, cancel := e.store.Context(ctx)
	p, err := e.load(opCtx, e.store.Client(), proposalID)
	if err == nil {
		var n int64
		if n, err = e.store.Client().Exists(opCtx, voteKey).Result(); err == nil && n > 0 {
			err = apperrors.Conflict(apperrors.CodeAlreadyVoted, "%s already voted on proposal %s", canonical, proposalID)
		}
	}
	cancel()
	if err != nil {
		return nil, store.Unavailable(err)
	}
	if err := e.votingOpen(p, e.now()); err != nil {
		return nil, err
	}

	tier, err := e.TierOf(ctx, canonical)
	if err != nil {
		return nil, err
	}
	vote := &Vote{
		ProposalID: proposalID,
		Voter:      canonical,
		Support:    support,
		Weight:     tier.Multiplier * e.cfg.BaseWeight,
		Tier:       tier.Name,
	}
	tally := "votes_against"
	if support {
		tally = "votes_for"
	}

	// Watching the proposal hash makes a vote and a concurrent finalization
	// mutually exclusive.
	err = e.store.Watch(ctx, func(ctx context.Context, tx *redis.Tx) error {
		n, err := tx.Exists(ctx, voteKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return apperrors.Conflict(apperrors.CodeAlreadyVoted, "%s already voted on proposal %s", canonical, proposalID)
		}
		current, err := e.load(ctx, tx, proposalID)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		if err := e.votingOpen(current, now); err != nil {
			return err
		}
		vote.CastAt = now
		payload, err := json.Marshal(vote)
		if err != nil {
			return fmt.Errorf("encode vote: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, voteKey, payload, 0)
			pipe.HIncrBy(ctx, proposalKey, tally, vote.Weight)
			pipe.HIncrBy(ctx, proposalKey, "voter_count", 1)
			pipe.SAdd(ctx, e.store.VotersKey(proposalID), canonical)
			return nil
		})
		return err
	}, voteKey, proposalKey)
	if err != nil {
		return nil, err
	}

	side := "against"
	if support {
		side = "for"
	}
	e.sink.Emit(ctx, messaging.EventTypeProposalVoted, proposalID,
		fmt.Sprintf("%s voted %s with weight %d", address.Short(canonical), side, vote.Weight), vote)
	return vote, nil
}

// GetVote returns a recorded vote.
func (e *Engine) GetVote(ctx context.Context, proposalID, voter string) (*Vote, error) {
	canonical, err := address.Canonicalize(voter)
	if err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidAddress, "voter: %v", err)
	}
	ctx, cancel := e.store.Context(ctx)
	defer cancel()
	raw, err := e.store.Client().Get(ctx, e.store.VoteKey(proposalID, canonical)).Bytes()
	if store.IsNil(err) {
		return nil, apperrors.NotFound(apperrors.CodeProposalNotFound, "no vote by %s on proposal %s", canonical, proposalID)
	}
	if err != nil {
		return nil, store.Unavailable(err)
	}
	var v Vote
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode vote: %w", err)
	}
	return &v, nil
}

// Voters returns the addresses that voted on a proposal.
func (e *Engine) Voters(ctx context.Context, proposalID string) ([]string, error) {
	ctx, cancel := e.store.Context(ctx)
	defer cancel()
	voters, err := e.store.Client().SMembers(ctx, e.store.VotersKey(proposalID)).Result()
	if err != nil {
		return nil, store.Unavailable(err)
	}
	return voters, nil
}
