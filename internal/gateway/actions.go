package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/terminal-bench/agentworld/internal/address"
	"github.com/terminal-bench/agentworld/internal/breeding"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/lottery"
	"github.com/terminal-bench/agentworld/internal/registry"
)

// Register enters an agent into the world after its entry fee is verified.
func (g *Gateway) Register(ctx context.Context, req registry.RegisterRequest) Result {
	agent, err := canonicalAgent(req.Address)
	if err != nil {
		return failed(err)
	}
	req.Address = agent
	return g.run(ctx, op{
		action: ActionRegister,
		agent:  agent,
		key:    "register:" + agent,
		retry:  true,
		body: func(ctx context.Context) (outcome, error) {
			a, err := g.registry.Register(ctx, req)
			if err != nil {
				return outcome{}, err
			}
			return outcome{
				message:   fmt.Sprintf("%s entered the world", a.Name),
				data:      a,
				rewardKey: "register:" + agent,
			}, nil
		},
	})
}

// currentRound returns the latest round, opening the first one on demand.
func (g *Gateway) currentRound(ctx context.Context) (*lottery.Round, error) {
	round, err := g.lottery.CurrentRound(ctx)
	if apperrors.IsCode(err, apperrors.CodeRoundNotFound) {
		return g.lottery.OpenRound(ctx)
	}
	return round, err
}

// BuyTickets buys count tickets in the current round. Purchases are not
// idempotent and are never retried.
func (g *Gateway) BuyTickets(ctx context.Context, agent string, count int64) Result {
	agent, err := canonicalAgent(agent)
	if err != nil {
		return failed(err)
	}
	return g.run(ctx, op{
		action:       ActionBuyTickets,
		agent:        agent,
		requireAgent: true,
		body: func(ctx context.Context) (outcome, error) {
			round, err := g.currentRound(ctx)
			if err != nil {
				return outcome{}, err
			}
			p, err := g.lottery.BuyTickets(ctx, round.ID, agent, count)
			if err != nil {
				return outcome{}, err
			}
			return outcome{
				message:   fmt.Sprintf("bought %d tickets in round %d, prize pool %s", p.Count, p.RoundID, p.PrizePool),
				data:      p,
				rewardKey: fmt.Sprintf("buy_tickets:%d:%s:%d", p.RoundID, agent, p.TicketsSold),
			}, nil
		},
	})
}

// DrawLottery draws a round whose sales have closed. roundID 0 selects the
// current round. A completed round's payout is settled when enabled; an
// unsettled payout does not fail the draw.
func (g *Gateway) DrawLottery(ctx context.Context, agent string, roundID int64) Result {
	agent, err := canonicalAgent(agent)
	if err != nil {
		return failed(err)
	}
	return g.run(ctx, op{
		action:       ActionDrawLottery,
		agent:        agent,
		key:          fmt.Sprintf("lottery:%d:draw", roundID),
		retry:        true,
		requireAgent: true,
		body: func(ctx context.Context) (outcome, error) {
			id := roundID
			if id == 0 {
				round, err := g.currentRound(ctx)
				if err != nil {
					return outcome{}, err
				}
				id = round.ID
			}
			res, err := g.lottery.Draw(ctx, id, agent)
			if err != nil {
				return outcome{}, err
			}

			out := outcome{data: res}
			switch res.Round.Status {
			case lottery.StatusRolledOver:
				out.message = fmt.Sprintf("round %d rolled over, %s carried into round %d", id, res.Round.PrizePool, res.Round.NextRoundID)
			default:
				out.message = fmt.Sprintf("%s won round %d: %s", address.Short(res.Round.Winner), id, res.Round.WinnerAmount)
			}
			if res.Replayed {
				return out, nil
			}
			out.rewardKey = fmt.Sprintf("draw_lottery:%d", id)
			if g.settle && res.Round.Status == lottery.StatusCompleted {
				if paid, err := g.settlePayout(ctx, id); err != nil {
					out.message += "; payout pending"
				} else {
					res.Round = paid
				}
			}
			return out, nil
		},
	})
}

func (g *Gateway) settlePayout(ctx context.Context, roundID int64) (*lottery.Round, error) {
	var (
		paid     *lottery.Round
		attempts int
	)
	_, err := g.withRetry(ctx, "lottery_payout", "", fmt.Sprintf("lottery:%d:payout", roundID), &attempts,
		func(ctx context.Context) (outcome, error) {
			r, err := g.lottery.SettlePayout(ctx, roundID)
			if err != nil {
				return outcome{}, err
			}
			paid = r
			return outcome{}, nil
		})
	if err != nil {
		g.logger.Printf("gateway: payout of round %d not settled after %d attempts: %v", roundID, attempts, err)
		return nil, err
	}
	return paid, nil
}

// CreateProposal opens a governance proposal.
func (g *Gateway) CreateProposal(ctx context.Context, agent, title, description string) Result {
	agent, err := canonicalAgent(agent)
	if err != nil {
		return failed(err)
	}
	return g.run(ctx, op{
		action:       ActionCreateProposal,
		agent:        agent,
		requireAgent: true,
		body: func(ctx context.Context) (outcome, error) {
			p, err := g.governance.CreateProposal(ctx, agent, title, description)
			if err != nil {
				return outcome{}, err
			}
			return outcome{
				message:   fmt.Sprintf("proposal %q is open until %s", p.Title, p.EndsAt.Format("2006-01-02 15:04 MST")),
				data:      p,
				rewardKey: "create_proposal:" + p.ID,
			}, nil
		},
	})
}

// CastVote records the agent's vote on a proposal.
func (g *Gateway) CastVote(ctx context.Context, agent, proposalID string, support bool) Result {
	agent, err := canonicalAgent(agent)
	if err != nil {
		return failed(err)
	}
	return g.run(ctx, op{
		action:       ActionCastVote,
		agent:        agent,
		requireAgent: true,
		body: func(ctx context.Context) (outcome, error) {
			v, err := g.governance.CastVote(ctx, proposalID, agent, support)
			if err != nil {
				return outcome{}, err
			}
			side := "against"
			if v.Support {
				side = "for"
			}
			return outcome{
				message:   fmt.Sprintf("voted %s with weight %d", side, v.Weight),
				data:      v,
				rewardKey: fmt.Sprintf("cast_vote:%s:%s", proposalID, agent),
			}, nil
		},
	})
}

// CheckBreeding evaluates whether the agent and partner appreciate each
// other enough to breed. The reward is granted once per pair and day.
func (g *Gateway) CheckBreeding(ctx context.Context, agent, partner string) Result {
	agent, err := canonicalAgent(agent)
	if err != nil {
		return failed(err)
	}
	partner, err = address.Canonicalize(partner)
	if err != nil {
		return failed(apperrors.Validation(apperrors.CodeInvalidAddress, "partner: %v", err))
	}
	return g.run(ctx, op{
		action:       ActionCheckBreeding,
		agent:        agent,
		requireAgent: true,
		body: func(ctx context.Context) (outcome, error) {
			v, err := g.breeding.Check(ctx, agent, partner)
			if err != nil {
				return outcome{}, err
			}
			msg := fmt.Sprintf("not yet compatible, average appreciation %.1f", v.AvgScore)
			if v.Eligible {
				msg = fmt.Sprintf("eligible to breed, average appreciation %.1f", v.AvgScore)
			}
			day := g.now().UTC().Format("20060102")
			return outcome{
				message:   msg,
				data:      v,
				rewardKey: fmt.Sprintf("check_breeding:%s:%s:%s", breeding.PairKey(agent, partner), agent, day),
			}, nil
		},
	})
}

// Agent returns a registered agent.
func (g *Gateway) Agent(ctx context.Context, addr string) Result {
	a, err := g.registry.Get(ctx, addr)
	if err != nil {
		return failed(err)
	}
	return succeeded(a.Name, a)
}

// Leaderboard returns the top agents by cumulative reward.
func (g *Gateway) Leaderboard(ctx context.Context, limit int) Result {
	entries, err := g.registry.Leaderboard(ctx, limit)
	if err != nil {
		return failed(err)
	}
	return succeeded(fmt.Sprintf("%d agents", len(entries)), entries)
}

// Proposal returns a proposal, finalizing it when its deadline has passed.
func (g *Gateway) Proposal(ctx context.Context, id string) Result {
	p, err := g.governance.GetProposal(ctx, strings.TrimSpace(id))
	if err != nil {
		return failed(err)
	}
	return succeeded(string(p.Status), p)
}

// Proposals lists proposals, newest first.
func (g *Gateway) Proposals(ctx context.Context, offset, limit int) Result {
	ps, err := g.governance.ListProposals(ctx, offset, limit)
	if err != nil {
		return failed(err)
	}
	return succeeded(fmt.Sprintf("%d proposals", len(ps)), ps)
}

// CurrentRound returns the open lottery round.
func (g *Gateway) CurrentRound(ctx context.Context) Result {
	r, err := g.currentRound(ctx)
	if err != nil {
		return failed(err)
	}
	return succeeded(string(r.Status), r)
}

// Appreciate records how much the agent appreciates subject. It feeds
// breeding checks and is neither logged nor rewarded as an action.
func (g *Gateway) Appreciate(ctx context.Context, agent, subject string, score int) Result {
	agent, err := canonicalAgent(agent)
	if err != nil {
		return failed(err)
	}
	return g.run(ctx, op{
		action:       ActionAppreciate,
		agent:        agent,
		requireAgent: true,
		body: func(ctx context.Context) (outcome, error) {
			stored, err := g.breeding.SetScore(ctx, agent, subject, score)
			if err != nil {
				return outcome{}, err
			}
			return outcome{
				message: fmt.Sprintf("appreciation of %s set to %d", address.Short(subject), stored),
				data:    map[string]int{"score": stored},
			}, nil
		},
	})
}

// ExecuteProposal marks a passed proposal as executed.
func (g *Gateway) ExecuteProposal(ctx context.Context, operator, id string) Result {
	return g.run(ctx, op{
		action: ActionExecuteProposal,
		agent:  operator,
		body: func(ctx context.Context) (outcome, error) {
			p, err := g.governance.MarkExecuted(ctx, strings.TrimSpace(id))
			if err != nil {
				return outcome{}, err
			}
			return outcome{message: fmt.Sprintf("proposal %q executed", p.Title), data: p}, nil
		},
	})
}

// Round returns a lottery round.
func (g *Gateway) Round(ctx context.Context, id int64) Result {
	r, err := g.lottery.GetRound(ctx, id)
	if err != nil {
		return failed(err)
	}
	return succeeded(string(r.Status), r)
}
