package gateway

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/governance"
	"github.com/terminal-bench/agentworld/internal/lottery"
	"github.com/terminal-bench/agentworld/internal/registry"
)

//go:embed decision.schema.json
var decisionSchema string

func compileDecisionSchema() (*jsonschema.Schema, error) {
	s, err := jsonschema.CompileString("decision.schema.json", decisionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	return s, nil
}

// Decision actions.
const (
	DecisionIdle = "idle"
)

// DecisionParams carries the action-specific fields of a decision.
type DecisionParams struct {
	Count       int64  `json:"count,omitempty"`
	RoundID     int64  `json:"round_id,omitempty"`
	ProposalID  string `json:"proposal_id,omitempty"`
	Support     bool   `json:"support,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Partner     string `json:"partner,omitempty"`
}

// Decision is the output of an agent's decision function.
type Decision struct {
	Action     string         `json:"action"`
	Reasoning  string         `json:"reasoning"`
	Confidence float64        `json:"confidence,omitempty"`
	Params     DecisionParams `json:"params"`
}

// ParseDecision validates a raw decision document and decodes it.
func (g *Gateway) ParseDecision(raw []byte) (*Decision, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidDecision, "decision is not valid JSON: %v", err)
	}
	if err := g.decisionCheck.Validate(doc); err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidDecision, "decision rejected: %v", err)
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidDecision, "decode decision: %v", err)
	}
	return &d, nil
}

// clampTickets maps a requested count into [1, max]. Zero means skip.
func clampTickets(n, max int64) (int64, bool) {
	if n == 0 {
		return 0, false
	}
	if n < 1 {
		return 1, true
	}
	if n > max {
		return max, true
	}
	return n, true
}

// ExecuteDecision validates an agent's decision, logs its reasoning for audit
// and routes it to the matching action. The routed action is rate limited on
// its own in addition to the decision itself.
func (g *Gateway) ExecuteDecision(ctx context.Context, agent string, raw []byte) Result {
	agent, err := canonicalAgent(agent)
	if err != nil {
		return failed(err)
	}
	ctx, span := g.tracer.Start(ctx, "gateway.execute_decision", trace.WithAttributes(
		attribute.String("agent.address", agent),
	))
	defer span.End()

	var d *Decision
	res := g.run(ctx, op{
		action: ActionDecision,
		agent:  agent,
		body: func(ctx context.Context) (outcome, error) {
			parsed, err := g.ParseDecision(raw)
			if err != nil {
				return outcome{}, err
			}
			d = parsed
			g.logger.Printf("gateway: decision agent=%s action=%s confidence=%.2f correlation=%s reasoning=%q",
				agent, d.Action, d.Confidence, CorrelationID(ctx), strings.TrimSpace(d.Reasoning))
			return outcome{data: d}, nil
		},
	})
	if !res.Success {
		return res
	}
	span.SetAttributes(attribute.String("decision.action", d.Action))

	switch d.Action {
	case DecisionIdle:
		return succeeded("idle", d)
	case ActionBuyTickets:
		count, ok := clampTickets(d.Params.Count, g.maxTickets)
		if !ok {
			return succeeded("skipped: ticket count 0", d)
		}
		return g.BuyTickets(ctx, agent, count)
	case ActionDrawLottery:
		return g.DrawLottery(ctx, agent, d.Params.RoundID)
	case ActionCreateProposal:
		return g.CreateProposal(ctx, agent, d.Params.Title, d.Params.Description)
	case ActionCastVote:
		return g.CastVote(ctx, agent, d.Params.ProposalID, d.Params.Support)
	case ActionCheckBreeding:
		return g.CheckBreeding(ctx, agent, d.Params.Partner)
	default:
		return failed(apperrors.Validation(apperrors.CodeInvalidDecision, "action %q is not allowed", d.Action))
	}
}

// DecisionContext is the world state an agent decides on.
type DecisionContext struct {
	Agent       *registry.Agent             `json:"agent"`
	Round       *lottery.Round              `json:"round,omitempty"`
	Proposals   []*governance.Proposal      `json:"proposals"`
	Leaderboard []registry.LeaderboardEntry `json:"leaderboard"`
}

// Decider produces an agent's next decision document.
type Decider interface {
	Decide(ctx context.Context, dc DecisionContext) (json.RawMessage, error)
}

// Act asks decider for the agent's next move and executes it.
func (g *Gateway) Act(ctx context.Context, agent string, decider Decider) Result {
	agent, err := canonicalAgent(agent)
	if err != nil {
		return failed(err)
	}
	a, err := g.registry.Get(ctx, agent)
	if err != nil {
		return failed(err)
	}
	dc := DecisionContext{Agent: a}
	if dc.Round, err = g.currentRound(ctx); err != nil {
		return failed(err)
	}
	if dc.Proposals, err = g.governance.ListProposals(ctx, 0, 10); err != nil {
		return failed(err)
	}
	if dc.Leaderboard, err = g.registry.Leaderboard(ctx, 10); err != nil {
		return failed(err)
	}

	raw, err := decider.Decide(ctx, dc)
	if err != nil {
		return failed(apperrors.Unavailable(apperrors.CodeDecisionUnavailable, "decider failed", err))
	}
	return g.ExecuteDecision(ctx, agent, raw)
}
