// Package gateway is the single entry point for agent actions. Every action
// passes the rate limiter, runs against its engine, is logged against the
// agent and, when the policy rewards it, credited through the ledger.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terminal-bench/agentworld/internal/address"
	"github.com/terminal-bench/agentworld/internal/breeding"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/governance"
	"github.com/terminal-bench/agentworld/internal/lottery"
	"github.com/terminal-bench/agentworld/internal/metrics"
	"github.com/terminal-bench/agentworld/internal/ratelimit"
	"github.com/terminal-bench/agentworld/internal/reconcile"
	"github.com/terminal-bench/agentworld/internal/registry"
	"github.com/terminal-bench/agentworld/pkg/decimal"
)

// Action names. They key the policy rate-limit and reward tables.
const (
	ActionRegister       = "register"
	ActionBuyTickets     = "buy_tickets"
	ActionDrawLottery    = "draw_lottery"
	ActionCreateProposal = "create_proposal"
	ActionCastVote       = "cast_vote"
	ActionCheckBreeding  = "check_breeding"
	ActionDecision       = "decision"

	ActionAppreciate      = "appreciate"
	ActionExecuteProposal = "execute_proposal"
)

// Result is what every gateway action returns. Error carries the stable
// error code; Kind drives the HTTP status.
type Result struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	Error      string         `json:"error,omitempty"`
	Kind       apperrors.Kind `json:"kind,omitempty"`
	RetryAfter int64          `json:"retry_after,omitempty"`
	Data       interface{}    `json:"data,omitempty"`
}

func succeeded(message string, data interface{}) Result {
	return Result{Success: true, Message: message, Data: data}
}

func failed(err error) Result {
	res := Result{
		Kind:  apperrors.KindOf(err),
		Error: string(apperrors.GetCode(err)),
	}
	var e *apperrors.Error
	if errors.As(err, &e) {
		res.Message = e.Message
	} else {
		res.Message = "internal error"
	}
	if d := apperrors.RetryAfter(err); d > 0 {
		res.RetryAfter = int64((d + time.Second - 1) / time.Second)
	}
	return res
}

// Reconciler queues operations whose outcome is still unknown after retries.
type Reconciler interface {
	Record(ctx context.Context, e reconcile.Entry) (*reconcile.Entry, error)
}

// RetryConfig bounds the retry policy of idempotent operations.
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryConfig returns the standard retry bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxTries:        4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      15 * time.Second,
	}
}

// Deps are the engines and infrastructure the gateway routes to.
type Deps struct {
	Registry   *registry.Registry
	Governance *governance.Engine
	Lottery    *lottery.Engine
	Breeding   *breeding.Service
	Limiter    *ratelimit.Limiter
	Reconciler Reconciler
	Metrics    metrics.Recorder
	Tracer     trace.Tracer
	Logger     *log.Logger
}

// DefaultRule limits actions the policy names no rule for.
func DefaultRule() ratelimit.Rule {
	return ratelimit.Rule{Window: time.Minute, Max: 60}
}

// Policy is the part of the gateway configuration that can be swapped at
// runtime.
type Policy struct {
	Rules map[string]ratelimit.Rule
	// DefaultRule applies to actions without a rule of their own, in a bucket
	// named after the action.
	DefaultRule ratelimit.Rule
	Rewards     map[string]decimal.Amount
	// OnChain marks actions whose reward is transferred on chain before it
	// is credited.
	OnChain map[string]bool
}

// Config holds the policy-driven gateway settings.
type Config struct {
	Policy
	Retry RetryConfig
	// SettlePayouts pays lottery winners right after a draw.
	SettlePayouts bool
	// MaxDecisionTickets caps ticket counts requested by decisions.
	MaxDecisionTickets int64
}

// Gateway routes agent actions.
type Gateway struct {
	registry   *registry.Registry
	governance *governance.Engine
	lottery    *lottery.Engine
	breeding   *breeding.Service
	limiter    *ratelimit.Limiter
	reconciler Reconciler
	metrics    metrics.Recorder
	tracer     trace.Tracer
	logger     *log.Logger

	retry         RetryConfig
	settle        bool
	maxTickets    int64
	decisionCheck *jsonschema.Schema

	mu     sync.RWMutex
	policy Policy

	now func() time.Time
}

// NewGateway creates a gateway.
func NewGateway(deps Deps, cfg Config) (*Gateway, error) {
	if deps.Registry == nil || deps.Governance == nil || deps.Lottery == nil || deps.Breeding == nil || deps.Limiter == nil {
		return nil, fmt.Errorf("gateway: registry, governance, lottery, breeding and limiter are required")
	}
	schema, err := compileDecisionSchema()
	if err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/terminal-bench/agentworld/internal/gateway")
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	def := DefaultRetryConfig()
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry.MaxTries = def.MaxTries
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = def.InitialInterval
	}
	if cfg.Retry.MaxElapsed <= 0 {
		cfg.Retry.MaxElapsed = def.MaxElapsed
	}
	if cfg.MaxDecisionTickets <= 0 {
		cfg.MaxDecisionTickets = 10
	}
	g := &Gateway{
		registry:      deps.Registry,
		governance:    deps.Governance,
		lottery:       deps.Lottery,
		breeding:      deps.Breeding,
		limiter:       deps.Limiter,
		reconciler:    deps.Reconciler,
		metrics:       deps.Metrics,
		tracer:        deps.Tracer,
		logger:        deps.Logger,
		retry:         cfg.Retry,
		settle:        cfg.SettlePayouts,
		maxTickets:    cfg.MaxDecisionTickets,
		decisionCheck: schema,
		now:           time.Now,
	}
	g.SetPolicy(cfg.Policy)
	return g, nil
}

// SetPolicy swaps the rate-limit rules and reward tables. A missing or
// invalid default rule is replaced by DefaultRule.
func (g *Gateway) SetPolicy(p Policy) {
	if p.DefaultRule.Window <= 0 || p.DefaultRule.Max <= 0 {
		p.DefaultRule = DefaultRule()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = p
}

// actionPolicy is the policy resolved for one action.
type actionPolicy struct {
	rule     ratelimit.Rule
	reward   decimal.Amount
	rewarded bool
	onChain  bool
}

func (g *Gateway) policyFor(action string) actionPolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rule, ok := g.policy.Rules[action]
	if !ok {
		rule = g.policy.DefaultRule
		rule.Prefix = action
	}
	reward, rewarded := g.policy.Rewards[action]
	return actionPolicy{
		rule:     rule,
		reward:   reward,
		rewarded: rewarded,
		onChain:  g.policy.OnChain[action],
	}
}

type ctxKey int

const correlationKey ctxKey = iota

// WithCorrelationID attaches a correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation id of the context, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// outcome is what an action body reports on success.
type outcome struct {
	message string
	data    interface{}
	// rewardKey identifies this occurrence of the action for crediting. An
	// empty key skips action logging.
	rewardKey string
}

type op struct {
	action string
	agent  string
	// key identifies the operation for reconciliation.
	key string
	// retry marks idempotent bodies that are safe to re-run.
	retry        bool
	requireAgent bool
	body         func(ctx context.Context) (outcome, error)
}

// run applies the shared action pipeline and never returns a raw error.
func (g *Gateway) run(ctx context.Context, o op) Result {
	start := g.now()
	ctx, span := g.tracer.Start(ctx, "gateway."+o.action, trace.WithAttributes(
		attribute.String("agent.address", o.agent),
		attribute.String("agent.action", o.action),
	))
	defer span.End()

	attempts := 0
	res := g.execute(ctx, o, &attempts)

	span.SetAttributes(attribute.Int("agent.attempts", attempts))
	if res.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, res.Error)
	}
	g.metrics.Observe(metrics.Observation{
		Action:   o.action,
		Agent:    o.agent,
		Success:  res.Success,
		Code:     res.Error,
		Attempts: attempts,
		Duration: g.now().Sub(start),
		At:       start,
	})
	status := "ok"
	if !res.Success {
		status = res.Error
	}
	g.logger.Printf("gateway: action=%s agent=%s key=%s correlation=%s attempts=%d outcome=%s",
		o.action, o.agent, o.key, CorrelationID(ctx), attempts, status)
	return res
}

func (g *Gateway) execute(ctx context.Context, o op, attempts *int) Result {
	p := g.policyFor(o.action)
	if err := g.limiter.Check(ctx, p.rule, o.agent); err != nil {
		return failed(err)
	}
	if o.requireAgent {
		exists, err := g.registry.Exists(ctx, o.agent)
		if err != nil {
			return failed(err)
		}
		if !exists {
			return failed(apperrors.NotFound(apperrors.CodeAgentNotFound, "agent %s is not registered", o.agent))
		}
	}

	var (
		out outcome
		err error
	)
	if o.retry {
		out, err = g.withRetry(ctx, o.action, o.agent, o.key, attempts, o.body)
	} else {
		*attempts = 1
		out, err = o.body(ctx)
	}
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		return failed(err)
	}

	if out.rewardKey != "" {
		g.logAction(ctx, o.action, o.agent, out.rewardKey, p)
	}
	return succeeded(out.message, out.data)
}

// logAction counts the action and credits its reward. The action itself has
// already happened, so failures are queued for reconciliation instead of
// failing the result. A reverted on-chain reward credits nothing.
func (g *Gateway) logAction(ctx context.Context, action, agent, key string, p actionPolicy) {
	rec := registry.ActionRecord{Kind: action}
	if p.rewarded {
		rec.Reward = &registry.Reward{Amount: p.reward, IdempotencyKey: key, Transfer: p.onChain}
	}
	var attempts int
	_, err := g.withRetry(ctx, "reward", agent, key, &attempts, func(ctx context.Context) (outcome, error) {
		_, err := g.registry.RecordAction(ctx, agent, rec)
		return outcome{}, err
	})
	if err != nil {
		g.logger.Printf("gateway: %s by %s not logged under %s: %v", action, agent, key, err)
	}
}

// withRetry retries body while it fails with a retryable error. Exhausted
// retries of an unknown outcome are queued for reconciliation.
func (g *Gateway) withRetry(ctx context.Context, action, agent, key string, attempts *int, body func(context.Context) (outcome, error)) (outcome, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.retry.InitialInterval
	if g.retry.MaxInterval > 0 {
		eb.MaxInterval = g.retry.MaxInterval
	}

	out, err := backoff.Retry(ctx, func() (outcome, error) {
		*attempts++
		out, err := body(ctx)
		if err == nil {
			return out, nil
		}
		if !apperrors.IsRetryable(err) {
			return outcome{}, backoff.Permanent(err)
		}
		return outcome{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(g.retry.MaxTries),
		backoff.WithMaxElapsedTime(g.retry.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Printf("gateway: %s by %s failed, retrying in %s: %v", action, agent, next, err)
		}),
	)
	if err == nil {
		return out, nil
	}
	if apperrors.IsRetryable(err) && key != "" {
		g.queue(ctx, action, agent, key, *attempts, err)
	}
	return outcome{}, err
}

func (g *Gateway) queue(ctx context.Context, action, agent, key string, attempts int, cause error) {
	if g.reconciler == nil {
		g.logger.Printf("gateway: %s %s needs reconciliation but no store is configured: %v", action, key, cause)
		return
	}
	_, err := g.reconciler.Record(context.WithoutCancel(ctx), reconcile.Entry{
		Agent:          agent,
		Operation:      action,
		IdempotencyKey: key,
		ErrorCode:      string(apperrors.GetCode(cause)),
		Message:        cause.Error(),
		Attempts:       int64(attempts),
	})
	if err != nil {
		g.logger.Printf("gateway: reconciliation entry for %s %s not recorded: %v", action, key, err)
	}
}

func canonicalAgent(addr string) (string, error) {
	canonical, err := address.Canonicalize(addr)
	if err != nil {
		return "", apperrors.Validation(apperrors.CodeInvalidAddress, "agent: %v", err)
	}
	return canonical, nil
}
