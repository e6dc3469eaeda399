// Package breeding decides mutual breeding eligibility from two directional
// appreciation scores.
package breeding

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/terminal-bench/agentworld/internal/address"
	apperrors "github.com/terminal-bench/agentworld/internal/errors"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/pkg/messaging"
)

const (
	MinScore = 0
	MaxScore = 100

	DefaultThreshold    = 70
	DefaultHistoryLimit = 50
)

// Eligible reports whether both directional scores are strictly above the
// threshold.
func Eligible(ab, ba, threshold int) bool {
	return ab > threshold && ba > threshold
}

// AvgScore is the mean of the two directional scores.
func AvgScore(ab, ba int) float64 {
	return float64(ab+ba) / 2
}

// Verdict is the evaluation of an ordered pair.
type Verdict struct {
	A         string    `json:"a"`
	B         string    `json:"b"`
	ScoreAB   int       `json:"score_ab"`
	ScoreBA   int       `json:"score_ba"`
	AvgScore  float64   `json:"avg_score"`
	Threshold int       `json:"threshold"`
	Eligible  bool      `json:"eligible"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// Evaluate combines both scores into a verdict.
func Evaluate(ab, ba, threshold int) Verdict {
	return Verdict{
		ScoreAB:   ab,
		ScoreBA:   ba,
		AvgScore:  AvgScore(ab, ba),
		Threshold: threshold,
		Eligible:  Eligible(ab, ba, threshold),
	}
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// PairKey names an unordered pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Service stores appreciation scores in each observer's memory hash and
// keeps a per-pair history of eligibility checks.
type Service struct {
	store        *store.Store
	threshold    int
	historyLimit int64
	sink         *messaging.Sink
	logger       *log.Logger
	now          func() time.Time
}

// NewService creates a service. A threshold outside 0..100 falls back to
// DefaultThreshold.
func NewService(s *store.Store, threshold int, sink *messaging.Sink, logger *log.Logger) *Service {
	if threshold < MinScore || threshold > MaxScore {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Service{
		store:        s,
		threshold:    threshold,
		historyLimit: DefaultHistoryLimit,
		sink:         sink,
		logger:       logger,
		now:          time.Now,
	}
}

// Threshold returns the configured eligibility threshold.
func (s *Service) Threshold() int {
	return s.threshold
}

func canonicalPair(observer, subject string) (string, string, error) {
	o, err := address.Canonicalize(observer)
	if err != nil {
		return "", "", apperrors.Validation(apperrors.CodeInvalidAddress, "observer: %v", err)
	}
	sub, err := address.Canonicalize(subject)
	if err != nil {
		return "", "", apperrors.Validation(apperrors.CodeInvalidAddress, "subject: %v", err)
	}
	if o == sub {
		return "", "", apperrors.Validation(apperrors.CodeInvalidInput, "an agent cannot appreciate itself")
	}
	return o, sub, nil
}

// SetScore stores the observer's appreciation of subject, clamped to 0..100.
func (s *Service) SetScore(ctx context.Context, observer, subject string, score int) (int, error) {
	o, sub, err := canonicalPair(observer, subject)
	if err != nil {
		return 0, err
	}
	score = clamp(score)
	ctx, cancel := s.store.Context(ctx)
	defer cancel()
	if err := s.store.Client().HSet(ctx, s.store.AppreciationKey(o), sub, score).Err(); err != nil {
		return 0, store.Unavailable(err)
	}
	return score, nil
}

// Score returns the observer's appreciation of subject. Missing scores are 0.
func (s *Service) Score(ctx context.Context, observer, subject string) (int, error) {
	o, sub, err := canonicalPair(observer, subject)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.store.Context(ctx)
	defer cancel()
	return s.score(ctx, o, sub)
}

func (s *Service) score(ctx context.Context, observer, subject string) (int, error) {
	raw, err := s.store.Client().HGet(ctx, s.store.AppreciationKey(observer), subject).Result()
	if store.IsNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, store.Unavailable(err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.logger.Printf("breeding: unreadable score %q from %s for %s, treating as 0", raw, observer, subject)
		return 0, nil
	}
	return clamp(n), nil
}

// Check evaluates the pair and appends the verdict to the pair history.
func (s *Service) Check(ctx context.Context, a, b string) (Verdict, error) {
	a, b, err := canonicalPair(a, b)
	if err != nil {
		return Verdict{}, err
	}
	opCtx, cancel := s.store.Context(ctx)
	defer cancel()
	ab, err := s.score(opCtx, a, b)
	if err != nil {
		return Verdict{}, err
	}
	ba, err := s.score(opCtx, b, a)
	if err != nil {
		return Verdict{}, err
	}

	v := Evaluate(ab, ba, s.threshold)
	v.A, v.B = a, b
	v.CheckedAt = s.now().UTC()

	raw, err := json.Marshal(v)
	if err != nil {
		return Verdict{}, fmt.Errorf("encode verdict: %w", err)
	}
	key := s.store.BreedingHistoryKey(PairKey(a, b))
	pipe := s.store.Client().TxPipeline()
	pipe.LPush(opCtx, key, raw)
	pipe.LTrim(opCtx, key, 0, s.historyLimit-1)
	if _, err := pipe.Exec(opCtx); err != nil {
		return Verdict{}, store.Unavailable(err)
	}

	msg := fmt.Sprintf("%s and %s are not yet compatible (avg %.1f)", address.Short(a), address.Short(b), v.AvgScore)
	if v.Eligible {
		msg = fmt.Sprintf("%s and %s can breed (avg %.1f)", address.Short(a), address.Short(b), v.AvgScore)
	}
	s.sink.Emit(ctx, messaging.EventTypeBreedingChecked, PairKey(a, b), msg, v)
	return v, nil
}

// History returns the most recent checks of the pair, newest first.
func (s *Service) History(ctx context.Context, a, b string, limit int64) ([]Verdict, error) {
	a, b, err := canonicalPair(a, b)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	ctx, cancel := s.store.Context(ctx)
	defer cancel()
	raws, err := s.store.Client().LRange(ctx, s.store.BreedingHistoryKey(PairKey(a, b)), 0, limit-1).Result()
	if err != nil {
		return nil, store.Unavailable(err)
	}
	out := make([]Verdict, 0, len(raws))
	for _, raw := range raws {
		var v Verdict
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode verdict: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// RankPairs evaluates a against each candidate without recording history,
// ordered by average score descending. Eligible pairs rank above developing
// ones with the same average.
func (s *Service) RankPairs(ctx context.Context, a string, candidates []string) ([]Verdict, error) {
	self, err := address.Canonicalize(a)
	if err != nil {
		return nil, apperrors.Validation(apperrors.CodeInvalidAddress, "agent: %v", err)
	}
	ctx, cancel := s.store.Context(ctx)
	defer cancel()
	mine, err := s.store.Client().HGetAll(ctx, s.store.AppreciationKey(self)).Result()
	if err != nil {
		return nil, store.Unavailable(err)
	}

	seen := make(map[string]bool, len(candidates))
	out := make([]Verdict, 0, len(candidates))
	for _, c := range candidates {
		other, err := address.Canonicalize(c)
		if err != nil {
			return nil, apperrors.Validation(apperrors.CodeInvalidAddress, "candidate %q: %v", c, err)
		}
		if other == self || seen[other] {
			continue
		}
		seen[other] = true

		ab, _ := strconv.Atoi(mine[other])
		ba, err := s.score(ctx, other, self)
		if err != nil {
			return nil, err
		}
		v := Evaluate(clamp(ab), ba, s.threshold)
		v.A, v.B = self, other
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AvgScore != out[j].AvgScore {
			return out[i].AvgScore > out[j].AvgScore
		}
		return out[i].Eligible && !out[j].Eligible
	})
	return out, nil
}
