// Package rules decides whether a market sample satisfies a rule. Evaluation
// is pure: the same rule, sample and clock always yield the same decision,
// which makes the poller's batch step trivially testable.
package rules

import (
	"fmt"
	"time"

	"github.com/signalswap/backend/internal/core"
)

// DefaultStalenessMax is the oldest a sample may be and still count.
const DefaultStalenessMax = 30 * time.Minute

// Decision is the evaluator verdict for one rule against one sample.
type Decision struct {
	Trigger bool
	Reason  string
}

// Evaluate applies the decision rules in order, first match wins:
//
//  1. non-ACTIVE rules never trigger
//  2. samples at or past the staleness boundary are discarded
//  3. probabilities outside [0,1] are discarded
//  4. rules inside their cooldown window are skipped
//  5. ABOVE triggers on probability > threshold, BELOW on <; equality never
//     triggers
func Evaluate(r *core.Rule, s *core.MarketSample, now time.Time, stalenessMax time.Duration) Decision {
	if stalenessMax <= 0 {
		stalenessMax = DefaultStalenessMax
	}

	if r.Status != core.RuleActive {
		return Decision{Reason: fmt.Sprintf("rule not active (status %s)", r.Status)}
	}

	if now.Sub(s.ObservedAt) >= stalenessMax {
		return Decision{Reason: fmt.Sprintf("stale market data (observed %s ago)",
			now.Sub(s.ObservedAt).Round(time.Second))}
	}

	if s.Probability < 0 || s.Probability > 1 {
		return Decision{Reason: fmt.Sprintf("invalid probability %v", s.Probability)}
	}

	if r.InCooldown(now) {
		remaining := r.Cooldown() - now.Sub(*r.LastTriggeredAt)
		return Decision{Reason: fmt.Sprintf("in cooldown (%s remaining)", remaining.Round(time.Second))}
	}

	switch r.Condition {
	case core.ConditionAbove:
		if s.Probability > r.Threshold {
			return Decision{Trigger: true, Reason: fmt.Sprintf("probability %.4f above threshold %.4f",
				s.Probability, r.Threshold)}
		}
		return Decision{Reason: fmt.Sprintf("probability %.4f not above threshold %.4f",
			s.Probability, r.Threshold)}
	case core.ConditionBelow:
		if s.Probability < r.Threshold {
			return Decision{Trigger: true, Reason: fmt.Sprintf("probability %.4f below threshold %.4f",
				s.Probability, r.Threshold)}
		}
		return Decision{Reason: fmt.Sprintf("probability %.4f not below threshold %.4f",
			s.Probability, r.Threshold)}
	default:
		return Decision{Reason: fmt.Sprintf("unknown condition %q", r.Condition)}
	}
}

// Outcome pairs a rule with its decision and the sample that produced it.
type Outcome struct {
	Rule     core.Rule
	Sample   *core.MarketSample
	Decision Decision
}

// BatchEvaluate evaluates each rule against the sample for its market. Rules
// whose market has no sample this tick are skipped silently: their market
// fetch failed and failures must not leak across markets.
func BatchEvaluate(ruleSet []core.Rule, samples map[string]*core.MarketSample, now time.Time, stalenessMax time.Duration) []Outcome {
	out := make([]Outcome, 0, len(ruleSet))
	for _, r := range ruleSet {
		s, ok := samples[r.MarketID]
		if !ok {
			continue
		}
		out = append(out, Outcome{
			Rule:     r,
			Sample:   s,
			Decision: Evaluate(&r, s, now, stalenessMax),
		})
	}
	return out
}
