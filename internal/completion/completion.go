// Package completion implements C6: the tiered score/loop-cap policy
// deciding whether a session should terminate after its latest audit.
//
// Grounded on the teacher's closed-enum decision pattern (tool.go /
// errors.go both model outcomes as a small fixed set of named constants
// with an ordered evaluation function over them, rather than open
// string matching).
package completion

import (
	"github.com/ganaudit/auditor-mcp/internal/apperrors"
	"github.com/ganaudit/auditor-mcp/internal/domain"
)

// Tier is one score/loop-cap rung of the policy (§4.6).
type Tier struct {
	Score int
	Loops int
}

// Policy is the full tiered configuration (§4.6).
type Policy struct {
	Tier1        Tier
	Tier2        Tier
	Tier3        Tier
	HardStopLoop int
}

// Validate enforces §4.6's ordering constraints. Called once at startup
// from engine.New, and exposed here so tests exercise it directly
// against Policy in isolation.
func (p Policy) Validate() error {
	if !(p.Tier1.Score >= p.Tier2.Score && p.Tier2.Score >= p.Tier3.Score) {
		return apperrors.New(apperrors.KindConfigInvalid, "tier scores must satisfy tier1 >= tier2 >= tier3")
	}
	if !(p.Tier1.Loops <= p.Tier2.Loops && p.Tier2.Loops <= p.Tier3.Loops && p.Tier3.Loops <= p.HardStopLoop) {
		return apperrors.New(apperrors.KindConfigInvalid, "loop caps must satisfy tier1 <= tier2 <= tier3 <= hard_stop")
	}
	return nil
}

// Evaluator applies Policy to a session's current state (§4.6).
type Evaluator struct {
	policy Policy
}

// New constructs an Evaluator from a validated Policy.
func New(policy Policy) *Evaluator {
	return &Evaluator{policy: policy}
}

// Evaluate implements §4.6's seven-step decision order. alreadyComplete
// and currentLoop describe the session state after the iteration being
// evaluated has already been appended, per the engine's algorithm (§4.8
// step 10 runs after step 9's append).
func (e *Evaluator) Evaluate(alreadyComplete bool, currentLoop int, score int, stagnant bool) domain.CompletionDecision {
	if alreadyComplete {
		return domain.CompletionDecision{IsComplete: true}
	}
	if stagnant {
		return domain.CompletionDecision{IsComplete: true, Reason: domain.ReasonStagnation}
	}

	p := e.policy
	switch {
	case score >= p.Tier1.Score && currentLoop <= p.Tier1.Loops:
		return domain.CompletionDecision{IsComplete: true, Reason: domain.ReasonTier1, ThresholdScore: p.Tier1.Score, ThresholdLoops: p.Tier1.Loops}
	case score >= p.Tier2.Score && currentLoop <= p.Tier2.Loops:
		return domain.CompletionDecision{IsComplete: true, Reason: domain.ReasonTier2, ThresholdScore: p.Tier2.Score, ThresholdLoops: p.Tier2.Loops}
	case score >= p.Tier3.Score && currentLoop <= p.Tier3.Loops:
		return domain.CompletionDecision{IsComplete: true, Reason: domain.ReasonTier3, ThresholdScore: p.Tier3.Score, ThresholdLoops: p.Tier3.Loops}
	case currentLoop >= p.HardStopLoop:
		return domain.CompletionDecision{IsComplete: true, Reason: domain.ReasonHardStop, ThresholdLoops: p.HardStopLoop}
	default:
		return domain.CompletionDecision{IsComplete: false, Reason: domain.ReasonNone}
	}
}

// ProgressTrend classifies score movement over the trailing window
// (default three iterations): improving if the delta from the first to
// the last score in the window is >= +5, declining if <= -5, stagnant
// otherwise (§4.6). scores must be in chronological order, oldest first.
func ProgressTrend(scores []int) domain.ProgressTrend {
	if len(scores) < 2 {
		return domain.TrendStagnant
	}
	delta := scores[len(scores)-1] - scores[0]
	switch {
	case delta >= 5:
		return domain.TrendImproving
	case delta <= -5:
		return domain.TrendDeclining
	default:
		return domain.TrendStagnant
	}
}

// Window returns the trailing n entries of scores (or all of them, if
// fewer than n exist), for computing ProgressTrend over the configured
// window size.
func Window(scores []int, n int) []int {
	if n <= 0 || len(scores) <= n {
		return scores
	}
	return scores[len(scores)-n:]
}
