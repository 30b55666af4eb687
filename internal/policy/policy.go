// Package policy decides what happens after a phase reports its outcome:
// advance, push back to code, escalate, or block. Decisions are pure
// functions of the task counters and the reported outcome, so the same
// inputs always produce the same verdict.
package policy

import (
	"fmt"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/phase"
)

const DefaultReviewPassThreshold = 0.85

type Policy struct {
	// ReviewPassThreshold is the minimum review score that counts as a
	// pass. A successful review below it is treated as a failure.
	ReviewPassThreshold float64
}

func Default() Policy {
	return Policy{ReviewPassThreshold: DefaultReviewPassThreshold}
}

// Decide maps an outcome reported by ph to the verdict driving the state
// machine. iteration is the pushback count before this outcome;
// maxIterations is the task's budget. ph must be an executable phase.
//
// Plan and code failures block the task: there is nothing upstream to push
// back to. Test and review failures consume the iteration budget, and the
// failure that brings the count to maxIterations escalates instead of
// pushing back, so an escalated task reports iteration == maxIterations.
func (p Policy) Decide(ph phase.Phase, iteration, maxIterations int, out api.PhaseOutcome) phase.Verdict {
	if ph == phase.Plan || ph == phase.Code {
		if out.Status == api.OutcomeFailure {
			return phase.VerdictBlock
		}
		return phase.VerdictPass
	}

	failed := out.Status == api.OutcomeFailure
	if !failed && ph == phase.Review && p.belowThreshold(out.Score) {
		failed = true
	}
	if !failed {
		return phase.VerdictPass
	}
	if iteration+1 >= maxIterations {
		return phase.VerdictEscalate
	}
	return phase.VerdictFail
}

// Pushback returns the diagnostics attached to the next code run when an
// outcome did not pass.
func (p Policy) Pushback(ph phase.Phase, out api.PhaseOutcome) string {
	if out.Diagnostics != "" {
		return out.Diagnostics
	}
	if ph == phase.Review && out.Status == api.OutcomeSuccess {
		if out.Score == nil {
			return "review reported no score"
		}
		return fmt.Sprintf("review score %.2f below pass threshold %.2f", *out.Score, p.ReviewPassThreshold)
	}
	return string(ph) + " failed"
}

func (p Policy) belowThreshold(score *float64) bool {
	if score == nil {
		return true
	}
	return *score < p.ReviewPassThreshold
}
