// Package decide is the supervision state machine. Next maps one
// iteration's evaluated state to the action the orchestrator takes, with
// rules applied in a fixed order so replaying a task's history reproduces
// its decision sequence exactly.
package decide

import (
	"fmt"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/config"
)

// Input is everything a decision is made from. No field reads external
// state; the orchestrator snapshots these before calling Next.
type Input struct {
	Outcome api.OutcomeKind
	// ValidationFailed marks a structurally invalid response. It zeroes
	// confidence upstream but is still retryable: the agent produced
	// something, just not in the required shape.
	ValidationFailed bool
	Confidence       int
	UsageRatio       float64
	RetryCount       int
	MaxRetries       int
	MaxTurns         int
	TurnCeiling      int
	Cancelled        bool
}

// Action is the decided transition plus the adjustments it carries.
type Action struct {
	Outcome api.DecisionOutcome
	Reason  string
	// NewSession forces the retry onto a fresh session with no resume
	// token. Set for process errors and rotation.
	NewSession bool
	// NextMaxTurns is the turn budget for the next iteration; zero means
	// unchanged.
	NextMaxTurns int
}

type Policy struct {
	Decision config.DecisionConfig
	Budget   config.BudgetConfig
}

// Next evaluates the rules in order. Earlier rules are strictly stronger:
// a cancelled task aborts even at confidence 100, and a budget-exhausted
// session rotates even when the response would have proceeded.
func Next(in Input, p Policy) Action {
	if in.Cancelled {
		return Action{Outcome: api.DecisionAbort, Reason: "task cancelled by operator"}
	}

	if in.Outcome.IsProcessError() {
		if in.RetryCount >= in.MaxRetries {
			return Action{
				Outcome: api.DecisionEscalate,
				Reason:  fmt.Sprintf("process failure (%s) with retry budget exhausted (%d/%d)", in.Outcome, in.RetryCount, in.MaxRetries),
			}
		}
		return Action{
			Outcome:    api.DecisionRetry,
			Reason:     fmt.Sprintf("process failure (%s), retrying on a fresh session", in.Outcome),
			NewSession: true,
		}
	}

	if in.Outcome == api.OutcomeMaxTurns {
		if in.MaxTurns >= in.TurnCeiling {
			return Action{
				Outcome: api.DecisionEscalate,
				Reason:  fmt.Sprintf("agent exhausted %d turns at the configured ceiling", in.MaxTurns),
			}
		}
		if in.RetryCount >= in.MaxRetries {
			return Action{
				Outcome: api.DecisionEscalate,
				Reason:  fmt.Sprintf("agent exhausted %d turns with retry budget exhausted (%d/%d)", in.MaxTurns, in.RetryCount, in.MaxRetries),
			}
		}
		next := in.MaxTurns * 2
		if next > in.TurnCeiling {
			next = in.TurnCeiling
		}
		return Action{
			Outcome:      api.DecisionRetry,
			Reason:       fmt.Sprintf("agent exhausted %d turns, retrying with %d", in.MaxTurns, next),
			NextMaxTurns: next,
		}
	}

	if in.UsageRatio >= p.Budget.RotateRatio {
		return Action{
			Outcome:    api.DecisionRotate,
			Reason:     fmt.Sprintf("context usage %.0f%% at rotation threshold, checkpointing to a fresh session", in.UsageRatio*100),
			NewSession: true,
		}
	}

	if in.ValidationFailed {
		if in.RetryCount >= in.MaxRetries {
			return Action{
				Outcome: api.DecisionEscalate,
				Reason:  fmt.Sprintf("structural validation failed with retry budget exhausted (%d/%d)", in.RetryCount, in.MaxRetries),
			}
		}
		return Action{
			Outcome: api.DecisionRetry,
			Reason:  "structural validation failed, retrying with feedback",
		}
	}

	if in.Confidence >= p.Decision.ProceedThreshold {
		return Action{
			Outcome: api.DecisionProceed,
			Reason:  fmt.Sprintf("confidence %d meets proceed threshold %d", in.Confidence, p.Decision.ProceedThreshold),
		}
	}

	if in.Confidence >= p.Decision.RetryThreshold && in.RetryCount < in.MaxRetries {
		return Action{
			Outcome: api.DecisionRetry,
			Reason:  fmt.Sprintf("confidence %d in retry band [%d,%d), retrying with feedback", in.Confidence, p.Decision.RetryThreshold, p.Decision.ProceedThreshold),
		}
	}

	if p.Decision.HardStop {
		return Action{
			Outcome: api.DecisionAbort,
			Reason:  fmt.Sprintf("confidence %d below recoverable range with hard stop configured", in.Confidence),
		}
	}
	if in.Confidence >= p.Decision.RetryThreshold {
		return Action{
			Outcome: api.DecisionEscalate,
			Reason:  fmt.Sprintf("confidence %d recoverable but retry budget exhausted (%d/%d)", in.Confidence, in.RetryCount, in.MaxRetries),
		}
	}
	return Action{
		Outcome: api.DecisionEscalate,
		Reason:  fmt.Sprintf("confidence %d below retry threshold %d", in.Confidence, p.Decision.RetryThreshold),
	}
}

// ThresholdsNote renders the policy values a decision was made under, for
// the persisted audit record.
func ThresholdsNote(p Policy) string {
	return fmt.Sprintf("proceed=%d retry=%d max_retries=%d rotate=%.2f hard_stop=%t",
		p.Decision.ProceedThreshold, p.Decision.RetryThreshold, p.Decision.MaxRetries,
		p.Budget.RotateRatio, p.Decision.HardStop)
}
