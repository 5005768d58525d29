package decide

import (
	"testing"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/config"
)

func policy() Policy {
	def := config.Default()
	return Policy{Decision: def.Decision, Budget: def.Budget}
}

func base() Input {
	return Input{
		Outcome:     api.OutcomeSuccess,
		Confidence:  90,
		UsageRatio:  0.1,
		RetryCount:  0,
		MaxRetries:  3,
		MaxTurns:    20,
		TurnCeiling: 80,
	}
}

func TestValidationFailureRetriesThenEscalates(t *testing.T) {
	in := base()
	in.ValidationFailed = true
	in.Confidence = 0

	a := Next(in, policy())
	if a.Outcome != api.DecisionRetry {
		t.Fatalf("retries remain, expected retry: %+v", a)
	}

	in.RetryCount = in.MaxRetries
	a = Next(in, policy())
	if a.Outcome != api.DecisionEscalate {
		t.Fatalf("retries exhausted, expected escalate: %+v", a)
	}
}

func TestHighConfidenceProceeds(t *testing.T) {
	in := base()
	in.Confidence = 85
	a := Next(in, policy())
	if a.Outcome != api.DecisionProceed {
		t.Fatalf("confidence 85 over threshold 80 must proceed: %+v", a)
	}
}

func TestBudgetRotationOverridesConfidence(t *testing.T) {
	in := base()
	in.Confidence = 95
	in.UsageRatio = 0.86
	a := Next(in, policy())
	if a.Outcome != api.DecisionRotate {
		t.Fatalf("rotation threshold must override confidence: %+v", a)
	}
	if !a.NewSession {
		t.Fatal("rotation must demand a fresh session")
	}
}

func TestProcessCrashRetriesOnFreshSession(t *testing.T) {
	in := base()
	in.Outcome = api.OutcomeCrashed
	a := Next(in, policy())
	if a.Outcome != api.DecisionRetry {
		t.Fatalf("crash with retries remaining must retry: %+v", a)
	}
	if !a.NewSession {
		t.Fatal("crash retry must not resume the dead session")
	}

	in.RetryCount = in.MaxRetries
	a = Next(in, policy())
	if a.Outcome != api.DecisionEscalate {
		t.Fatalf("crash with no retries must escalate: %+v", a)
	}
}

func TestTimeoutAndMalformedBehaveLikeCrash(t *testing.T) {
	for _, kind := range []api.OutcomeKind{api.OutcomeTimeout, api.OutcomeMalformed} {
		in := base()
		in.Outcome = kind
		a := Next(in, policy())
		if a.Outcome != api.DecisionRetry || !a.NewSession {
			t.Fatalf("%s must retry on a fresh session: %+v", kind, a)
		}
	}
}

func TestMaxTurnsNeverProceeds(t *testing.T) {
	in := base()
	in.Outcome = api.OutcomeMaxTurns
	in.Confidence = 100
	a := Next(in, policy())
	if a.Outcome == api.DecisionProceed {
		t.Fatalf("max-turns must never proceed: %+v", a)
	}
	if a.Outcome != api.DecisionRetry {
		t.Fatalf("max-turns under the ceiling must retry: %+v", a)
	}
	if a.NextMaxTurns != 40 {
		t.Fatalf("turn budget must double: %+v", a)
	}
}

func TestMaxTurnsDoublingBoundedByCeiling(t *testing.T) {
	in := base()
	in.Outcome = api.OutcomeMaxTurns
	in.MaxTurns = 50
	a := Next(in, policy())
	if a.Outcome != api.DecisionRetry || a.NextMaxTurns != 80 {
		t.Fatalf("doubling past the ceiling must clamp to it: %+v", a)
	}

	in.MaxTurns = 80
	a = Next(in, policy())
	if a.Outcome != api.DecisionEscalate {
		t.Fatalf("exhausting the ceiling itself must escalate: %+v", a)
	}
}

func TestRetryBandRequiresBudget(t *testing.T) {
	in := base()
	in.Confidence = 55

	a := Next(in, policy())
	if a.Outcome != api.DecisionRetry {
		t.Fatalf("confidence in the retry band with budget must retry: %+v", a)
	}

	in.RetryCount = in.MaxRetries
	a = Next(in, policy())
	if a.Outcome != api.DecisionEscalate {
		t.Fatalf("retry band with exhausted budget must escalate: %+v", a)
	}
}

func TestRetryCeilingProperty(t *testing.T) {
	// Drive the machine the way the orchestrator does and count
	// consecutive retries before a non-retry outcome.
	in := base()
	in.Confidence = 55
	retries := 0
	for {
		a := Next(in, policy())
		if a.Outcome != api.DecisionRetry {
			break
		}
		retries++
		in.RetryCount++
		if retries > 10 {
			t.Fatal("runaway retry loop")
		}
	}
	if retries != in.MaxRetries {
		t.Fatalf("expected exactly %d retries before giving up, got %d", in.MaxRetries, retries)
	}
}

func TestLowConfidenceEscalates(t *testing.T) {
	in := base()
	in.Confidence = 20
	a := Next(in, policy())
	if a.Outcome != api.DecisionEscalate {
		t.Fatalf("confidence below the retry threshold must escalate: %+v", a)
	}
}

func TestHardStopAborts(t *testing.T) {
	p := policy()
	p.Decision.HardStop = true
	in := base()
	in.Confidence = 20
	a := Next(in, p)
	if a.Outcome != api.DecisionAbort {
		t.Fatalf("hard stop must abort instead of escalating: %+v", a)
	}
}

func TestCancelledAbortsEverything(t *testing.T) {
	in := base()
	in.Cancelled = true
	in.Confidence = 100
	a := Next(in, policy())
	if a.Outcome != api.DecisionAbort {
		t.Fatalf("cancellation must abort regardless of confidence: %+v", a)
	}
}

func TestDeterministicReplay(t *testing.T) {
	inputs := []Input{
		base(),
		{Outcome: api.OutcomeMaxTurns, MaxTurns: 20, TurnCeiling: 80, MaxRetries: 3},
		{Outcome: api.OutcomeCrashed, RetryCount: 1, MaxRetries: 3},
		{Outcome: api.OutcomeSuccess, Confidence: 55, RetryCount: 2, MaxRetries: 3},
		{Outcome: api.OutcomeSuccess, Confidence: 95, UsageRatio: 0.9, MaxRetries: 3},
	}
	var first []Action
	for _, in := range inputs {
		first = append(first, Next(in, policy()))
	}
	for pass := 0; pass < 50; pass++ {
		for i, in := range inputs {
			if got := Next(in, policy()); got != first[i] {
				t.Fatalf("replay diverged at input %d: %+v vs %+v", i, got, first[i])
			}
		}
	}
}
