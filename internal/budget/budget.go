// Package budget reconstructs cumulative context consumption. The agent
// reports only per-call token figures and a static capacity limit, never a
// running total, so the tracker derives the total itself and decides when a
// session must be checkpointed or rotated.
package budget

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/throw-if-null/covalent/internal/api"
)

// Usage persistence lives in the store; the tracker only needs these two
// operations from it.
type UsageStore interface {
	AddUsage(sessionID string, u api.TokenUsage) (api.TokenUsage, error)
	GetUsage(sessionID string) (api.TokenUsage, error)
}

type Tracker struct {
	store         UsageStore
	contextWindow int
	monitorRatio  float64
	rotateRatio   float64
}

func NewTracker(store UsageStore, contextWindow int, monitorRatio, rotateRatio float64) *Tracker {
	if contextWindow <= 0 {
		contextWindow = 200_000
	}
	return &Tracker{
		store:         store,
		contextWindow: contextWindow,
		monitorRatio:  monitorRatio,
		rotateRatio:   rotateRatio,
	}
}

// Record folds one per-call report into the session's counters and returns
// the cumulative usage ratio. Counters only ever grow for a given session
// id; rotation hands out a fresh id instead of resetting.
func (t *Tracker) Record(sessionID string, u api.TokenUsage) (float64, error) {
	cum, err := t.store.AddUsage(sessionID, u)
	if err != nil {
		return 0, err
	}
	return t.ratio(cum), nil
}

// UsageRatio reports consumed capacity in [0,1].
func (t *Tracker) UsageRatio(sessionID string) (float64, error) {
	cum, err := t.store.GetUsage(sessionID)
	if err != nil {
		return 0, err
	}
	return t.ratio(cum), nil
}

func (t *Tracker) ratio(u api.TokenUsage) float64 {
	r := float64(u.Total()) / float64(t.contextWindow)
	if r > 1 {
		r = 1
	}
	return r
}

// ShouldCheckpoint is the monitor threshold: worth snapshotting, not yet
// worth interrupting.
func (t *Tracker) ShouldCheckpoint(ratio float64) bool {
	return ratio >= t.monitorRatio
}

// ShouldRotate is the mandatory-rotation threshold: the session must be
// checkpointed and replaced before the next prompt goes out, independent of
// confidence.
func (t *Tracker) ShouldRotate(ratio float64) bool {
	return ratio >= t.rotateRatio
}

// WouldExceed preflights a prompt against remaining capacity.
func (t *Tracker) WouldExceed(sessionID string, promptTokens int) (bool, error) {
	cum, err := t.store.GetUsage(sessionID)
	if err != nil {
		return false, err
	}
	return t.ratio(cum.Add(api.TokenUsage{Input: promptTokens})) >= t.rotateRatio, nil
}

// EstimatePromptTokens sizes a prompt before sending. The tiktoken encoder
// needs its vocabulary available; offline we fall back to the usual
// bytes/4 heuristic, which overshoots rarely enough for a preflight check.
func EstimatePromptTokens(text string) int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
