// Package confidence folds structural validity, semantic quality and task
// history into one 0-100 score. Compute is a pure function: replaying the
// same inputs always yields the same score, which the decision engine
// relies on for checkpoint replay.
package confidence

import (
	"math"

	"github.com/throw-if-null/covalent/internal/config"
)

// Inputs are the snapshot a confidence computation is made from. History
// is the fraction of prior iterations on this task that validated, in
// [0,1]; a task with no history passes 1 (benefit of the doubt on the
// first attempt).
type Inputs struct {
	ValidationPassed   bool
	QualityScore       int
	QualityUnavailable bool
	History            float64
}

// Score is the combined confidence plus the components it was derived
// from, persisted alongside the decision for audit.
type Score struct {
	Combined           int     `json:"combined"`
	Quality            int     `json:"quality"`
	QualityUnavailable bool    `json:"quality_unavailable"`
	History            float64 `json:"history"`
	ValidationPassed   bool    `json:"validation_passed"`
}

// Compute derives the combined score. Failed validation forces 0 no
// matter what the scorer said. When the scorer was unavailable the score
// comes from history alone and is capped at the unverified ceiling, so
// unreviewed work can never auto-proceed past a threshold above that
// ceiling.
func Compute(in Inputs, cfg config.ConfidenceConfig) Score {
	s := Score{
		Quality:            in.QualityScore,
		QualityUnavailable: in.QualityUnavailable,
		History:            clamp01(in.History),
		ValidationPassed:   in.ValidationPassed,
	}
	if !in.ValidationPassed {
		return s
	}

	wq, wh := cfg.QualityWeight, cfg.HistoryWeight
	if wq < 0 {
		wq = 0
	}
	if wh < 0 {
		wh = 0
	}

	hist := s.History * 100

	if in.QualityUnavailable {
		combined := int(math.Round(hist))
		ceiling := cfg.UnverifiedCeiling
		if ceiling <= 0 {
			ceiling = 60
		}
		if combined > ceiling {
			combined = ceiling
		}
		s.Combined = clamp100(combined)
		return s
	}

	total := wq + wh
	if total == 0 {
		wq, wh, total = 1, 0, 1
	}
	combined := (wq*float64(clamp100(in.QualityScore)) + wh*hist) / total
	s.Combined = clamp100(int(math.Round(combined)))
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clamp100(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
