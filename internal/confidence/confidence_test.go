package confidence

import (
	"testing"

	"github.com/throw-if-null/covalent/internal/config"
)

func defaults() config.ConfidenceConfig {
	return config.Default().Confidence
}

func TestCompute_ValidationFailureZeroes(t *testing.T) {
	s := Compute(Inputs{
		ValidationPassed: false,
		QualityScore:     95,
		History:          1.0,
	}, defaults())
	if s.Combined != 0 {
		t.Fatalf("failed validation must zero confidence, got %d", s.Combined)
	}
}

func TestCompute_WeightedBlend(t *testing.T) {
	// 0.7*80 + 0.3*100 = 86 with default weights.
	s := Compute(Inputs{
		ValidationPassed: true,
		QualityScore:     80,
		History:          1.0,
	}, defaults())
	if s.Combined != 86 {
		t.Fatalf("expected 86, got %d", s.Combined)
	}
}

func TestCompute_WeightsNormalized(t *testing.T) {
	cfg := defaults()
	cfg.QualityWeight = 7
	cfg.HistoryWeight = 3
	a := Compute(Inputs{ValidationPassed: true, QualityScore: 80, History: 1.0}, cfg)
	b := Compute(Inputs{ValidationPassed: true, QualityScore: 80, History: 1.0}, defaults())
	if a.Combined != b.Combined {
		t.Fatalf("scaled weights must normalize to the same score: %d vs %d", a.Combined, b.Combined)
	}
}

func TestCompute_UnavailableCapped(t *testing.T) {
	s := Compute(Inputs{
		ValidationPassed:   true,
		QualityUnavailable: true,
		History:            1.0,
	}, defaults())
	if s.Combined != 60 {
		t.Fatalf("unverified work must cap at the ceiling, got %d", s.Combined)
	}
	if !s.QualityUnavailable {
		t.Fatal("unavailability must be reflected in the score record")
	}
}

func TestCompute_UnavailableBelowCeiling(t *testing.T) {
	s := Compute(Inputs{
		ValidationPassed:   true,
		QualityUnavailable: true,
		History:            0.5,
	}, defaults())
	if s.Combined != 50 {
		t.Fatalf("history 0.5 with no scorer should give 50, got %d", s.Combined)
	}
}

func TestCompute_Bounds(t *testing.T) {
	cases := []Inputs{
		{ValidationPassed: true, QualityScore: 200, History: 5.0},
		{ValidationPassed: true, QualityScore: -50, History: -1.0},
		{ValidationPassed: true, QualityUnavailable: true, History: 3.0},
		{ValidationPassed: false, QualityScore: 100, History: 1.0},
	}
	for i, in := range cases {
		s := Compute(in, defaults())
		if s.Combined < 0 || s.Combined > 100 {
			t.Fatalf("case %d: combined %d out of [0,100]", i, s.Combined)
		}
	}
}

func TestCompute_Deterministic(t *testing.T) {
	in := Inputs{ValidationPassed: true, QualityScore: 73, History: 0.8}
	first := Compute(in, defaults())
	for i := 0; i < 100; i++ {
		if got := Compute(in, defaults()); got != first {
			t.Fatalf("replay %d diverged: %+v vs %+v", i, got, first)
		}
	}
}
