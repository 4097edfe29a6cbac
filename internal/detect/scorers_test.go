package detect

import (
	"math"
	"testing"
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

// historyCells builds one cell per day ending the day before `end`, with the
// given hospital event counts and no other signal.
func historyCells(end time.Time, counts ...int) []outbreak.MetricCell {
	cells := make([]outbreak.MetricCell, len(counts))
	for i, n := range counts {
		d := end.AddDate(0, 0, i-len(counts))
		cells[i] = outbreak.MetricCell{
			LocationID:     "loc",
			Day:            d,
			HospitalEvents: n,
			Sources:        outbreak.SourceFlags{Hospital: true},
		}
	}
	return cells
}

func TestNormalizeScore(t *testing.T) {
	if got := normalizeScore(-2); got != 0 {
		t.Errorf("normalizeScore(-2) = %v, want 0", got)
	}
	if got := normalizeScore(0); got != 0 {
		t.Errorf("normalizeScore(0) = %v, want 0", got)
	}
	// 2/(1+e^-1.5)-1
	want := 2/(1+math.Exp(-1.5)) - 1
	if got := normalizeScore(3); math.Abs(got-want) > 1e-12 {
		t.Errorf("normalizeScore(3) = %v, want %v", got, want)
	}
	// Monotone and bounded.
	prev := 0.0
	for x := 0.5; x < 20; x += 0.5 {
		v := normalizeScore(x)
		if v <= prev || v >= 1 {
			t.Fatalf("normalizeScore(%v) = %v not strictly increasing in (0,1)", x, v)
		}
		prev = v
	}
}

func TestScoreZ(t *testing.T) {
	series := []float64{10, 12, 11, 9, 10, 11, 10}

	s := scoreZ(series, 30, 7)
	if !s.Valid {
		t.Fatal("z-score invalid with 7 days of history")
	}
	if s.Raw <= 0 || s.Normalized <= 0 {
		t.Errorf("spike scored raw=%v normalized=%v, want positive", s.Raw, s.Normalized)
	}

	// Below the mean is not anomalous.
	low := scoreZ(series, 2, 7)
	if low.Normalized != 0 {
		t.Errorf("below-mean normalized = %v, want 0", low.Normalized)
	}

	// Insufficient history.
	if s := scoreZ(series[:6], 30, 7); s.Valid {
		t.Error("z-score valid with 6 days of history")
	}

	// Flat history has zero variance.
	if s := scoreZ([]float64{5, 5, 5, 5, 5, 5, 5}, 30, 7); s.Valid {
		t.Error("z-score valid on zero-variance history")
	}
}

func TestScoreCUSUM(t *testing.T) {
	baseline := []float64{10, 11, 9, 10, 10, 11, 9, 10, 10, 10}

	spike := scoreCUSUM(baseline, 20, 0.5, 5)
	if !spike.Valid || spike.Normalized <= 0 {
		t.Fatalf("spike = %+v, want valid positive", spike)
	}

	// A day at the mean accumulates nothing beyond the drift allowance.
	calm := scoreCUSUM(baseline, 10, 0.5, 5)
	if !calm.Valid || calm.Normalized >= spike.Normalized {
		t.Errorf("calm normalized = %v, want below spike %v", calm.Normalized, spike.Normalized)
	}

	if s := scoreCUSUM(baseline[:4], 20, 0.5, 5); s.Valid {
		t.Error("cusum valid with 4 days of history")
	}
	if s := scoreCUSUM([]float64{7, 7, 7, 7, 7}, 20, 0.5, 5); s.Valid {
		t.Error("cusum valid on zero-variance history")
	}
}

func TestScoreEWMA(t *testing.T) {
	series := []float64{10, 10, 12, 11, 10, 9, 11}
	s := scoreEWMA(series, 25, 0.3, 3)
	if !s.Valid || s.Normalized <= 0 {
		t.Errorf("ewma = %+v, want valid positive for a spike", s)
	}
	if s := scoreEWMA(series[:2], 25, 0.3, 3); s.Valid {
		t.Error("ewma valid with 2 days of history")
	}
}

func TestScoreForecastResidual_WeekdaySeasonality(t *testing.T) {
	end := day("2026-03-16") // A Monday
	// Two weeks where Mondays are routinely high (40) and other days low (10).
	counts := make([]int, 14)
	for i := range counts {
		d := end.AddDate(0, 0, i-14)
		if d.Weekday() == time.Monday {
			counts[i] = 40
		} else {
			counts[i] = 10
		}
	}
	history := historyCells(end, counts...)

	// A 40-event Monday matches the seasonal expectation.
	monday := &outbreak.MetricCell{LocationID: "loc", Day: end, HospitalEvents: 40}
	s := scoreForecastResidual(history, monday, 5)
	if !s.Valid {
		t.Fatal("forecast residual invalid with 14 days of history")
	}
	if s.Normalized > 0.05 {
		t.Errorf("seasonal Monday normalized = %v, want near 0", s.Normalized)
	}

	// The same count on a Tuesday is a real deviation.
	tuesday := &outbreak.MetricCell{LocationID: "loc", Day: end.AddDate(0, 0, 1), HospitalEvents: 40}
	s2 := scoreForecastResidual(history, tuesday, 5)
	if !s2.Valid || s2.Normalized <= s.Normalized {
		t.Errorf("off-season spike normalized = %v, want above %v", s2.Normalized, s.Normalized)
	}
}

func TestScoreExternalModel(t *testing.T) {
	cell := &outbreak.MetricCell{
		ModelScores: map[string]float64{"isolation_forest": 0.75},
	}
	s := scoreExternalModel(cell, outbreak.DetectorIsolationForest)
	if !s.Valid || s.Normalized != 0.75 {
		t.Errorf("model adapter = %+v, want valid 0.75", s)
	}
	if s := scoreExternalModel(cell, outbreak.DetectorLSTMAutoencoder); s.Valid {
		t.Error("missing model score reported valid")
	}

	for _, bad := range []float64{-0.1, 1.5, math.NaN()} {
		cell.ModelScores["isolation_forest"] = bad
		if s := scoreExternalModel(cell, outbreak.DetectorIsolationForest); s.Valid {
			t.Errorf("out-of-range model score %v reported valid", bad)
		}
	}
}

func TestScoreCell_Baseline(t *testing.T) {
	end := day("2026-03-10")
	history := historyCells(end, 10, 10, 10, 10, 10, 10, 10)
	cell := &outbreak.MetricCell{
		LocationID:     "loc",
		Day:            end,
		HospitalEvents: 50,
		Sources:        outbreak.SourceFlags{Hospital: true},
	}

	scores, baseline := scoreCell(cell, history, DefaultConfig())
	if baseline.Days != 7 {
		t.Errorf("baseline days = %d, want 7", baseline.Days)
	}
	if baseline.HospitalMean != 10 {
		t.Errorf("hospital mean = %v, want 10", baseline.HospitalMean)
	}
	if len(scores) != len(outbreak.Detectors()) {
		t.Errorf("score vector has %d entries, want %d", len(scores), len(outbreak.Detectors()))
	}
}
