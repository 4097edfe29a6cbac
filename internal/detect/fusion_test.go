package detect

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/epiwatch/epiwatch/internal/store"
	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

func fullScores() outbreak.ScoreVector {
	v := outbreak.ScoreVector{}
	for _, id := range outbreak.Detectors() {
		v[id] = outbreak.DetectorScore{Raw: 2, Normalized: 0.6, Valid: true}
	}
	return v
}

func allSourcesCell() *outbreak.MetricCell {
	return &outbreak.MetricCell{
		LocationID: "loc",
		Day:        day("2026-03-10"),
		Sources:    outbreak.SourceFlags{Hospital: true, Social: true, Environment: true},
	}
}

func TestFuse_WeightsSumToOne(t *testing.T) {
	nominal := DefaultConfig().weights()

	// Drop detectors one by one; redistributed weights must always sum to 1.
	scores := fullScores()
	for _, drop := range []outbreak.DetectorID{outbreak.DetectorLSTMAutoencoder, outbreak.DetectorZScore, outbreak.DetectorEWMA} {
		scores[drop] = outbreak.DetectorScore{}
		result := fuse(allSourcesCell(), scores, nominal, "run-1", time.Now())

		sum := 0.0
		for id, w := range result.Weights {
			if !scores[id].Valid {
				t.Errorf("invalid detector %s received weight %v", id, w)
			}
			sum += w
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("weights sum = %v after dropping %s, want 1", sum, drop)
		}
	}
}

func TestFuse_ZeroValidDetectors(t *testing.T) {
	scores := outbreak.ScoreVector{}
	for _, id := range outbreak.Detectors() {
		scores[id] = outbreak.DetectorScore{}
	}

	result := fuse(allSourcesCell(), scores, DefaultConfig().weights(), "run-1", time.Now())
	if result.CompositeScore != 0 || result.Confidence != 0 {
		t.Errorf("zero-valid fusion = score %v confidence %v, want 0/0", result.CompositeScore, result.Confidence)
	}
	if len(result.Weights) != 0 {
		t.Errorf("zero-valid fusion assigned weights: %v", result.Weights)
	}
}

func TestFuse_Confidence(t *testing.T) {
	nominal := DefaultConfig().weights()

	// All 6 detectors, all 3 sources: full confidence.
	result := fuse(allSourcesCell(), fullScores(), nominal, "run-1", time.Now())
	if math.Abs(result.Confidence-1) > 1e-9 {
		t.Errorf("full coverage confidence = %v, want 1", result.Confidence)
	}

	// 3 of 6 detectors, 1 of 3 sources: (3/6)*(1/3) = 1/6.
	scores := fullScores()
	scores[outbreak.DetectorZScore] = outbreak.DetectorScore{}
	scores[outbreak.DetectorCUSUM] = outbreak.DetectorScore{}
	scores[outbreak.DetectorEWMA] = outbreak.DetectorScore{}
	cell := allSourcesCell()
	cell.Sources = outbreak.SourceFlags{Hospital: true}

	result = fuse(cell, scores, nominal, "run-1", time.Now())
	if math.Abs(result.Confidence-1.0/6) > 1e-9 {
		t.Errorf("partial coverage confidence = %v, want 1/6", result.Confidence)
	}
}

func TestFuse_CompositeIsWeightedMean(t *testing.T) {
	nominal := DefaultConfig().weights()

	// Uniform normalized scores fuse to that same score.
	result := fuse(allSourcesCell(), fullScores(), nominal, "run-1", time.Now())
	if math.Abs(result.CompositeScore-0.6) > 1e-9 {
		t.Errorf("composite = %v, want 0.6", result.CompositeScore)
	}
}

func TestContentID_Deterministic(t *testing.T) {
	nominal := DefaultConfig().weights()
	cell := allSourcesCell()
	scores := fullScores()

	a := fuse(cell, scores, nominal, "run-1", time.Now())
	b := fuse(cell, scores, nominal, "run-2", time.Now().Add(time.Hour))
	if a.ID != b.ID {
		t.Errorf("same input produced different IDs: %s vs %s", a.ID, b.ID)
	}

	changed := fullScores()
	changed[outbreak.DetectorZScore] = outbreak.DetectorScore{Raw: 3, Normalized: 0.7, Valid: true}
	c := fuse(cell, changed, nominal, "run-1", time.Now())
	if c.ID == a.ID {
		t.Error("changed scores produced the same ID")
	}
}

func TestCheckFusion(t *testing.T) {
	nominal := DefaultConfig().weights()
	res := fuse(allSourcesCell(), fullScores(), nominal, "run-1", time.Now())
	if err := checkFusion(res); err != nil {
		t.Fatalf("checkFusion on a valid result: %v", err)
	}

	broken := fuse(allSourcesCell(), fullScores(), nominal, "run-1", time.Now())
	broken.Weights[outbreak.DetectorZScore] += 0.01
	if err := checkFusion(broken); err == nil {
		t.Error("drifted weights passed the contract check")
	}

	bad := fuse(allSourcesCell(), fullScores(), nominal, "run-1", time.Now())
	bad.Scores[outbreak.DetectorEWMA] = outbreak.DetectorScore{Raw: 2, Normalized: 1.2, Valid: true}
	if err := checkFusion(bad); err == nil {
		t.Error("out-of-range normalized score passed the contract check")
	}
}

func testRunStore(t *testing.T) *RunStore {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background(), "detect", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewRunStore(st.DB())
}

func TestRunStore_ResultUpsertIdempotent(t *testing.T) {
	s := testRunStore(t)
	ctx := context.Background()

	result := fuse(allSourcesCell(), fullScores(), DefaultConfig().weights(), "run-1", time.Now().UTC())
	if err := s.UpsertResult(ctx, result); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// Re-running the same input replaces the row instead of duplicating it.
	result.RunID = "run-2"
	if err := s.UpsertResult(ctx, result); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	results, err := s.ListResults(ctx, "loc", 0, 10)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].RunID != "run-2" {
		t.Errorf("run_id = %s, want run-2", results[0].RunID)
	}
	if results[0].Scores[outbreak.DetectorZScore].Normalized != 0.6 {
		t.Errorf("scores not round-tripped: %+v", results[0].Scores)
	}
}

func TestRunStore_Watermark(t *testing.T) {
	s := testRunStore(t)
	ctx := context.Background()

	w, err := s.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !w.IsZero() {
		t.Errorf("empty watermark = %v, want zero", w)
	}

	started := time.Now().UTC().Truncate(time.Second)
	ok := &outbreak.RunStatus{ID: "run-ok", Trigger: "manual", StartedAt: started}
	if err := s.InsertRun(ctx, ok); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	finished := started.Add(time.Minute)
	ok.FinishedAt = &finished
	ok.Success = true
	if err := s.FinishRun(ctx, ok); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	// Failed runs do not advance the watermark.
	bad := &outbreak.RunStatus{ID: "run-bad", Trigger: "manual", StartedAt: started.Add(time.Hour)}
	if err := s.InsertRun(ctx, bad); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	badEnd := started.Add(2 * time.Hour)
	bad.FinishedAt = &badEnd
	bad.Error = "boom"
	if err := s.FinishRun(ctx, bad); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	w, err = s.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !w.Equal(started) {
		t.Errorf("watermark = %v, want %v", w, started)
	}
}
