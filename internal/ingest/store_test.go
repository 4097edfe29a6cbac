package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/epiwatch/epiwatch/internal/store"
	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

func testStore(t *testing.T) *CellStore {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.Migrate(context.Background(), "ingest", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewCellStore(st.DB())
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func sampleCell(locationID string, d time.Time) *outbreak.MetricCell {
	return &outbreak.MetricCell{
		LocationID:     locationID,
		Day:            d,
		HospitalEvents: 12,
		SymptomCounts:  map[string]int{"fever": 8, "cough": 4},
		SocialMentions: 30,
		KeywordCounts:  map[string]int{"outbreak": 5},
		EnvRiskIndex:   6.5,
		Env: outbreak.EnvReadings{
			MosquitoIndex: 7.2,
			RainfallMM:    120,
			Humidity:      85,
			TemperatureC:  29,
			DataPoints:    24,
		},
		Sources: outbreak.SourceFlags{Hospital: true, Social: true, Environment: true},
		ModelScores: map[string]float64{
			"isolation_forest": 0.8,
			"lstm_autoencoder": 0.7,
		},
		IngestedAt: time.Now().UTC(),
	}
}

func TestUpsertAndGetCell(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	want := sampleCell("district-7", day("2026-03-10"))
	if err := s.UpsertCell(ctx, want); err != nil {
		t.Fatalf("UpsertCell: %v", err)
	}

	got, err := s.GetCell(ctx, "district-7", day("2026-03-10"))
	if err != nil {
		t.Fatalf("GetCell: %v", err)
	}
	if got == nil {
		t.Fatal("GetCell returned nil for stored cell")
	}
	if got.HospitalEvents != 12 || got.SocialMentions != 30 {
		t.Errorf("counts = %d/%d, want 12/30", got.HospitalEvents, got.SocialMentions)
	}
	if got.SymptomCounts["fever"] != 8 {
		t.Errorf("symptom fever = %d, want 8", got.SymptomCounts["fever"])
	}
	if got.ModelScores["isolation_forest"] != 0.8 {
		t.Errorf("model score = %v, want 0.8", got.ModelScores["isolation_forest"])
	}
	if !got.Sources.Hospital || !got.Sources.Social || !got.Sources.Environment {
		t.Errorf("source flags = %+v, want all true", got.Sources)
	}
}

func TestUpsertCell_ReplacesExisting(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := sampleCell("district-7", day("2026-03-10"))
	if err := s.UpsertCell(ctx, c); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	c.HospitalEvents = 40
	if err := s.UpsertCell(ctx, c); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetCell(ctx, "district-7", day("2026-03-10"))
	if err != nil {
		t.Fatalf("GetCell: %v", err)
	}
	if got.HospitalEvents != 40 {
		t.Errorf("hospital events after replace = %d, want 40", got.HospitalEvents)
	}
}

func TestPendingCells_Watermark(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	early := sampleCell("a", day("2026-03-01"))
	early.IngestedAt = day("2026-03-01").Add(8 * time.Hour)
	late := sampleCell("b", day("2026-03-02"))
	late.IngestedAt = day("2026-03-02").Add(8 * time.Hour)

	for _, c := range []*outbreak.MetricCell{early, late} {
		if err := s.UpsertCell(ctx, c); err != nil {
			t.Fatalf("UpsertCell: %v", err)
		}
	}

	pending, err := s.PendingCells(ctx, early.IngestedAt)
	if err != nil {
		t.Fatalf("PendingCells: %v", err)
	}
	if len(pending) != 1 || pending[0].LocationID != "b" {
		t.Errorf("pending = %v, want only location b", pending)
	}
}

func TestHistory_OrderAndBound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		c := sampleCell("loc", day("2026-03-01").AddDate(0, 0, i))
		c.HospitalEvents = i
		if err := s.UpsertCell(ctx, c); err != nil {
			t.Fatalf("UpsertCell day %d: %v", i, err)
		}
	}

	// History before 2026-03-09 limited to 5 days: days 4..8, oldest first.
	hist, err := s.History(ctx, "loc", day("2026-03-09"), 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 5 {
		t.Fatalf("history length = %d, want 5", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if !hist[i-1].Day.Before(hist[i].Day) {
			t.Errorf("history not oldest-first at index %d", i)
		}
	}
	if !hist[len(hist)-1].Day.Before(day("2026-03-09")) {
		t.Error("history includes the boundary day")
	}
}

func TestPruneBefore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := sampleCell("loc", day("2025-01-01"))
	fresh := sampleCell("loc", day("2026-03-01"))
	for _, c := range []*outbreak.MetricCell{old, fresh} {
		if err := s.UpsertCell(ctx, c); err != nil {
			t.Fatalf("UpsertCell: %v", err)
		}
	}

	removed, err := s.PruneBefore(ctx, day("2026-01-01"))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	got, err := s.GetCell(ctx, "loc", day("2026-03-01"))
	if err != nil || got == nil {
		t.Errorf("fresh cell missing after prune: %v %v", got, err)
	}
}

func TestNormalizeCell(t *testing.T) {
	now := time.Now().UTC()

	c := &outbreak.MetricCell{
		LocationID:     "loc",
		Day:            now.Add(-26 * time.Hour),
		HospitalEvents: 3,
		EnvRiskIndex:   14, // Above the 0-10 range
		ModelScores:    map[string]float64{"lstm_autoencoder": 1.7},
	}
	if err := normalizeCell(c, now); err != nil {
		t.Fatalf("normalizeCell: %v", err)
	}
	if h, m, sec := c.Day.Clock(); h != 0 || m != 0 || sec != 0 {
		t.Errorf("day not bucketed to midnight: %v", c.Day)
	}
	if c.EnvRiskIndex != 10 {
		t.Errorf("env risk index = %v, want clipped to 10", c.EnvRiskIndex)
	}
	if c.ModelScores["lstm_autoencoder"] != 1 {
		t.Errorf("model score = %v, want clipped to 1", c.ModelScores["lstm_autoencoder"])
	}
	if !c.Sources.Hospital || c.Sources.Social {
		t.Errorf("derived flags = %+v, want hospital only", c.Sources)
	}

	// Future days are rejected.
	future := &outbreak.MetricCell{LocationID: "loc", Day: now.Add(48 * time.Hour)}
	if err := normalizeCell(future, now); err == nil {
		t.Error("future day accepted")
	}

	// Missing location is rejected.
	if err := normalizeCell(&outbreak.MetricCell{Day: now}, now); err == nil {
		t.Error("missing location accepted")
	}
}
