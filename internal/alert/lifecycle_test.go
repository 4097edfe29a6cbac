package alert

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/internal/store"
	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background(), "alert", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewManager(DefaultConfig(), NewAlertStore(st.DB()), nil, zap.NewNop())
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func escalatedCase(locationID string, d time.Time, score float64, severity outbreak.Severity) *outbreak.Case {
	return &outbreak.Case{
		RunID: "run-1",
		Cell: &outbreak.MetricCell{
			LocationID:     locationID,
			Day:            d,
			HospitalEvents: 30,
			Sources:        outbreak.SourceFlags{Hospital: true, Social: true},
		},
		Fusion: &outbreak.FusionResult{
			ID:             "fus-abc",
			LocationID:     locationID,
			Day:            d,
			CompositeScore: score,
			Confidence:     0.8,
		},
		Evidence: outbreak.Evidence{
			Hospital: outbreak.HospitalEvidence{HasData: true, TotalEvents: 30},
		},
		FinalConfidence: 0.9,
		Severity:        severity,
		Outcome:         outbreak.OutcomeEscalate,
	}
}

func TestMaterialize_CreatesAlert(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	a, created, err := m.Materialize(ctx, escalatedCase("loc", day("2026-03-10"), 0.7, outbreak.SeverityHigh))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !created {
		t.Fatal("first escalation did not create an alert")
	}
	if !strings.HasPrefix(a.ID, "ALERT-") {
		t.Errorf("alert ID = %s, want ALERT- prefix", a.ID)
	}
	if a.Status != outbreak.StatusActive || a.Notified {
		t.Errorf("new alert status=%s notified=%v, want active/false", a.Status, a.Notified)
	}
}

func TestMaterialize_DedupWithinWindow(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	first, _, err := m.Materialize(ctx, escalatedCase("loc", day("2026-03-10"), 0.7, outbreak.SeverityMedium))
	if err != nil {
		t.Fatalf("first Materialize: %v", err)
	}

	// Next day, same location: merged, not duplicated.
	second, created, err := m.Materialize(ctx, escalatedCase("loc", day("2026-03-11"), 0.6, outbreak.SeverityMedium))
	if err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
	if created {
		t.Fatal("overlapping escalation created a duplicate alert")
	}
	if second.ID != first.ID {
		t.Errorf("merged into %s, want %s", second.ID, first.ID)
	}
	// Scores ratchet to the max.
	if second.AnomalyScore != 0.7 {
		t.Errorf("anomaly score = %v, want 0.7", second.AnomalyScore)
	}

	// A different location is independent.
	_, created, err = m.Materialize(ctx, escalatedCase("other", day("2026-03-11"), 0.6, outbreak.SeverityMedium))
	if err != nil {
		t.Fatalf("other-location Materialize: %v", err)
	}
	if !created {
		t.Error("different location merged into an unrelated alert")
	}
}

func TestMaterialize_SeverityRaiseRearmsNotification(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	a, _, err := m.Materialize(ctx, escalatedCase("loc", day("2026-03-10"), 0.5, outbreak.SeverityMedium))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if err := m.MarkNotified(ctx, a.ID); err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}

	merged, created, err := m.Materialize(ctx, escalatedCase("loc", day("2026-03-10"), 0.9, outbreak.SeverityCritical))
	if err != nil {
		t.Fatalf("merge Materialize: %v", err)
	}
	if created {
		t.Fatal("severity raise created a new alert")
	}
	if merged.Severity != outbreak.SeverityCritical {
		t.Errorf("severity = %s, want critical", merged.Severity)
	}
	if merged.Notified {
		t.Error("severity raise did not re-arm notification")
	}

	// Lower severity later never downgrades.
	merged, _, err = m.Materialize(ctx, escalatedCase("loc", day("2026-03-10"), 0.5, outbreak.SeverityLow))
	if err != nil {
		t.Fatalf("downgrade Materialize: %v", err)
	}
	if merged.Severity != outbreak.SeverityCritical {
		t.Errorf("severity after low merge = %s, want critical", merged.Severity)
	}
}

func TestMaterialize_ResolvedAlertDoesNotAbsorb(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	a, _, err := m.Materialize(ctx, escalatedCase("loc", day("2026-03-10"), 0.7, outbreak.SeverityHigh))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := m.Transition(ctx, a.ID, outbreak.StatusResolved); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// A fresh escalation in the same window opens a new alert.
	b, created, err := m.Materialize(ctx, escalatedCase("loc", day("2026-03-10"), 0.7, outbreak.SeverityHigh))
	if err != nil {
		t.Fatalf("Materialize after resolve: %v", err)
	}
	if !created || b.ID == a.ID {
		t.Errorf("resolved alert absorbed a new escalation (created=%v)", created)
	}
}

func TestTransition_StateMachine(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	a, _, err := m.Materialize(ctx, escalatedCase("loc", day("2026-03-10"), 0.7, outbreak.SeverityHigh))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	ack, err := m.Transition(ctx, a.ID, outbreak.StatusAcknowledged)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if ack.Status != outbreak.StatusAcknowledged || ack.AcknowledgedAt == nil {
		t.Errorf("acknowledge = %s/%v", ack.Status, ack.AcknowledgedAt)
	}

	// Acknowledged cannot go back to active.
	if _, err := m.Transition(ctx, a.ID, outbreak.StatusActive); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("acknowledged->active err = %v, want ErrInvalidTransition", err)
	}

	resolved, err := m.Transition(ctx, a.ID, outbreak.StatusResolved)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ResolvedAt == nil {
		t.Error("resolved alert has no resolved_at")
	}

	// Resolved is absorbing.
	for _, next := range []outbreak.AlertStatus{outbreak.StatusActive, outbreak.StatusAcknowledged} {
		if _, err := m.Transition(ctx, a.ID, next); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("resolved->%s err = %v, want ErrInvalidTransition", next, err)
		}
	}

	// Re-applying the current status is a no-op, not an error.
	if _, err := m.Transition(ctx, a.ID, outbreak.StatusResolved); err != nil {
		t.Errorf("resolved->resolved err = %v, want nil", err)
	}

	if _, err := m.Transition(ctx, "ALERT-00000000-missing", outbreak.StatusResolved); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing alert err = %v, want ErrNotFound", err)
	}
}

func TestMarkNotified_Idempotent(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	a, _, err := m.Materialize(ctx, escalatedCase("loc", day("2026-03-10"), 0.7, outbreak.SeverityHigh))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.MarkNotified(ctx, a.ID); err != nil {
			t.Fatalf("MarkNotified call %d: %v", i+1, err)
		}
	}
	got, err := m.store.GetByID(ctx, a.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v %v", got, err)
	}
	if !got.Notified {
		t.Error("alert not marked notified")
	}
}
