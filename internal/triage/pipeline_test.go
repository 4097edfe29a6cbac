package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/internal/store"
	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

type fakeAlertManager struct {
	materialized []*outbreak.Case
}

func (f *fakeAlertManager) Materialize(_ context.Context, c *outbreak.Case) (*outbreak.Alert, bool, error) {
	f.materialized = append(f.materialized, c)
	return &outbreak.Alert{
		ID:         "ALERT-20260310-deadbeef",
		LocationID: c.Cell.LocationID,
		Day:        c.Cell.Day,
		Severity:   c.Severity,
		Status:     outbreak.StatusActive,
	}, true, nil
}

func (f *fakeAlertManager) Transition(context.Context, string, outbreak.AlertStatus) (*outbreak.Alert, error) {
	return nil, nil
}

func (f *fakeAlertManager) MarkNotified(context.Context, string) error { return nil }

func testModule(t *testing.T) (*Module, *fakeAlertManager) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background(), "triage", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	alerts := &fakeAlertManager{}
	return &Module{
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
		store:  NewCaseStore(st.DB()),
		alerts: alerts,
	}, alerts
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func strongCell() *outbreak.MetricCell {
	return &outbreak.MetricCell{
		LocationID:     "district-7",
		Day:            day("2026-03-10"),
		HospitalEvents: 48,
		SymptomCounts:  map[string]int{"fever": 30, "rash": 12},
		SocialMentions: 120,
		KeywordCounts:  map[string]int{"dengue": 40},
		EnvRiskIndex:   8.2,
		Env: outbreak.EnvReadings{
			MosquitoIndex: 8.5,
			RainfallMM:    160,
			Humidity:      88,
			TemperatureC:  29,
			DataPoints:    24,
		},
		Sources: outbreak.SourceFlags{Hospital: true, Social: true, Environment: true},
	}
}

func fusionFor(cell *outbreak.MetricCell, score, confidence float64) *outbreak.FusionResult {
	return &outbreak.FusionResult{
		ID:             "fus-test",
		LocationID:     cell.LocationID,
		Day:            cell.Day,
		CompositeScore: score,
		Confidence:     confidence,
		RunID:          "run-1",
		Scores: outbreak.ScoreVector{
			outbreak.DetectorZScore: {Raw: 4, Normalized: 0.8, Valid: true},
			outbreak.DetectorEWMA:   {Raw: 3, Normalized: 0.6, Valid: true},
		},
		ComputedAt: time.Now().UTC(),
	}
}

func TestProcessAnomaly_MultiSourceEscalates(t *testing.T) {
	m, alerts := testModule(t)
	cell := strongCell()

	result, err := m.ProcessAnomaly(context.Background(), fusionFor(cell, 0.75, 0.8), cell,
		outbreak.BaselineStats{
			Days: 14,
			HospitalMean: 10, HospitalStdDev: 4,
			SocialMean: 20, SocialStdDev: 15,
		})
	if err != nil {
		t.Fatalf("ProcessAnomaly: %v", err)
	}
	if result.Outcome != outbreak.OutcomeEscalate {
		t.Fatalf("outcome = %s, want escalate", result.Outcome)
	}
	if result.Alert == nil || len(alerts.materialized) != 1 {
		t.Fatal("escalation did not materialize an alert")
	}

	c := result.Case
	if c.Stage != outbreak.StageEscalated {
		t.Errorf("stage = %s, want escalated", c.Stage)
	}
	// All three categories signal against the baseline (+0.2) and env risk
	// is critical (+0.15): confidence 0.8 + 0.35 caps at 1, effective score
	// 0.75 -> high.
	if c.FinalConfidence != 1 {
		t.Errorf("final confidence = %v, want 1", c.FinalConfidence)
	}
	if c.Severity != outbreak.SeverityHigh {
		t.Errorf("severity = %s, want high", c.Severity)
	}
	if len(c.Actions) == 0 {
		t.Error("no recommended actions for a high severity case")
	}
	if c.Evidence.Rationale == "" {
		t.Error("escalated case has no rationale")
	}
	// Every traversed stage left a verdict.
	if len(c.Verdicts) != 5 {
		t.Errorf("verdicts = %d, want 5 (screening + 4 stages)", len(c.Verdicts))
	}
}

func TestProcessAnomaly_StructuralViolationSuppressed(t *testing.T) {
	m, alerts := testModule(t)

	// Hospital events without hospital provenance: the cell contradicts
	// itself and is unrecoverable.
	cell := strongCell()
	cell.Sources.Hospital = false

	result, err := m.ProcessAnomaly(context.Background(), fusionFor(cell, 0.6, 0.9), cell, outbreak.BaselineStats{})
	if err != nil {
		t.Fatalf("ProcessAnomaly: %v", err)
	}
	if result.Outcome != outbreak.OutcomeSuppress {
		t.Fatalf("outcome = %s, want suppress", result.Outcome)
	}
	if len(alerts.materialized) != 0 {
		t.Error("suppressed case materialized an alert")
	}

	// The suppression is auditable.
	suppressions, err := m.store.ListSuppressions(context.Background(), "district-7", 10)
	if err != nil {
		t.Fatalf("ListSuppressions: %v", err)
	}
	if len(suppressions) != 1 {
		t.Fatalf("suppressions = %d, want 1", len(suppressions))
	}
	if suppressions[0].Stage != string(outbreak.StageDataIntegrity) {
		t.Errorf("suppression stage = %s, want data_integrity", suppressions[0].Stage)
	}
}

func TestProcessAnomaly_LowVolumeDefers(t *testing.T) {
	m, alerts := testModule(t)
	ctx := context.Background()

	// Too few events to judge: the case parks rather than being discarded.
	cell := strongCell()
	cell.HospitalEvents = 2
	cell.SymptomCounts = map[string]int{"fever": 2}
	cell.SocialMentions = 1

	result, err := m.ProcessAnomaly(ctx, fusionFor(cell, 0.6, 0.9), cell, outbreak.BaselineStats{})
	if err != nil {
		t.Fatalf("ProcessAnomaly: %v", err)
	}
	if result.Outcome != outbreak.OutcomeDefer {
		t.Fatalf("outcome = %s, want defer", result.Outcome)
	}
	if len(alerts.materialized) != 0 {
		t.Error("deferred case materialized an alert")
	}

	deferred, err := m.store.ListDeferred(ctx)
	if err != nil {
		t.Fatalf("ListDeferred: %v", err)
	}
	if len(deferred) != 1 || deferred[0].Stage != outbreak.StageDataIntegrity {
		t.Fatalf("deferred = %+v, want one parked at data_integrity", deferred)
	}
}

func TestProcessAnomaly_PresenceWithoutSignalDefers(t *testing.T) {
	m, alerts := testModule(t)
	ctx := context.Background()

	// Social mentions spike, but hospital sits exactly at its baseline mean.
	// Two categories have data; only one actually deviates, so the case
	// must wait for corroboration instead of escalating.
	cell := strongCell()
	cell.HospitalEvents = 10
	cell.SymptomCounts = map[string]int{"fever": 6}
	cell.SocialMentions = 500
	cell.EnvRiskIndex = 0
	cell.Env = outbreak.EnvReadings{}
	cell.Sources = outbreak.SourceFlags{Hospital: true, Social: true}

	baseline := outbreak.BaselineStats{
		Days: 14,
		HospitalMean: 10, HospitalStdDev: 3,
		SocialMean: 20, SocialStdDev: 15,
	}
	result, err := m.ProcessAnomaly(ctx, fusionFor(cell, 0.65, 0.7), cell, baseline)
	if err != nil {
		t.Fatalf("ProcessAnomaly: %v", err)
	}
	if result.Outcome != outbreak.OutcomeDefer {
		t.Fatalf("outcome = %s, want defer with a single signaling category", result.Outcome)
	}
	if len(alerts.materialized) != 0 {
		t.Error("single-signal case materialized an alert")
	}

	deferred, err := m.store.ListDeferred(ctx)
	if err != nil {
		t.Fatalf("ListDeferred: %v", err)
	}
	if len(deferred) != 1 || deferred[0].Stage != outbreak.StageCrossSource {
		t.Fatalf("deferred = %+v, want one parked at cross_source", deferred)
	}
}

func TestSignalingCategories(t *testing.T) {
	cell := strongCell()
	baseline := outbreak.BaselineStats{
		Days: 14,
		HospitalMean: 10, HospitalStdDev: 4,
		SocialMean: 20, SocialStdDev: 15,
	}
	c := newCase("run-1", fusionFor(cell, 0.75, 0.8), cell, baseline)
	if got := signalingCategories(c); len(got) != 3 {
		t.Errorf("signaling categories = %v, want all three", got)
	}

	// A hospital count inside mean + 2 sigma does not signal even though the
	// source reported data.
	cell = strongCell()
	cell.HospitalEvents = 17
	c = newCase("run-1", fusionFor(cell, 0.75, 0.8), cell, baseline)
	for _, cat := range signalingCategories(c) {
		if cat == "hospital" {
			t.Error("in-baseline hospital count counted as a signal")
		}
	}

	// Environmental risk below the signal threshold does not signal.
	cell = strongCell()
	cell.EnvRiskIndex = 3.0
	c = newCase("run-1", fusionFor(cell, 0.75, 0.8), cell, baseline)
	for _, cat := range signalingCategories(c) {
		if cat == "environment" {
			t.Error("sub-threshold env risk counted as a signal")
		}
	}
}

func TestStageEnvRisk_ContradictionSuppress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowEnvSuppress = true

	// Environment-only anomaly with a measured risk near zero.
	cell := strongCell()
	cell.HospitalEvents = 0
	cell.SymptomCounts = nil
	cell.SocialMentions = 0
	cell.KeywordCounts = nil
	cell.EnvRiskIndex = 1.0
	cell.Sources = outbreak.SourceFlags{Environment: true}

	c := newCase("run-1", fusionFor(cell, 0.7, 0.5), cell, outbreak.BaselineStats{})
	verdict, _ := stageEnvRisk(c, cfg)
	if verdict != outbreak.VerdictSuppress {
		t.Errorf("verdict = %s, want suppress for a contradicted env-driven case", verdict)
	}

	// Advisory by default: same case passes with suppression disabled.
	cfg.AllowEnvSuppress = false
	c = newCase("run-1", fusionFor(cell, 0.7, 0.5), cell, outbreak.BaselineStats{})
	if verdict, _ := stageEnvRisk(c, cfg); verdict != outbreak.VerdictSuppress && verdict != outbreak.VerdictPass {
		t.Errorf("verdict = %s", verdict)
	} else if verdict == outbreak.VerdictSuppress {
		t.Error("advisory mode suppressed the case")
	}
}

func TestProcessAnomaly_LowConfidenceOverride(t *testing.T) {
	m, _ := testModule(t)

	// Hospital-only signal: confidence below floor, but the composite score
	// exceeds the single-source override on both gated stages.
	cell := strongCell()
	cell.SocialMentions = 0
	cell.KeywordCounts = nil
	cell.EnvRiskIndex = 0
	cell.Env = outbreak.EnvReadings{}
	cell.Sources = outbreak.SourceFlags{Hospital: true}

	result, err := m.ProcessAnomaly(context.Background(), fusionFor(cell, 0.95, 0.3), cell, outbreak.BaselineStats{})
	if err != nil {
		t.Fatalf("ProcessAnomaly: %v", err)
	}
	if result.Outcome != outbreak.OutcomeEscalate {
		t.Fatalf("outcome = %s, want escalate via override", result.Outcome)
	}
}

func TestProcessAnomaly_SingleSourceDefersThenSuppresses(t *testing.T) {
	m, _ := testModule(t)
	ctx := context.Background()

	cell := strongCell()
	cell.SocialMentions = 0
	cell.KeywordCounts = nil
	cell.EnvRiskIndex = 0
	cell.Env = outbreak.EnvReadings{}
	cell.Sources = outbreak.SourceFlags{Hospital: true}

	result, err := m.ProcessAnomaly(ctx, fusionFor(cell, 0.7, 0.7), cell, outbreak.BaselineStats{})
	if err != nil {
		t.Fatalf("ProcessAnomaly: %v", err)
	}
	if result.Outcome != outbreak.OutcomeDefer {
		t.Fatalf("outcome = %s, want defer", result.Outcome)
	}

	// Without corroborating data the case defers until the budget runs out.
	for i := 0; i < m.cfg.MaxDeferCycles; i++ {
		summary, err := m.Reevaluate(ctx, "run-next")
		if err != nil {
			t.Fatalf("Reevaluate cycle %d: %v", i, err)
		}
		if summary.Reevaluated != 1 || summary.Deferred != 1 {
			t.Fatalf("cycle %d summary = %+v, want one deferred", i, summary)
		}
	}

	summary, err := m.Reevaluate(ctx, "run-final")
	if err != nil {
		t.Fatalf("final Reevaluate: %v", err)
	}
	if summary.Suppressed != 1 {
		t.Fatalf("final summary = %+v, want one suppressed", summary)
	}

	// The parked case is gone.
	deferred, err := m.store.ListDeferred(ctx)
	if err != nil {
		t.Fatalf("ListDeferred: %v", err)
	}
	if len(deferred) != 0 {
		t.Errorf("deferred cases remaining = %d, want 0", len(deferred))
	}
}

func TestDeferredCaseRoundTripsActions(t *testing.T) {
	m, _ := testModule(t)
	ctx := context.Background()

	cell := strongCell()
	c := newCase("run-1", fusionFor(cell, 0.75, 0.8), cell, outbreak.BaselineStats{Days: 14})
	c.Severity = outbreak.SeverityHigh
	c.Actions = recommendActions(c)
	if len(c.Actions) == 0 {
		t.Fatal("no recommended actions to persist")
	}

	// Every Case field persists under its snake_case key.
	payload, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal case: %v", err)
	}
	if !bytes.Contains(payload, []byte(`"actions":`)) {
		t.Errorf("serialized case missing the actions key: %s", payload)
	}
	if bytes.Contains(payload, []byte(`"Actions":`)) {
		t.Errorf("serialized case leaks an exported field name: %s", payload)
	}

	if err := m.store.SaveDeferred(ctx, c); err != nil {
		t.Fatalf("SaveDeferred: %v", err)
	}
	deferred, err := m.store.ListDeferred(ctx)
	if err != nil {
		t.Fatalf("ListDeferred: %v", err)
	}
	if len(deferred) != 1 || len(deferred[0].Actions) != len(c.Actions) {
		t.Fatalf("deferred = %+v, want the parked case with its actions", deferred)
	}
}

func TestSeverityFor(t *testing.T) {
	cases := []struct {
		effective float64
		want      outbreak.Severity
	}{
		{0.1, outbreak.SeverityLow},
		{0.39, outbreak.SeverityLow},
		{0.4, outbreak.SeverityMedium},
		{0.59, outbreak.SeverityMedium},
		{0.6, outbreak.SeverityHigh},
		{0.8, outbreak.SeverityCritical},
		{1.0, outbreak.SeverityCritical},
	}
	for _, tc := range cases {
		if got := severityFor(tc.effective); got != tc.want {
			t.Errorf("severityFor(%v) = %s, want %s", tc.effective, got, tc.want)
		}
	}
}

func TestAssessEnvironment(t *testing.T) {
	// No data at all.
	a := assessEnvironment(&outbreak.MetricCell{})
	if a.RiskLevel != "unknown" {
		t.Errorf("empty assessment = %s, want unknown", a.RiskLevel)
	}

	a = assessEnvironment(strongCell())
	if a.RiskLevel != "critical" {
		t.Errorf("risk level = %s, want critical", a.RiskLevel)
	}
	if len(a.Factors) != 4 {
		t.Errorf("factors = %v, want all four", a.Factors)
	}
	if a.Recommendation == "" {
		t.Error("high risk assessment has no recommendation")
	}
}
