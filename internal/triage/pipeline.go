// Package triage runs escalated anomaly candidates through a staged
// validation pipeline: data integrity, cross-source verification,
// environmental risk enrichment, and escalation. Verdicts are deterministic;
// the optional LLM annotation is advisory narrative only.
package triage

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/pkg/llm"
	"github.com/epiwatch/epiwatch/pkg/outbreak"
	"github.com/epiwatch/epiwatch/pkg/plugin"
	"github.com/epiwatch/epiwatch/pkg/roles"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ roles.TriageProvider = (*Module)(nil)
)

var casesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "epiwatch_triage_cases_total",
	Help: "Triage case dispositions by outcome.",
}, []string{"outcome"})

// Module implements the triage plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	store  *CaseStore

	resolver plugin.PluginResolver
	alerts   roles.AlertManager
	ingest   roles.IngestProvider
	llm      llm.Provider
}

// New creates a new triage plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "triage",
		Version:      "0.1.0",
		Description:  "Staged validation pipeline for detected anomalies",
		Dependencies: []string{"alert"},
		Roles:        []string{roles.RoleTriage},
		Required:     true,
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal triage config: %w", err)
		}
	}

	if deps.Store == nil {
		return fmt.Errorf("triage requires a store")
	}
	if err := deps.Store.Migrate(context.Background(), "triage", migrations()); err != nil {
		return fmt.Errorf("triage migrations: %w", err)
	}
	m.store = NewCaseStore(deps.Store.DB())
	m.resolver = deps.Plugins

	m.logger.Info("triage module initialized",
		zap.Float64("min_confidence", m.cfg.MinConfidence),
		zap.Int("max_defer_cycles", m.cfg.MaxDeferCycles),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	alerts, ok := resolveRole[roles.AlertManager](m.resolver, roles.RoleAlerting)
	if !ok {
		return fmt.Errorf("no alert manager available")
	}
	m.alerts = alerts

	if ingest, ok := resolveRole[roles.IngestProvider](m.resolver, roles.RoleIngest); ok {
		m.ingest = ingest
	}
	if provider, ok := resolveRole[roles.LLMProvider](m.resolver, roles.RoleLLM); ok {
		m.llm = provider.Provider()
	} else {
		m.logger.Info("no LLM provider; rationales use the deterministic fallback")
	}

	m.logger.Info("triage module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("triage module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	if m.store == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "store not initialized"}
	}
	if m.alerts == nil {
		return plugin.HealthStatus{Status: "degraded", Message: "alert manager not resolved"}
	}
	return plugin.HealthStatus{Status: "healthy"}
}

// -- roles.TriageProvider --

// ProcessAnomaly implements roles.TriageProvider.
func (m *Module) ProcessAnomaly(ctx context.Context, fusion *outbreak.FusionResult, cell *outbreak.MetricCell, baseline outbreak.BaselineStats) (*roles.TriageResult, error) {
	c := newCase(fusion.RunID, fusion, cell, baseline)

	verdict, why := stageScreening(c, m.cfg)
	record(c, outbreak.StageScreening, verdict, why)
	if verdict == outbreak.VerdictSuppress {
		return m.suppress(ctx, c, outbreak.StageScreening, why)
	}

	return m.advance(ctx, c, 0)
}

// Reevaluate implements roles.TriageProvider. Parked cases get one more
// pass per run; the defer budget bounds how long a case can wait.
func (m *Module) Reevaluate(ctx context.Context, runID string) (*roles.DeferredSummary, error) {
	cases, err := m.store.ListDeferred(ctx)
	if err != nil {
		return nil, err
	}

	summary := &roles.DeferredSummary{}
	for i := range cases {
		c := &cases[i]
		summary.Reevaluated++
		c.RunID = runID
		c.DeferCycles++

		if c.DeferCycles > m.cfg.MaxDeferCycles {
			why := fmt.Sprintf("no corroboration after %d defer cycles", c.DeferCycles-1)
			record(c, c.Stage, outbreak.VerdictSuppress, why)
			if _, err := m.suppress(ctx, c, c.Stage, why); err != nil {
				m.logger.Warn("deferred case suppression failed", zap.Error(err))
			}
			if err := m.store.RemoveDeferred(ctx, c.Cell.LocationID, c.Cell.Day); err != nil {
				m.logger.Warn("deferred case removal failed", zap.Error(err))
			}
			summary.Suppressed++
			continue
		}

		m.refreshCell(ctx, c)

		// Resume at the stage that deferred, so a volume defer rechecks
		// integrity with the refreshed cell.
		result, err := m.advance(ctx, c, stageIndex(c.Stage))
		if err != nil {
			m.logger.Warn("deferred case re-evaluation failed",
				zap.String("location_id", c.Cell.LocationID), zap.Error(err))
			continue
		}
		switch result.Outcome {
		case outbreak.OutcomeEscalate:
			summary.Escalated++
		case outbreak.OutcomeSuppress:
			summary.Suppressed++
		case outbreak.OutcomeDefer:
			summary.Deferred++
		}
		if result.Outcome != outbreak.OutcomeDefer {
			if err := m.store.RemoveDeferred(ctx, c.Cell.LocationID, c.Cell.Day); err != nil {
				m.logger.Warn("deferred case removal failed", zap.Error(err))
			}
		}
	}
	return summary, nil
}

// advance runs the case through pipeline stages starting at the given
// index, returning its terminal disposition.
func (m *Module) advance(ctx context.Context, c *outbreak.Case, from int) (*roles.TriageResult, error) {
	stages := pipelineStages()
	for i := from; i < len(stages); i++ {
		c.Stage = stages[i].Stage
		verdict, why := stages[i].Fn(c, m.cfg)
		record(c, stages[i].Stage, verdict, why)

		switch verdict {
		case outbreak.VerdictSuppress:
			return m.suppress(ctx, c, stages[i].Stage, why)
		case outbreak.VerdictDefer:
			return m.defer_(ctx, c)
		}
	}
	return m.escalate(ctx, c)
}

func (m *Module) escalate(ctx context.Context, c *outbreak.Case) (*roles.TriageResult, error) {
	annotateRationale(ctx, m.llm, c, m.cfg.RationaleTimeout, m.logger)

	c.Stage = outbreak.StageEscalated
	c.Outcome = outbreak.OutcomeEscalate
	casesTotal.WithLabelValues(string(outbreak.OutcomeEscalate)).Inc()

	alert, created, err := m.alerts.Materialize(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("materialize alert: %w", err)
	}
	m.logger.Info("case escalated",
		zap.String("location_id", c.Cell.LocationID),
		zap.String("severity", string(c.Severity)),
		zap.String("alert_id", alert.ID),
		zap.Bool("new_alert", created),
	)
	return &roles.TriageResult{Outcome: outbreak.OutcomeEscalate, Case: c, Alert: alert}, nil
}

func (m *Module) suppress(ctx context.Context, c *outbreak.Case, stage outbreak.Stage, why string) (*roles.TriageResult, error) {
	c.Stage = outbreak.StageSuppressed
	c.Outcome = outbreak.OutcomeSuppress
	casesTotal.WithLabelValues(string(outbreak.OutcomeSuppress)).Inc()

	if err := m.store.RecordSuppression(ctx, c, stage, why); err != nil {
		return nil, err
	}
	m.logger.Debug("case suppressed",
		zap.String("location_id", c.Cell.LocationID),
		zap.String("stage", string(stage)),
		zap.String("rationale", why),
	)
	return &roles.TriageResult{Outcome: outbreak.OutcomeSuppress, Case: c}, nil
}

func (m *Module) defer_(ctx context.Context, c *outbreak.Case) (*roles.TriageResult, error) {
	c.Outcome = outbreak.OutcomeDefer
	casesTotal.WithLabelValues(string(outbreak.OutcomeDefer)).Inc()

	if err := m.store.SaveDeferred(ctx, c); err != nil {
		return nil, err
	}
	m.logger.Debug("case deferred",
		zap.String("location_id", c.Cell.LocationID),
		zap.Int("defer_cycles", c.DeferCycles),
	)
	return &roles.TriageResult{Outcome: outbreak.OutcomeDefer, Case: c}, nil
}

// refreshCell swaps in the latest stored cell for the case's (location,
// day) so corroborating data ingested since the defer is visible.
func (m *Module) refreshCell(ctx context.Context, c *outbreak.Case) {
	if m.ingest == nil {
		return
	}
	// History is bounded strictly before the given day, so the day after
	// the case's day yields at most the case's own cell.
	cells, err := m.ingest.History(ctx, c.Cell.LocationID, c.Cell.Day.AddDate(0, 0, 1), 1)
	if err != nil {
		m.logger.Warn("cell refresh failed", zap.Error(err))
		return
	}
	if len(cells) == 1 && cells[0].Day.Equal(c.Cell.Day) {
		c.Cell = &cells[0]
		c.Evidence = buildEvidence(c.Cell, c.Fusion)
	}
}

// stageIndex returns the pipeline index of a stage.
func stageIndex(stage outbreak.Stage) int {
	for i, s := range pipelineStages() {
		if s.Stage == stage {
			return i
		}
	}
	return 0
}

// resolveRole finds the first plugin filling a role that implements T.
func resolveRole[T any](resolver plugin.PluginResolver, role string) (T, bool) {
	var zero T
	if resolver == nil {
		return zero, false
	}
	for _, p := range resolver.ResolveByRole(role) {
		if t, ok := p.(T); ok {
			return t, true
		}
	}
	return zero, false
}
