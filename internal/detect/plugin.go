// Package detect runs the anomaly scoring and fusion pipeline: six
// detectors score each pending metric cell, their outputs fuse into one
// composite result, and anomalies flow to the triage pipeline.
package detect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/internal/ingest"
	"github.com/epiwatch/epiwatch/pkg/plugin"
	"github.com/epiwatch/epiwatch/pkg/roles"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.HTTPProvider    = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
)

// Module implements the detect plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	store  *RunStore
	runner *runner

	resolver plugin.PluginResolver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new detect plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "detect",
		Version:      "0.1.0",
		Description:  "Anomaly scoring and fusion over ingested cells",
		Dependencies: []string{"ingest"},
		Roles:        []string{roles.RoleDetection},
		Required:     true,
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal detect config: %w", err)
		}
	}

	if deps.Store == nil {
		return fmt.Errorf("detect requires a store")
	}
	if err := deps.Store.Migrate(context.Background(), "detect", migrations()); err != nil {
		return fmt.Errorf("detect migrations: %w", err)
	}
	m.store = NewRunStore(deps.Store.DB())
	m.resolver = deps.Plugins

	m.runner = &runner{
		cfg:    m.cfg,
		store:  m.store,
		bus:    deps.Bus,
		logger: m.logger,
	}

	m.logger.Info("detect module initialized",
		zap.Duration("run_interval", m.cfg.RunInterval),
		zap.Int("max_workers", m.cfg.MaxWorkers),
		zap.Int("history_days", m.cfg.HistoryDays),
	)
	return nil
}

// Start resolves role providers and launches the run scheduler. Role
// resolution happens here, after every plugin's Init, so registration
// order does not matter.
func (m *Module) Start(_ context.Context) error {
	provider, ok := resolveRole[roles.IngestProvider](m.resolver, roles.RoleIngest)
	if !ok {
		return fmt.Errorf("no ingest provider available")
	}
	m.runner.ingest = provider

	if triage, ok := resolveRole[roles.TriageProvider](m.resolver, roles.RoleTriage); ok {
		m.runner.triage = triage
	} else {
		m.logger.Warn("no triage provider; anomalies will be recorded but not validated")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.schedule()

	m.logger.Info("detect module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("detect module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	if m.store == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "store not initialized"}
	}
	if m.runner == nil || m.runner.ingest == nil {
		return plugin.HealthStatus{Status: "degraded", Message: "ingest provider not resolved"}
	}
	return plugin.HealthStatus{Status: "healthy"}
}

// Subscriptions implements plugin.EventSubscriber. Freshly ingested cells
// trigger an early run instead of waiting out the interval; the
// in-progress guard collapses bursts.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: ingest.TopicCellsIngested, Handler: m.onCellsIngested},
	}
}

func (m *Module) onCellsIngested(ctx context.Context, _ plugin.Event) {
	if m.runner == nil || m.runner.ingest == nil {
		return
	}
	if _, err := m.runner.RunOnce(ctx, "ingest"); err != nil && !errors.Is(err, ErrRunInProgress) {
		m.logger.Warn("ingest-triggered run failed", zap.Error(err))
	}
}

// schedule triggers a run every RunInterval until shutdown.
func (m *Module) schedule() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.runner.RunOnce(m.ctx, "scheduled"); err != nil {
				m.logger.Warn("scheduled run failed", zap.Error(err))
			}
		}
	}
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
