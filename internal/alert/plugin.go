// Package alert owns alert identity and lifecycle: deduplicated
// materialization of escalated cases, the status state machine, and the
// notified flag consumed by the notification dispatcher.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
	"github.com/epiwatch/epiwatch/pkg/plugin"
	"github.com/epiwatch/epiwatch/pkg/roles"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ roles.AlertManager   = (*Module)(nil)
)

// Module implements the alert plugin.
type Module struct {
	logger  *zap.Logger
	cfg     Config
	store   *AlertStore
	manager *Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new alert plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "alert",
		Version:     "0.1.0",
		Description: "Alert lifecycle, deduplication, and status management",
		Roles:       []string{roles.RoleAlerting},
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal alert config: %w", err)
		}
	}

	if deps.Store == nil {
		return fmt.Errorf("alert requires a store")
	}
	if err := deps.Store.Migrate(context.Background(), "alert", migrations()); err != nil {
		return fmt.Errorf("alert migrations: %w", err)
	}
	m.store = NewAlertStore(deps.Store.DB())
	m.manager = NewManager(m.cfg, m.store, deps.Bus, m.logger)

	m.logger.Info("alert module initialized",
		zap.Duration("dedup_window", m.cfg.DedupWindow))
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.startMaintenance()
	m.logger.Info("alert module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("alert module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	if m.store == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "store not initialized"}
	}
	return plugin.HealthStatus{Status: "healthy"}
}

// -- roles.AlertManager --

// Materialize implements roles.AlertManager.
func (m *Module) Materialize(ctx context.Context, c *outbreak.Case) (*outbreak.Alert, bool, error) {
	return m.manager.Materialize(ctx, c)
}

// Transition implements roles.AlertManager.
func (m *Module) Transition(ctx context.Context, alertID string, status outbreak.AlertStatus) (*outbreak.Alert, error) {
	return m.manager.Transition(ctx, alertID, status)
}

// MarkNotified implements roles.AlertManager.
func (m *Module) MarkNotified(ctx context.Context, alertID string) error {
	return m.manager.MarkNotified(ctx, alertID)
}

// startMaintenance prunes resolved alerts past the retention period.
func (m *Module) startMaintenance() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-m.cfg.RetentionPeriod)
				ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
				removed, err := m.store.PruneResolvedBefore(ctx, cutoff)
				cancel()
				if err != nil {
					m.logger.Warn("alert pruning failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					m.logger.Info("pruned resolved alerts", zap.Int64("removed", removed))
				}
			}
		}
	}()
}
