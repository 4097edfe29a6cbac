// Package ingest owns the metric cell store: validated (location, day)
// aggregates of hospital, social, and environmental source data.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
	"github.com/epiwatch/epiwatch/pkg/plugin"
	"github.com/epiwatch/epiwatch/pkg/roles"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ roles.IngestProvider = (*Module)(nil)
)

// Module implements the ingest plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	store  *CellStore
	bus    plugin.EventBus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new ingest plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "ingest",
		Version:     "0.1.0",
		Description: "Metric cell ingestion and storage",
		Roles:       []string{roles.RoleIngest},
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal ingest config: %w", err)
		}
	}

	if deps.Store == nil {
		return fmt.Errorf("ingest requires a store")
	}
	if err := deps.Store.Migrate(context.Background(), "ingest", migrations()); err != nil {
		return fmt.Errorf("ingest migrations: %w", err)
	}
	m.store = NewCellStore(deps.Store.DB())
	m.bus = deps.Bus

	m.logger.Info("ingest module initialized",
		zap.Int("max_batch_size", m.cfg.MaxBatchSize),
		zap.Duration("retention_period", m.cfg.RetentionPeriod),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.startMaintenance()
	m.logger.Info("ingest module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("ingest module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	if m.store == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "store not initialized"}
	}
	return plugin.HealthStatus{Status: "healthy"}
}

// -- roles.IngestProvider --

// PendingCells implements roles.IngestProvider.
func (m *Module) PendingCells(ctx context.Context, since time.Time) ([]outbreak.MetricCell, error) {
	return m.store.PendingCells(ctx, since)
}

// History implements roles.IngestProvider.
func (m *Module) History(ctx context.Context, locationID string, before time.Time, days int) ([]outbreak.MetricCell, error) {
	return m.store.History(ctx, locationID, before, days)
}

// -- ingestion --

// IngestCells validates and stores a batch of cells, then publishes
// TopicCellsIngested. Invalid cells reject the whole batch.
func (m *Module) IngestCells(ctx context.Context, cells []outbreak.MetricCell) error {
	if len(cells) == 0 {
		return fmt.Errorf("empty batch")
	}
	if len(cells) > m.cfg.MaxBatchSize {
		return fmt.Errorf("batch size %d exceeds limit %d", len(cells), m.cfg.MaxBatchSize)
	}

	now := time.Now().UTC()
	for i := range cells {
		if err := normalizeCell(&cells[i], now); err != nil {
			return fmt.Errorf("cell %d: %w", i, err)
		}
	}

	for i := range cells {
		if err := m.store.UpsertCell(ctx, &cells[i]); err != nil {
			return err
		}
	}

	m.logger.Info("cells ingested", zap.Int("count", len(cells)))

	if m.bus != nil {
		// Detached context: the publish must outlive the HTTP request.
		m.bus.PublishAsync(context.Background(), plugin.Event{
			Topic:     TopicCellsIngested,
			Source:    "ingest",
			Timestamp: now,
			Payload:   cells,
		})
	}
	return nil
}

// normalizeCell validates a cell in place: the day is bucketed to UTC
// midnight, bounded fields are clipped, and source flags are derived
// from content.
func normalizeCell(c *outbreak.MetricCell, now time.Time) error {
	if c.LocationID == "" {
		return fmt.Errorf("location_id is required")
	}
	if c.Day.IsZero() {
		return fmt.Errorf("day is required")
	}
	c.Day = c.Day.UTC().Truncate(24 * time.Hour)
	if c.Day.After(now) {
		return fmt.Errorf("day %s is in the future", c.Day.Format("2006-01-02"))
	}
	if c.HospitalEvents < 0 || c.SocialMentions < 0 {
		return fmt.Errorf("event counts must be non-negative")
	}

	c.EnvRiskIndex = clip(c.EnvRiskIndex, 0, 10)
	for k, v := range c.ModelScores {
		c.ModelScores[k] = clip(v, 0, 1)
	}

	c.Sources = outbreak.SourceFlags{
		Hospital:    c.HospitalEvents > 0 || len(c.SymptomCounts) > 0,
		Social:      c.SocialMentions > 0 || len(c.KeywordCounts) > 0,
		Environment: c.Env.DataPoints > 0 || c.EnvRiskIndex > 0,
	}

	c.IngestedAt = now
	return nil
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// startMaintenance prunes cells older than the retention period.
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
				removed, err := m.store.PruneBefore(ctx, cutoff)
				cancel()
				if err != nil {
					m.logger.Warn("cell pruning failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					m.logger.Info("pruned expired cells", zap.Int64("removed", removed))
				}
			}
		}
	}()
}
