package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
	"github.com/epiwatch/epiwatch/pkg/plugin"
)

// Lifecycle errors.
var (
	ErrNotFound          = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

var alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "epiwatch_alerts_total",
	Help: "Alert materializations by kind (created, merged, severity_raised).",
}, []string{"kind"})

// Manager owns alert identity, deduplication, and the status state machine.
type Manager struct {
	cfg    Config
	store  *AlertStore
	bus    plugin.EventBus
	logger *zap.Logger

	// Per-location locks serialize materialization so concurrent workers
	// scoring the same location cannot create duplicate alerts.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates an alert lifecycle manager.
func NewManager(cfg Config, store *AlertStore, bus plugin.EventBus, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		logger: logger,
		locks:  map[string]*sync.Mutex{},
	}
}

// Materialize converts an escalated case into an alert. An existing
// non-resolved alert for the same location within the dedup window absorbs
// the case as an evidence merge instead of creating a duplicate. The
// boolean reports whether a new alert was created.
func (m *Manager) Materialize(ctx context.Context, c *outbreak.Case) (*outbreak.Alert, bool, error) {
	lock := m.locationLock(c.Cell.LocationID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.store.FindOpenInWindow(ctx, c.Cell.LocationID, c.Cell.Day, m.cfg.DedupWindow)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		merged, err := m.merge(ctx, existing, c)
		return merged, false, err
	}

	now := time.Now().UTC()
	a := &outbreak.Alert{
		ID:           newAlertID(now),
		LocationID:   c.Cell.LocationID,
		Day:          c.Cell.Day,
		AnomalyScore: c.Fusion.CompositeScore,
		Confidence:   c.FinalConfidence,
		Severity:     c.Severity,
		Evidence:     c.Evidence,
		Actions:      c.Actions,
		Status:       outbreak.StatusActive,
		Metadata:     map[string]string{"run_id": c.RunID, "fusion_id": c.Fusion.ID},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.withRetry(ctx, "insert alert", func() error { return m.store.Insert(ctx, a) }); err != nil {
		return nil, false, err
	}

	alertsTotal.WithLabelValues("created").Inc()
	m.publish(TopicTriggered, a)
	m.logger.Info("alert created",
		zap.String("alert_id", a.ID),
		zap.String("location_id", a.LocationID),
		zap.String("severity", string(a.Severity)),
	)
	return a, true, nil
}

// merge folds a new escalation into an existing open alert. Severity only
// ratchets upward; a raise re-arms notification and fires
// TopicSeverityRaised.
func (m *Manager) merge(ctx context.Context, a *outbreak.Alert, c *outbreak.Case) (*outbreak.Alert, error) {
	raised := outbreak.SeverityRank(c.Severity) > outbreak.SeverityRank(a.Severity)

	if c.Fusion.CompositeScore > a.AnomalyScore {
		a.AnomalyScore = c.Fusion.CompositeScore
	}
	if c.FinalConfidence > a.Confidence {
		a.Confidence = c.FinalConfidence
	}
	mergeEvidence(&a.Evidence, &c.Evidence)
	if len(c.Actions) > len(a.Actions) {
		a.Actions = c.Actions
	}
	if raised {
		a.Severity = c.Severity
		a.Notified = false
	}
	a.UpdatedAt = time.Now().UTC()

	if err := m.withRetry(ctx, "update alert", func() error { return m.store.Update(ctx, a) }); err != nil {
		return nil, err
	}

	alertsTotal.WithLabelValues("merged").Inc()
	if raised {
		alertsTotal.WithLabelValues("severity_raised").Inc()
		m.publish(TopicSeverityRaised, a)
	}
	m.logger.Info("alert merged",
		zap.String("alert_id", a.ID),
		zap.String("location_id", a.LocationID),
		zap.Bool("severity_raised", raised),
	)
	return a, nil
}

// Transition applies a status change, enforcing the state machine:
// active -> acknowledged -> resolved, with active -> resolved allowed and
// resolved absorbing. Re-applying the current status is a no-op.
func (m *Manager) Transition(ctx context.Context, alertID string, status outbreak.AlertStatus) (*outbreak.Alert, error) {
	a, err := m.store.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotFound
	}
	if a.Status == status {
		return a, nil
	}
	if !validTransition(a.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
	}

	now := time.Now().UTC()
	a.Status = status
	a.UpdatedAt = now
	switch status {
	case outbreak.StatusAcknowledged:
		a.AcknowledgedAt = &now
	case outbreak.StatusResolved:
		a.ResolvedAt = &now
	}
	if err := m.store.Update(ctx, a); err != nil {
		return nil, err
	}

	m.publish(TopicStatusChanged, a)
	m.logger.Info("alert status changed",
		zap.String("alert_id", a.ID),
		zap.String("status", string(status)),
	)
	return a, nil
}

// MarkNotified sets the notified flag. Idempotent.
func (m *Manager) MarkNotified(ctx context.Context, alertID string) error {
	a, err := m.store.GetByID(ctx, alertID)
	if err != nil {
		return err
	}
	if a == nil {
		return ErrNotFound
	}
	if a.Notified {
		return nil
	}
	a.Notified = true
	a.UpdatedAt = time.Now().UTC()
	return m.store.Update(ctx, a)
}

func validTransition(from, to outbreak.AlertStatus) bool {
	switch from {
	case outbreak.StatusActive:
		return to == outbreak.StatusAcknowledged || to == outbreak.StatusResolved
	case outbreak.StatusAcknowledged:
		return to == outbreak.StatusResolved
	}
	// Resolved is terminal.
	return false
}

// mergeEvidence folds new evidence into the existing bundle, keeping the
// stronger signal of each category.
func mergeEvidence(dst, src *outbreak.Evidence) {
	dst.Hospital.HasData = dst.Hospital.HasData || src.Hospital.HasData
	if src.Hospital.TotalEvents > dst.Hospital.TotalEvents {
		dst.Hospital.TotalEvents = src.Hospital.TotalEvents
		dst.Hospital.TopSymptoms = src.Hospital.TopSymptoms
	}
	dst.Social.HasData = dst.Social.HasData || src.Social.HasData
	if src.Social.TotalMentions > dst.Social.TotalMentions {
		dst.Social.TotalMentions = src.Social.TotalMentions
		dst.Social.TopKeywords = src.Social.TopKeywords
	}
	dst.Environment.HasData = dst.Environment.HasData || src.Environment.HasData
	if src.Environment.RiskScore > dst.Environment.RiskScore {
		dst.Environment.RiskScore = src.Environment.RiskScore
		dst.Environment.RainfallMM = src.Environment.RainfallMM
		dst.Environment.DataPoints = src.Environment.DataPoints
		dst.Environment.Assessment = src.Environment.Assessment
	}
	for id, score := range src.ModelScores {
		if dst.ModelScores == nil {
			dst.ModelScores = map[outbreak.DetectorID]float64{}
		}
		if score > dst.ModelScores[id] {
			dst.ModelScores[id] = score
		}
	}
	if src.Rationale != "" {
		dst.Rationale = src.Rationale
	}
}

// withRetry runs a materialization write up to three times with exponential
// backoff. SQLite under concurrent writers can return transient busy errors.
func (m *Manager) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := 50 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (m *Manager) locationLock(locationID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[locationID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[locationID] = lock
	}
	return lock
}

func (m *Manager) publish(topic string, a *outbreak.Alert) {
	if m.bus == nil {
		return
	}
	m.bus.PublishAsync(context.Background(), plugin.Event{
		Topic:     topic,
		Source:    "alert",
		Timestamp: time.Now().UTC(),
		Payload:   a,
	})
}

// newAlertID builds an alert identifier like ALERT-20260310-1a2b3c4d.
func newAlertID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("ALERT-%s-%s", now.Format("20060102"), suffix)
}
