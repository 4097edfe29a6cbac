package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// AlertStore persists alerts in the shared database.
type AlertStore struct {
	db *sql.DB
}

// NewAlertStore creates a store over the shared database handle.
func NewAlertStore(db *sql.DB) *AlertStore {
	return &AlertStore{db: db}
}

// Insert stores a new alert.
func (s *AlertStore) Insert(ctx context.Context, a *outbreak.Alert) error {
	evidence, actions, metadata, err := marshalFields(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts
			(id, location_id, day, anomaly_score, confidence, severity,
			 evidence, actions, status, notified, metadata,
			 created_at, updated_at, acknowledged_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.LocationID, a.Day, a.AnomalyScore, a.Confidence, string(a.Severity),
		evidence, actions, string(a.Status), boolToInt(a.Notified), metadata,
		a.CreatedAt, a.UpdatedAt, a.AcknowledgedAt, a.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// Update rewrites an alert's mutable fields.
func (s *AlertStore) Update(ctx context.Context, a *outbreak.Alert) error {
	evidence, actions, metadata, err := marshalFields(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE alerts SET
			anomaly_score = ?, confidence = ?, severity = ?,
			evidence = ?, actions = ?, status = ?, notified = ?, metadata = ?,
			updated_at = ?, acknowledged_at = ?, resolved_at = ?
		WHERE id = ?`,
		a.AnomalyScore, a.Confidence, string(a.Severity),
		evidence, actions, string(a.Status), boolToInt(a.Notified), metadata,
		a.UpdatedAt, a.AcknowledgedAt, a.ResolvedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	return nil
}

// GetByID returns one alert, or nil when absent.
func (s *AlertStore) GetByID(ctx context.Context, id string) (*outbreak.Alert, error) {
	rows, err := s.db.QueryContext(ctx, selectAlerts+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, nil
	}
	return &alerts[0], nil
}

// List returns alerts newest first, with optional filters.
func (s *AlertStore) List(ctx context.Context, locationID string, status outbreak.AlertStatus, severity outbreak.Severity, limit int) ([]outbreak.Alert, error) {
	query := selectAlerts + ` WHERE 1=1`
	args := []any{}
	if locationID != "" {
		query += ` AND location_id = ?`
		args = append(args, locationID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(severity))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return scanAlerts(rows)
}

// FindOpenInWindow returns the most recent non-resolved alert for a
// location whose day falls within the window around the given day.
func (s *AlertStore) FindOpenInWindow(ctx context.Context, locationID string, day time.Time, window time.Duration) (*outbreak.Alert, error) {
	rows, err := s.db.QueryContext(ctx, selectAlerts+`
		WHERE location_id = ? AND status != ? AND day >= ? AND day <= ?
		ORDER BY created_at DESC LIMIT 1`,
		locationID, string(outbreak.StatusResolved), day.Add(-window), day.Add(window),
	)
	if err != nil {
		return nil, fmt.Errorf("find open alert: %w", err)
	}
	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, nil
	}
	return &alerts[0], nil
}

// PruneResolvedBefore removes resolved alerts older than the cutoff.
func (s *AlertStore) PruneResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM alerts WHERE status = ? AND resolved_at < ?`,
		string(outbreak.StatusResolved), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	return res.RowsAffected()
}

const selectAlerts = `
	SELECT id, location_id, day, anomaly_score, confidence, severity,
	       evidence, actions, status, notified, metadata,
	       created_at, updated_at, acknowledged_at, resolved_at
	FROM alerts`

func scanAlerts(rows *sql.Rows) ([]outbreak.Alert, error) {
	defer rows.Close()

	var alerts []outbreak.Alert
	for rows.Next() {
		var (
			a                            outbreak.Alert
			severity, status             string
			evidence, actions, metadata  string
			notified                     int
			acknowledgedAt, resolvedAt   sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.LocationID, &a.Day, &a.AnomalyScore, &a.Confidence, &severity,
			&evidence, &actions, &status, &notified, &metadata,
			&a.CreatedAt, &a.UpdatedAt, &acknowledgedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Severity = outbreak.Severity(severity)
		a.Status = outbreak.AlertStatus(status)
		a.Notified = notified != 0
		if err := json.Unmarshal([]byte(evidence), &a.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
		if err := json.Unmarshal([]byte(actions), &a.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal actions: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		a.Day = a.Day.UTC()
		a.CreatedAt = a.CreatedAt.UTC()
		a.UpdatedAt = a.UpdatedAt.UTC()
		if acknowledgedAt.Valid {
			t := acknowledgedAt.Time.UTC()
			a.AcknowledgedAt = &t
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time.UTC()
			a.ResolvedAt = &t
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func marshalFields(a *outbreak.Alert) (evidence, actions, metadata string, err error) {
	ev, err := json.Marshal(a.Evidence)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal evidence: %w", err)
	}
	acts := []byte("[]")
	if a.Actions != nil {
		if acts, err = json.Marshal(a.Actions); err != nil {
			return "", "", "", fmt.Errorf("marshal actions: %w", err)
		}
	}
	meta := []byte("{}")
	if a.Metadata != nil {
		if meta, err = json.Marshal(a.Metadata); err != nil {
			return "", "", "", fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return string(ev), string(acts), string(meta), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
