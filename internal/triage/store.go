package triage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// Suppression is one audit record of a discarded case. Rationales are kept
// even though the case itself is gone.
type Suppression struct {
	ID             int64     `json:"id"`
	LocationID     string    `json:"location_id"`
	Day            time.Time `json:"day"`
	Stage          string    `json:"stage"`
	Rationale      string    `json:"rationale"`
	CompositeScore float64   `json:"composite_score"`
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
}

// CaseStore persists deferred cases and the suppression audit trail.
type CaseStore struct {
	db *sql.DB
}

// NewCaseStore creates a store over the shared database handle.
func NewCaseStore(db *sql.DB) *CaseStore {
	return &CaseStore{db: db}
}

// SaveDeferred parks a case awaiting corroborating data. One deferred case
// per (location, day); a re-defer replaces the parked copy.
func (s *CaseStore) SaveDeferred(ctx context.Context, c *outbreak.Case) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal case: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triage_deferred (location_id, day, case_json, defer_cycles, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(location_id, day) DO UPDATE SET
			case_json = excluded.case_json,
			defer_cycles = excluded.defer_cycles,
			updated_at = excluded.updated_at`,
		c.Cell.LocationID, c.Cell.Day, string(payload), c.DeferCycles, now, now,
	)
	if err != nil {
		return fmt.Errorf("save deferred case: %w", err)
	}
	return nil
}

// ListDeferred returns all parked cases, oldest first.
func (s *CaseStore) ListDeferred(ctx context.Context) ([]outbreak.Case, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT case_json FROM triage_deferred ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list deferred cases: %w", err)
	}
	defer rows.Close()

	var cases []outbreak.Case
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan deferred case: %w", err)
		}
		var c outbreak.Case
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, fmt.Errorf("unmarshal deferred case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// RemoveDeferred drops a parked case once it reaches a terminal outcome.
func (s *CaseStore) RemoveDeferred(ctx context.Context, locationID string, day time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM triage_deferred WHERE location_id = ? AND day = ?`,
		locationID, day,
	)
	if err != nil {
		return fmt.Errorf("remove deferred case: %w", err)
	}
	return nil
}

// RecordSuppression appends to the suppression audit trail.
func (s *CaseStore) RecordSuppression(ctx context.Context, c *outbreak.Case, stage outbreak.Stage, rationale string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO triage_suppressions
			(location_id, day, stage, rationale, composite_score, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Cell.LocationID, c.Cell.Day, string(stage), rationale,
		c.Fusion.CompositeScore, c.Fusion.Confidence, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record suppression: %w", err)
	}
	return nil
}

// ListSuppressions returns recent suppression records, newest first.
func (s *CaseStore) ListSuppressions(ctx context.Context, locationID string, limit int) ([]Suppression, error) {
	query := `
		SELECT id, location_id, day, stage, rationale, composite_score, confidence, created_at
		FROM triage_suppressions`
	args := []any{}
	if locationID != "" {
		query += ` WHERE location_id = ?`
		args = append(args, locationID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []Suppression
	for rows.Next() {
		var sp Suppression
		if err := rows.Scan(&sp.ID, &sp.LocationID, &sp.Day, &sp.Stage, &sp.Rationale,
			&sp.CompositeScore, &sp.Confidence, &sp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		sp.Day = sp.Day.UTC()
		sp.CreatedAt = sp.CreatedAt.UTC()
		out = append(out, sp)
	}
	return out, rows.Err()
}
