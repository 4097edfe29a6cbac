package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// CellStore persists metric cells.
type CellStore struct {
	db *sql.DB
}

// NewCellStore creates a CellStore over the shared database.
func NewCellStore(db *sql.DB) *CellStore {
	return &CellStore{db: db}
}

// UpsertCell inserts or replaces the cell for its (location, day) key.
// Re-ingesting a key refreshes ingested_at, which makes the next
// detection run pick the cell up again.
func (s *CellStore) UpsertCell(ctx context.Context, c *outbreak.MetricCell) error {
	symptoms, err := json.Marshal(orEmptyInts(c.SymptomCounts))
	if err != nil {
		return fmt.Errorf("marshal symptom counts: %w", err)
	}
	keywords, err := json.Marshal(orEmptyInts(c.KeywordCounts))
	if err != nil {
		return fmt.Errorf("marshal keyword counts: %w", err)
	}
	env, err := json.Marshal(c.Env)
	if err != nil {
		return fmt.Errorf("marshal env readings: %w", err)
	}
	models, err := json.Marshal(orEmptyFloats(c.ModelScores))
	if err != nil {
		return fmt.Errorf("marshal model scores: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ingest_cells (
			location_id, day, hospital_events, symptom_counts, social_mentions,
			keyword_counts, env_risk_index, env, has_hospital, has_social,
			has_environment, model_scores, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.LocationID, c.Day, c.HospitalEvents, string(symptoms), c.SocialMentions,
		string(keywords), c.EnvRiskIndex, string(env),
		boolToInt(c.Sources.Hospital), boolToInt(c.Sources.Social),
		boolToInt(c.Sources.Environment), string(models), c.IngestedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert cell %s/%s: %w", c.LocationID, c.Day.Format("2006-01-02"), err)
	}
	return nil
}

// GetCell returns the cell for a (location, day) key, or nil if absent.
func (s *CellStore) GetCell(ctx context.Context, locationID string, day time.Time) (*outbreak.MetricCell, error) {
	rows, err := s.db.QueryContext(ctx, selectCells+` WHERE location_id = ? AND day = ?`, locationID, day)
	if err != nil {
		return nil, fmt.Errorf("query cell: %w", err)
	}
	defer rows.Close()

	cells, err := scanCells(rows)
	if err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, nil
	}
	return &cells[0], nil
}

// ListCells returns cells for a location within [from, to], oldest first.
// An empty locationID returns cells for all locations.
func (s *CellStore) ListCells(ctx context.Context, locationID string, from, to time.Time, limit int) ([]outbreak.MetricCell, error) {
	query := selectCells + ` WHERE day >= ? AND day <= ?`
	args := []any{from, to}
	if locationID != "" {
		query += ` AND location_id = ?`
		args = append(args, locationID)
	}
	query += ` ORDER BY day ASC, location_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()
	return scanCells(rows)
}

// PendingCells returns cells ingested strictly after the watermark,
// ordered by ingestion time.
func (s *CellStore) PendingCells(ctx context.Context, since time.Time) ([]outbreak.MetricCell, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCells+` WHERE ingested_at > ? ORDER BY ingested_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("pending cells: %w", err)
	}
	defer rows.Close()
	return scanCells(rows)
}

// History returns up to days prior cells for a location strictly before
// the given day, oldest first.
func (s *CellStore) History(ctx context.Context, locationID string, before time.Time, days int) ([]outbreak.MetricCell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (`+selectCells+`
			WHERE location_id = ? AND day < ?
			ORDER BY day DESC LIMIT ?
		) ORDER BY day ASC`, locationID, before, days)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", locationID, err)
	}
	defer rows.Close()
	return scanCells(rows)
}

// PruneBefore removes cells with day older than the cutoff. Returns rows removed.
func (s *CellStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ingest_cells WHERE day < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune cells: %w", err)
	}
	return res.RowsAffected()
}

const selectCells = `
	SELECT location_id, day, hospital_events, symptom_counts, social_mentions,
	       keyword_counts, env_risk_index, env, has_hospital, has_social,
	       has_environment, model_scores, ingested_at
	FROM ingest_cells`

func scanCells(rows *sql.Rows) ([]outbreak.MetricCell, error) {
	var cells []outbreak.MetricCell
	for rows.Next() {
		var c outbreak.MetricCell
		var symptoms, keywords, env, models string
		var hasHospital, hasSocial, hasEnv int
		err := rows.Scan(
			&c.LocationID, &c.Day, &c.HospitalEvents, &symptoms, &c.SocialMentions,
			&keywords, &c.EnvRiskIndex, &env, &hasHospital, &hasSocial,
			&hasEnv, &models, &c.IngestedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		if err := json.Unmarshal([]byte(symptoms), &c.SymptomCounts); err != nil {
			return nil, fmt.Errorf("unmarshal symptom counts: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &c.KeywordCounts); err != nil {
			return nil, fmt.Errorf("unmarshal keyword counts: %w", err)
		}
		if err := json.Unmarshal([]byte(env), &c.Env); err != nil {
			return nil, fmt.Errorf("unmarshal env readings: %w", err)
		}
		if err := json.Unmarshal([]byte(models), &c.ModelScores); err != nil {
			return nil, fmt.Errorf("unmarshal model scores: %w", err)
		}
		c.Sources = outbreak.SourceFlags{
			Hospital:    hasHospital != 0,
			Social:      hasSocial != 0,
			Environment: hasEnv != 0,
		}
		c.Day = c.Day.UTC()
		c.IngestedAt = c.IngestedAt.UTC()
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

func orEmptyInts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func orEmptyFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
