package detect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// RunStore persists detection runs and fusion results.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a store over the shared database handle.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// InsertRun records a newly started run.
func (s *RunStore) InsertRun(ctx context.Context, run *outbreak.RunStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detect_runs (id, trigger_kind, started_at) VALUES (?, ?, ?)`,
		run.ID, run.Trigger, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun writes the final counters of a run.
func (s *RunStore) FinishRun(ctx context.Context, run *outbreak.RunStatus) error {
	success := 0
	if run.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE detect_runs SET
			finished_at = ?, success = ?,
			cells_scored = ?, cells_failed = ?, cells_pending = ?,
			cases_opened = ?, cases_escalated = ?, cases_suppressed = ?, cases_deferred = ?,
			error = ?
		WHERE id = ?`,
		run.FinishedAt, success,
		run.CellsScored, run.CellsFailed, run.CellsPending,
		run.CasesOpened, run.CasesEscalated, run.CasesSuppressed, run.CasesDeferred,
		run.Error, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun returns one run by ID, or nil when absent.
func (s *RunStore) GetRun(ctx context.Context, id string) (*outbreak.RunStatus, error) {
	rows, err := s.db.QueryContext(ctx, selectRuns+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]outbreak.RunStatus, error) {
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return scanRuns(rows)
}

// Watermark returns the start time of the latest successful run.
// Cells ingested after this instant are pending for the next run.
func (s *RunStore) Watermark(ctx context.Context) (time.Time, error) {
	var started time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT started_at FROM detect_runs WHERE success = 1
		ORDER BY started_at DESC LIMIT 1`,
	).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("run watermark: %w", err)
	}
	return started.UTC(), nil
}

// UpsertResult stores a fusion result. The content-addressed ID makes
// replays of unchanged input a no-op write.
func (s *RunStore) UpsertResult(ctx context.Context, r *outbreak.FusionResult) error {
	weights, err := json.Marshal(r.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	scores, err := json.Marshal(r.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO detect_results
			(id, location_id, day, composite_score, confidence, weights, scores, run_id, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LocationID, r.Day, r.CompositeScore, r.Confidence,
		string(weights), string(scores), r.RunID, r.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult returns one fusion result by ID, or nil when absent.
func (s *RunStore) GetResult(ctx context.Context, id string) (*outbreak.FusionResult, error) {
	rows, err := s.db.QueryContext(ctx, selectResults+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	results, err := scanResults(rows)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// ListResults returns fusion results newest first, optionally filtered by
// location and a minimum composite score.
func (s *RunStore) ListResults(ctx context.Context, locationID string, minScore float64, limit int) ([]outbreak.FusionResult, error) {
	query := selectResults + ` WHERE composite_score >= ?`
	args := []any{minScore}
	if locationID != "" {
		query += ` AND location_id = ?`
		args = append(args, locationID)
	}
	query += ` ORDER BY computed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return scanResults(rows)
}

const selectRuns = `
	SELECT id, trigger_kind, started_at, finished_at, success,
	       cells_scored, cells_failed, cells_pending,
	       cases_opened, cases_escalated, cases_suppressed, cases_deferred, error
	FROM detect_runs`

func scanRuns(rows *sql.Rows) ([]outbreak.RunStatus, error) {
	defer rows.Close()

	var runs []outbreak.RunStatus
	for rows.Next() {
		var r outbreak.RunStatus
		var finished sql.NullTime
		var success int
		if err := rows.Scan(
			&r.ID, &r.Trigger, &r.StartedAt, &finished, &success,
			&r.CellsScored, &r.CellsFailed, &r.CellsPending,
			&r.CasesOpened, &r.CasesEscalated, &r.CasesSuppressed, &r.CasesDeferred, &r.Error,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = r.StartedAt.UTC()
		if finished.Valid {
			t := finished.Time.UTC()
			r.FinishedAt = &t
		}
		r.Success = success != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const selectResults = `
	SELECT id, location_id, day, composite_score, confidence, weights, scores, run_id, computed_at
	FROM detect_results`

func scanResults(rows *sql.Rows) ([]outbreak.FusionResult, error) {
	defer rows.Close()

	var results []outbreak.FusionResult
	for rows.Next() {
		var r outbreak.FusionResult
		var weights, scores string
		if err := rows.Scan(
			&r.ID, &r.LocationID, &r.Day, &r.CompositeScore, &r.Confidence,
			&weights, &scores, &r.RunID, &r.ComputedAt,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(weights), &r.Weights); err != nil {
			return nil, fmt.Errorf("unmarshal weights: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &r.Scores); err != nil {
			return nil, fmt.Errorf("unmarshal scores: %w", err)
		}
		r.Day = r.Day.UTC()
		r.ComputedAt = r.ComputedAt.UTC()
		results = append(results, r)
	}
	return results, rows.Err()
}
