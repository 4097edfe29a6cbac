package detect

import (
	"database/sql"

	"github.com/epiwatch/epiwatch/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "Create detection run and fusion result tables",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS detect_runs (
						id               TEXT PRIMARY KEY,
						trigger_kind     TEXT NOT NULL,
						started_at       DATETIME NOT NULL,
						finished_at      DATETIME,
						success          INTEGER NOT NULL DEFAULT 0,
						cells_scored     INTEGER NOT NULL DEFAULT 0,
						cells_failed     INTEGER NOT NULL DEFAULT 0,
						cells_pending    INTEGER NOT NULL DEFAULT 0,
						cases_opened     INTEGER NOT NULL DEFAULT 0,
						cases_escalated  INTEGER NOT NULL DEFAULT 0,
						cases_suppressed INTEGER NOT NULL DEFAULT 0,
						cases_deferred   INTEGER NOT NULL DEFAULT 0,
						error            TEXT NOT NULL DEFAULT ''
					);
					CREATE INDEX IF NOT EXISTS idx_detect_runs_started ON detect_runs(started_at);

					CREATE TABLE IF NOT EXISTS detect_results (
						id              TEXT PRIMARY KEY,
						location_id     TEXT NOT NULL,
						day             DATETIME NOT NULL,
						composite_score REAL NOT NULL,
						confidence      REAL NOT NULL,
						weights         TEXT NOT NULL DEFAULT '{}',
						scores          TEXT NOT NULL DEFAULT '{}',
						run_id          TEXT NOT NULL,
						computed_at     DATETIME NOT NULL
					);
					CREATE INDEX IF NOT EXISTS idx_detect_results_cell ON detect_results(location_id, day);
					CREATE INDEX IF NOT EXISTS idx_detect_results_computed ON detect_results(computed_at);
				`)
				return err
			},
		},
	}
}
