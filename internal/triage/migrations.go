package triage

import (
	"database/sql"

	"github.com/epiwatch/epiwatch/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "Create deferred case and suppression audit tables",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS triage_deferred (
						location_id  TEXT NOT NULL,
						day          DATETIME NOT NULL,
						case_json    TEXT NOT NULL,
						defer_cycles INTEGER NOT NULL DEFAULT 0,
						created_at   DATETIME NOT NULL,
						updated_at   DATETIME NOT NULL,
						PRIMARY KEY (location_id, day)
					);

					CREATE TABLE IF NOT EXISTS triage_suppressions (
						id              INTEGER PRIMARY KEY AUTOINCREMENT,
						location_id     TEXT NOT NULL,
						day             DATETIME NOT NULL,
						stage           TEXT NOT NULL,
						rationale       TEXT NOT NULL,
						composite_score REAL NOT NULL,
						confidence      REAL NOT NULL,
						created_at      DATETIME NOT NULL
					);
					CREATE INDEX IF NOT EXISTS idx_triage_suppressions_created ON triage_suppressions(created_at);
				`)
				return err
			},
		},
	}
}
