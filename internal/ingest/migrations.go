package ingest

import (
	"database/sql"

	"github.com/epiwatch/epiwatch/pkg/plugin"
)

// migrations returns the ingest module's database migrations.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create metric cells table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS ingest_cells (
						location_id     TEXT NOT NULL,
						day             DATETIME NOT NULL,
						hospital_events INTEGER NOT NULL DEFAULT 0,
						symptom_counts  TEXT NOT NULL DEFAULT '{}',
						social_mentions INTEGER NOT NULL DEFAULT 0,
						keyword_counts  TEXT NOT NULL DEFAULT '{}',
						env_risk_index  REAL NOT NULL DEFAULT 0,
						env             TEXT NOT NULL DEFAULT '{}',
						has_hospital    INTEGER NOT NULL DEFAULT 0,
						has_social      INTEGER NOT NULL DEFAULT 0,
						has_environment INTEGER NOT NULL DEFAULT 0,
						model_scores    TEXT NOT NULL DEFAULT '{}',
						ingested_at     DATETIME NOT NULL,
						PRIMARY KEY (location_id, day)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_ingest_cells_ingested ON ingest_cells(ingested_at)`,
					`CREATE INDEX IF NOT EXISTS idx_ingest_cells_day ON ingest_cells(day)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
