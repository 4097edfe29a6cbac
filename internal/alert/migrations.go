package alert

import (
	"database/sql"

	"github.com/epiwatch/epiwatch/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "Create alerts table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS alerts (
						id              TEXT PRIMARY KEY,
						location_id     TEXT NOT NULL,
						day             DATETIME NOT NULL,
						anomaly_score   REAL NOT NULL,
						confidence      REAL NOT NULL,
						severity        TEXT NOT NULL,
						evidence        TEXT NOT NULL DEFAULT '{}',
						actions         TEXT NOT NULL DEFAULT '[]',
						status          TEXT NOT NULL DEFAULT 'active',
						notified        INTEGER NOT NULL DEFAULT 0,
						metadata        TEXT NOT NULL DEFAULT '{}',
						created_at      DATETIME NOT NULL,
						updated_at      DATETIME NOT NULL,
						acknowledged_at DATETIME,
						resolved_at     DATETIME
					);
					CREATE INDEX IF NOT EXISTS idx_alerts_location_status ON alerts(location_id, status);
					CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);
				`)
				return err
			},
		},
	}
}
