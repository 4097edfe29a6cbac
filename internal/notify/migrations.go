package notify

import (
	"database/sql"

	"github.com/epiwatch/epiwatch/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "Create notification channel and delivery tables",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS notify_channels (
						id           TEXT PRIMARY KEY,
						name         TEXT NOT NULL,
						type         TEXT NOT NULL,
						target       TEXT NOT NULL,
						secret       TEXT NOT NULL DEFAULT '',
						location_id  TEXT NOT NULL DEFAULT '',
						min_severity TEXT NOT NULL DEFAULT 'low',
						enabled      INTEGER NOT NULL DEFAULT 1,
						created_at   DATETIME NOT NULL
					);

					CREATE TABLE IF NOT EXISTS notify_deliveries (
						id         INTEGER PRIMARY KEY AUTOINCREMENT,
						alert_id   TEXT NOT NULL,
						channel_id TEXT NOT NULL,
						reason     TEXT NOT NULL,
						status     TEXT NOT NULL,
						attempts   INTEGER NOT NULL,
						error      TEXT NOT NULL DEFAULT '',
						created_at DATETIME NOT NULL
					);
					CREATE INDEX IF NOT EXISTS idx_notify_deliveries_alert ON notify_deliveries(alert_id);
					CREATE INDEX IF NOT EXISTS idx_notify_deliveries_created ON notify_deliveries(created_at);
				`)
				return err
			},
		},
		{
			Version:     2,
			Description: "Create recipient table for email/SMS fan-out",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS notify_recipients (
						id          TEXT PRIMARY KEY,
						name        TEXT NOT NULL,
						email       TEXT NOT NULL DEFAULT '',
						phone       TEXT NOT NULL DEFAULT '',
						location_id TEXT NOT NULL DEFAULT '',
						enabled     INTEGER NOT NULL DEFAULT 1,
						created_at  DATETIME NOT NULL
					);
				`)
				return err
			},
		},
	}
}
