package database

import (
	"fmt"
)

// migrate runs database migrations to create the required schema
func (db *DB) migrate() error {
	migrations := []string{createSettingsTable}
	if db.driver == DriverPostgres {
		migrations = append(migrations, createIssuanceLogTablePostgres)
	} else {
		migrations = append(migrations, createIssuanceLogTableSQLite)
	}
	migrations = append(migrations, createIndexes)

	for i, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}

	return nil
}

const createSettingsTable = `
CREATE TABLE IF NOT EXISTS bridge_settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

const createIssuanceLogTableSQLite = `
CREATE TABLE IF NOT EXISTS issuance_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    client_id TEXT NOT NULL,
    badge_id TEXT NOT NULL,
    action TEXT NOT NULL CHECK (action IN ('issued', 'revoked')),
    recipients TEXT NOT NULL,
    event_id TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

const createIssuanceLogTablePostgres = `
CREATE TABLE IF NOT EXISTS issuance_log (
    id SERIAL PRIMARY KEY,
    client_id TEXT NOT NULL,
    badge_id TEXT NOT NULL,
    action TEXT NOT NULL CHECK (action IN ('issued', 'revoked')),
    recipients TEXT NOT NULL,
    event_id TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_issuance_log_badge ON issuance_log(badge_id);`
