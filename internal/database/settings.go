package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrSettingNotFound is returned when a settings key has no value
var ErrSettingNotFound = errors.New("setting not found")

// SetSetting stores a settings value, replacing any previous one
func (db *DB) SetSetting(key, value string) error {
	query := db.rebind(`
		INSERT INTO bridge_settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`)

	if _, err := db.conn.Exec(query, key, value); err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}

	return nil
}

// GetSetting retrieves a settings value
func (db *DB) GetSetting(key string) (string, error) {
	var value string

	query := db.rebind("SELECT value FROM bridge_settings WHERE key = ?")
	err := db.conn.QueryRow(query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}

	return value, nil
}

// DeleteSetting removes a settings key; deleting a missing key is not an error
func (db *DB) DeleteSetting(key string) error {
	query := db.rebind("DELETE FROM bridge_settings WHERE key = ?")
	if _, err := db.conn.Exec(query, key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// SettingExists checks if a settings key exists
func (db *DB) SettingExists(key string) (bool, error) {
	var count int
	query := db.rebind("SELECT COUNT(*) FROM bridge_settings WHERE key = ?")
	if err := db.conn.QueryRow(query, key).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check if setting exists %s: %w", key, err)
	}
	return count > 0, nil
}
