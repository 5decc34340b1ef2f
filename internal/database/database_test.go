package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(Config{
		Driver:       DriverSQLite,
		DatabasePath: filepath.Join(t.TempDir(), "nested", "obf.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBUnsupportedDriver(t *testing.T) {
	_, err := NewDB(Config{Driver: "mysql"})
	assert.Error(t, err)
}

func TestSettings(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetSetting("obf_client_id")
	assert.ErrorIs(t, err, ErrSettingNotFound)

	exists, err := db.SettingExists("obf_client_id")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, db.SetSetting("obf_client_id", "first"))
	require.NoError(t, db.SetSetting("obf_client_id", "second"))

	value, err := db.GetSetting("obf_client_id")
	require.NoError(t, err)
	assert.Equal(t, "second", value)

	exists, err = db.SettingExists("obf_client_id")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, db.DeleteSetting("obf_client_id"))
	require.NoError(t, db.DeleteSetting("obf_client_id"))

	_, err = db.GetSetting("obf_client_id")
	assert.ErrorIs(t, err, ErrSettingNotFound)
}

func TestIssuanceLog(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.RecordIssuance(&IssuanceRecord{
		ClientID:   "client-1",
		BadgeID:    "badge-a",
		Action:     ActionIssued,
		Recipients: []string{"a@example.com", "b@example.com"},
	}))
	require.NoError(t, db.RecordIssuance(&IssuanceRecord{
		ClientID:   "client-1",
		BadgeID:    "badge-b",
		Action:     ActionIssued,
		Recipients: []string{"c@example.com"},
	}))
	require.NoError(t, db.RecordIssuance(&IssuanceRecord{
		ClientID:   "client-1",
		BadgeID:    "badge-a",
		Action:     ActionRevoked,
		Recipients: []string{"a@example.com"},
		EventID:    "event-1",
	}))

	assert.Error(t, db.RecordIssuance(&IssuanceRecord{BadgeID: "x", Action: "deleted"}))

	all, err := db.ListIssuance("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ActionRevoked, all[0].Action)
	assert.Equal(t, "event-1", all[0].EventID)

	badgeA, err := db.ListIssuance("badge-a", 10)
	require.NoError(t, err)
	require.Len(t, badgeA, 2)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, badgeA[1].Recipients)
	assert.Empty(t, badgeA[1].EventID)

	limited, err := db.ListIssuance("", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRebind(t *testing.T) {
	sqlite := &DB{driver: DriverSQLite}
	postgres := &DB{driver: DriverPostgres}

	query := "SELECT value FROM bridge_settings WHERE key = ? AND value = ?"
	assert.Equal(t, query, sqlite.rebind(query))
	assert.Equal(t, "SELECT value FROM bridge_settings WHERE key = $1 AND value = $2", postgres.rebind(query))
}
