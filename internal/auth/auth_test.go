package auth

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obf-bridge/internal/config"
	"obf-bridge/internal/database"
)

type failingIDStore struct {
	MemoryClientIDStore
	err error
}

func (f *failingIDStore) SetClientID(string) error { return f.err }
func (f *failingIDStore) ClearClientID() error     { return f.err }

func TestNewAuthManager(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := NewAuthManager(nil, store)
	assert.Error(t, err)
	_, err = NewAuthManager(NewMemoryClientIDStore(""), nil)
	assert.Error(t, err)

	m, err := NewAuthManager(NewMemoryClientIDStore("seed"), store)
	require.NoError(t, err)
	assert.Equal(t, "", m.GetClientID(), "id is loaded by Initialize")
	require.NoError(t, m.Initialize())
	assert.Equal(t, "seed", m.GetClientID())
}

func TestAuthManager_Lifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	m, err := NewAuthManager(NewMemoryClientIDStore(""), store)
	require.NoError(t, err)

	assert.Error(t, m.SetClientID(""))
	require.NoError(t, m.SetClientID("client-1"))
	assert.Equal(t, "client-1", m.GetClientID())
	assert.False(t, m.IsAuthenticated())

	keyPEM, certPEM := issuedPair(t, "client-1", time.Hour)
	require.NoError(t, store.StorePrivateKey(keyPEM))
	require.NoError(t, store.StoreCertificate(certPEM))
	assert.True(t, m.IsAuthenticated())

	_, ok := m.CertificateExpiration()
	assert.True(t, ok)
	_, err = m.ClientCertificate()
	assert.NoError(t, err)
	assert.Same(t, store, m.Credentials())

	require.NoError(t, m.ClearCredentials())
	assert.Equal(t, "", m.GetClientID())
	assert.False(t, m.IsAuthenticated())
	_, err = m.ClientCertificate()
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestAuthManager_ClearCredentialsReportsFailures(t *testing.T) {
	store, _ := newTestStore(t)
	boom := errors.New("boom")
	ids := &failingIDStore{MemoryClientIDStore: MemoryClientIDStore{clientID: "client-1"}, err: boom}

	m, err := NewAuthManager(ids, store)
	require.NoError(t, err)
	require.NoError(t, m.Initialize())

	err = m.ClearCredentials()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "", m.GetClientID(), "in-memory id is cleared regardless")
}

func TestNewAuthManagerFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.PKIDir = dir

	m, err := NewAuthManagerFromConfig(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, m.SetClientID("client-1"))
	assert.FileExists(t, filepath.Join(dir, ClientIDFile))

	again, err := NewAuthManagerFromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "client-1", again.GetClientID())

	cfg.ClientIDStore = "sqlite"
	_, err = NewAuthManagerFromConfig(cfg, nil)
	assert.Error(t, err, "sql store without a database")

	cfg.ClientIDStore = "redis"
	_, err = NewClientIDStore(cfg, nil)
	assert.Error(t, err)
}

func TestOpenDatabase_SQLite(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ClientIDStore = "sqlite"
	cfg.DatabasePath = filepath.Join(t.TempDir(), "obf.db")

	db, err := OpenDatabase(cfg)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, database.DriverSQLite, db.Driver())

	m, err := NewAuthManagerFromConfig(cfg, db)
	require.NoError(t, err)
	require.NoError(t, m.SetClientID("client-9"))

	value, err := db.GetSetting(ClientIDSettingKey)
	require.NoError(t, err)
	assert.Equal(t, "client-9", value)
}
