package auth

import (
	"fmt"
	"path/filepath"

	"obf-bridge/internal/config"
	"obf-bridge/internal/database"
)

// ClientIDFile is the file used by the file client id store, inside the PKI dir
const ClientIDFile = "client.json"

// NewClientIDStore creates the store selected by client_id_store. db must be
// open for the sqlite and postgres stores.
func NewClientIDStore(cfg *config.Config, db *database.DB) (ClientIDStore, error) {
	switch cfg.ClientIDStore {
	case "", "file":
		return NewFileClientIDStore(filepath.Join(cfg.PKIDir, ClientIDFile)), nil
	case "sqlite", "postgres":
		if db == nil {
			return nil, fmt.Errorf("%s client id store requires a database", cfg.ClientIDStore)
		}
		return NewSQLClientIDStore(db)
	default:
		return nil, fmt.Errorf("unknown client id store: %q", cfg.ClientIDStore)
	}
}

// OpenDatabase opens the settings database described by the configuration
func OpenDatabase(cfg *config.Config) (*database.DB, error) {
	dbCfg := database.Config{
		Driver:       database.DriverSQLite,
		DatabasePath: cfg.DatabasePath,
	}
	if cfg.DatabaseDriver() == database.DriverPostgres {
		dbCfg = database.Config{
			Driver:       database.DriverPostgres,
			DSN:          cfg.DatabaseDSN,
			MaxOpenConns: 4,
		}
	}

	db, err := database.NewDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dbCfg.Driver, err)
	}
	return db, nil
}

// NewAuthManagerFromConfig wires the file credential store and the configured
// client id store, and loads any existing client id
func NewAuthManagerFromConfig(cfg *config.Config, db *database.DB) (*AuthManager, error) {
	creds, err := NewFileCredentialStore(cfg.PKIDir, cfg.PrivateKeyPath(), cfg.CertificatePath())
	if err != nil {
		return nil, err
	}

	ids, err := NewClientIDStore(cfg, db)
	if err != nil {
		return nil, err
	}

	manager, err := NewAuthManager(ids, creds)
	if err != nil {
		return nil, err
	}

	if err := manager.Initialize(); err != nil {
		return nil, err
	}

	return manager, nil
}
