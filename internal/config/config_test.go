package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.APIURL == "" {
		t.Error("APIURL should not be empty")
	}

	if cfg.ClientIDStore != "file" {
		t.Errorf("Expected client id store 'file', got '%s'", cfg.ClientIDStore)
	}

	if cfg.RetainRawResponse {
		t.Error("RetainRawResponse should be off by default")
	}

	if cfg.RequestTimeout <= 0 {
		t.Error("RequestTimeout should be positive")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"empty api url", func(c *Config) { c.APIURL = "" }, true},
		{"non http api url", func(c *Config) { c.APIURL = "ftp://example.com" }, true},
		{"empty pki dir", func(c *Config) { c.PKIDir = "" }, true},
		{"unknown store", func(c *Config) { c.ClientIDStore = "etcd" }, true},
		{"sqlite without path", func(c *Config) { c.ClientIDStore = "sqlite"; c.DatabasePath = "" }, true},
		{"sqlite with path", func(c *Config) { c.ClientIDStore = "sqlite" }, false},
		{"postgres without dsn", func(c *Config) { c.ClientIDStore = "postgres" }, true},
		{"postgres with dsn", func(c *Config) { c.ClientIDStore = "postgres"; c.DatabaseDSN = "postgres://localhost/obf" }, false},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, true},
		{"admin api bad port", func(c *Config) { c.AdminAPI.Enabled = true; c.AdminAPI.Port = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCredentialPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PKIDir = "/var/lib/obf/pki"

	assert.Equal(t, filepath.Join("/var/lib/obf/pki", "obf.key"), cfg.PrivateKeyPath())
	assert.Equal(t, filepath.Join("/var/lib/obf/pki", "obf.pem"), cfg.CertificatePath())
}

func TestDatabaseSelection(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.NeedsDatabase())
	assert.Equal(t, "sqlite3", cfg.DatabaseDriver())

	cfg.IssuanceLog = false
	assert.False(t, cfg.NeedsDatabase())

	cfg.ClientIDStore = "postgres"
	assert.True(t, cfg.NeedsDatabase())
	assert.Equal(t, "postgres", cfg.DatabaseDriver())

	cfg = DefaultConfig()
	cfg.DatabasePath = ""
	assert.Error(t, cfg.Validate())
	cfg.IssuanceLog = false
	assert.NoError(t, cfg.Validate())

	cfg.LockTTL = 90
	assert.Equal(t, 90*time.Second, cfg.LockTTLDuration())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
api_url: https://badges.example.com/v1
api_consumer_id: moodle-prod
pki_dir: /tmp/pki
retain_raw_response: true
admin_api:
  port: 9999
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://badges.example.com/v1", cfg.APIURL)
	assert.Equal(t, "moodle-prod", cfg.APIConsumerID)
	assert.Equal(t, "/tmp/pki", cfg.PKIDir)
	assert.True(t, cfg.RetainRawResponse)
	assert.Equal(t, 9999, cfg.AdminAPI.Port)
	assert.Equal(t, "127.0.0.1", cfg.AdminAPI.Host)
	assert.False(t, cfg.UsesRedisLock())
}

func TestLoadInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: verbose\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
