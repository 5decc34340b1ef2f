package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the bridge configuration
type Config struct {
	// API configuration
	APIURL        string `mapstructure:"api_url"`
	APIConsumerID string `mapstructure:"api_consumer_id"`
	APICAFile     string `mapstructure:"api_ca_file"` // extra roots for the API server certificate

	// Certificate storage
	PKIDir string `mapstructure:"pki_dir"`

	// Client id persistence: file, sqlite or postgres
	ClientIDStore string `mapstructure:"client_id_store"`
	DatabasePath  string `mapstructure:"database_path"`
	DatabaseDSN   string `mapstructure:"database_dsn"`

	// Local record of issue and revoke calls, kept in the settings database
	IssuanceLog bool `mapstructure:"issuance_log"`

	// Transport configuration
	RequestTimeout    int  `mapstructure:"request_timeout"` // seconds
	MaxRetries        int  `mapstructure:"max_retries"`
	RetainRawResponse bool `mapstructure:"retain_raw_response"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Enrollment lock configuration
	LockRedisAddr     string `mapstructure:"lock_redis_addr"`
	LockRedisPassword string `mapstructure:"lock_redis_password"`
	LockTTL           int    `mapstructure:"lock_ttl"` // seconds

	// Admin API configuration
	AdminAPI AdminAPIConfig `mapstructure:"admin_api"`
}

// AdminAPIConfig holds the local admin API settings
type AdminAPIConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	JWTSecret    string `mapstructure:"jwt_secret"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		APIURL:            "https://openbadgefactory.com/v1",
		APIConsumerID:     "obf-bridge",
		APICAFile:         "",
		PKIDir:            "./pki",
		ClientIDStore:     "file",
		DatabasePath:      "./obf.db",
		DatabaseDSN:       "",
		IssuanceLog:       true,
		RequestTimeout:    30,
		MaxRetries:        2,
		RetainRawResponse: false,
		LogLevel:          "info",
		LogFile:           "",
		LockRedisAddr:     "",
		LockRedisPassword: "",
		LockTTL:           60,
		AdminAPI: AdminAPIConfig{
			Enabled:      false,
			Host:         "127.0.0.1",
			Port:         8090,
			JWTSecret:    "",
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/obf-bridge")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".obf-bridge"))
		}
	}

	// OBF_API_URL, OBF_ADMIN_API_PORT, ...
	v.SetEnvPrefix("OBF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("api_url", cfg.APIURL)
	v.SetDefault("api_consumer_id", cfg.APIConsumerID)
	v.SetDefault("api_ca_file", cfg.APICAFile)
	v.SetDefault("pki_dir", cfg.PKIDir)
	v.SetDefault("client_id_store", cfg.ClientIDStore)
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("database_dsn", cfg.DatabaseDSN)
	v.SetDefault("issuance_log", cfg.IssuanceLog)
	v.SetDefault("request_timeout", cfg.RequestTimeout)
	v.SetDefault("max_retries", cfg.MaxRetries)
	v.SetDefault("retain_raw_response", cfg.RetainRawResponse)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("lock_redis_addr", cfg.LockRedisAddr)
	v.SetDefault("lock_redis_password", cfg.LockRedisPassword)
	v.SetDefault("lock_ttl", cfg.LockTTL)
	v.SetDefault("admin_api.enabled", cfg.AdminAPI.Enabled)
	v.SetDefault("admin_api.host", cfg.AdminAPI.Host)
	v.SetDefault("admin_api.port", cfg.AdminAPI.Port)
	v.SetDefault("admin_api.jwt_secret", cfg.AdminAPI.JWTSecret)
	v.SetDefault("admin_api.read_timeout", cfg.AdminAPI.ReadTimeout)
	v.SetDefault("admin_api.write_timeout", cfg.AdminAPI.WriteTimeout)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}

	if !strings.HasPrefix(c.APIURL, "https://") && !strings.HasPrefix(c.APIURL, "http://") {
		return fmt.Errorf("api_url must be an http(s) URL")
	}

	if c.PKIDir == "" {
		return fmt.Errorf("pki_dir is required")
	}

	switch c.ClientIDStore {
	case "file":
		if c.IssuanceLog && c.DatabasePath == "" {
			return fmt.Errorf("database_path is required when issuance_log is enabled")
		}
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("database_path is required for the sqlite client id store")
		}
	case "postgres":
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database_dsn is required for the postgres client id store")
		}
	default:
		return fmt.Errorf("client_id_store must be one of: file, sqlite, postgres")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}

	if c.LockTTL <= 0 {
		return fmt.Errorf("lock_ttl must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	if c.AdminAPI.Enabled && (c.AdminAPI.Port <= 0 || c.AdminAPI.Port > 65535) {
		return fmt.Errorf("admin_api.port must be between 1 and 65535")
	}

	return nil
}

// Timeout returns the per-request timeout
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// PrivateKeyPath returns the location of the client private key
func (c *Config) PrivateKeyPath() string {
	return filepath.Join(c.PKIDir, "obf.key")
}

// CertificatePath returns the location of the issued client certificate
func (c *Config) CertificatePath() string {
	return filepath.Join(c.PKIDir, "obf.pem")
}

// LockTTLDuration returns the redis lock expiry
func (c *Config) LockTTLDuration() time.Duration {
	return time.Duration(c.LockTTL) * time.Second
}

// NeedsDatabase reports whether a settings database has to be opened
func (c *Config) NeedsDatabase() bool {
	return c.ClientIDStore != "file" || c.IssuanceLog
}

// DatabaseDriver returns the database/sql driver for the settings database
func (c *Config) DatabaseDriver() string {
	if c.ClientIDStore == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// UsesRedisLock reports whether enrollment is serialised through redis
func (c *Config) UsesRedisLock() bool {
	return c.LockRedisAddr != ""
}
