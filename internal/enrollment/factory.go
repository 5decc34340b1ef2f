package enrollment

import (
	"errors"

	"github.com/sirupsen/logrus"

	"obf-bridge/internal/auth"
	"obf-bridge/internal/client"
	"obf-bridge/internal/config"
	"obf-bridge/internal/database"
	"obf-bridge/internal/lock"
)

// ErrNoIssuanceLog is returned by History when no database is configured
var ErrNoIssuanceLog = errors.New("issuance log is not configured")

// Components is the fully wired bridge: identity, transport, API client and
// enrollment manager sharing one configuration
type Components struct {
	Config    *config.Config
	Auth      *auth.AuthManager
	Transport *client.HTTPTransport
	Client    *client.Client
	Manager   *Manager
	Locker    lock.Locker
	// DB is nil when neither a SQL client id store nor the issuance log is configured
	DB *database.DB

	closers []func() error
}

// NewWithRealDependencies builds every component from cfg
func NewWithRealDependencies(cfg *config.Config, logger *logrus.Logger) (*Components, error) {
	c := &Components{Config: cfg}

	if cfg.NeedsDatabase() {
		db, err := auth.OpenDatabase(cfg)
		if err != nil {
			return nil, err
		}
		c.DB = db
		c.closers = append(c.closers, db.Close)
	}

	authManager, err := auth.NewAuthManagerFromConfig(cfg, c.DB)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Auth = authManager

	tc, err := client.TransportConfigFromConfig(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	transport, err := client.NewHTTPTransport(tc, authManager, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Transport = transport
	c.closers = append(c.closers, func() error {
		transport.CloseIdleConnections()
		return nil
	})

	apiClient, err := client.New(cfg, authManager, transport, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Client = apiClient

	locker, closeLocker, err := lock.New(cfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Locker = locker
	c.closers = append(c.closers, closeLocker)

	manager, err := NewManager(cfg.APIURL, transport, authManager, apiClient, locker, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Manager = manager

	return c, nil
}

// RecordIssuance appends to the issuance log when one is configured
func (c *Components) RecordIssuance(rec *database.IssuanceRecord) error {
	if c.DB == nil || !c.Config.IssuanceLog {
		return nil
	}
	return c.DB.RecordIssuance(rec)
}

// History lists issuance log entries, newest first. badgeID may be empty.
func (c *Components) History(badgeID string, limit int) ([]database.IssuanceRecord, error) {
	if c.DB == nil {
		return nil, ErrNoIssuanceLog
	}
	return c.DB.ListIssuance(badgeID, limit)
}

// Close releases every resource in reverse order of creation
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
