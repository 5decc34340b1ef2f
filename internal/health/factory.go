package health

import (
	"github.com/sirupsen/logrus"

	"obf-bridge/internal/enrollment"
)

// NewFromComponents registers the checks that apply to a wired bridge: the
// identity always, the database and the redis lock when configured
func NewFromComponents(c *enrollment.Components, logger *logrus.Logger, opts ...HealthMonitorOption) *HealthMonitor {
	checkers := []Checker{NewIdentityCheck(c.Auth)}

	if c.DB != nil {
		checkers = append(checkers, &DatabaseCheck{DB: c.DB})
	}
	if p, ok := c.Locker.(ContextPinger); ok {
		checkers = append(checkers, &LockCheck{Lock: p})
	}

	return NewHealthMonitor(checkers, append([]HealthMonitorOption{WithLogger(logger)}, opts...)...)
}
