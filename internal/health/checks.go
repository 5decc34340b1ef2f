package health

import (
	"context"
	"fmt"
	"time"
)

// CertificateWarning is how long before expiry the identity check degrades
const CertificateWarning = 30 * 24 * time.Hour

// IdentitySource reports the local enrollment state
type IdentitySource interface {
	GetClientID() string
	IsAuthenticated() bool
	CertificateExpiration() (time.Time, bool)
}

// IdentityCheck reports unhealthy when not enrolled or the certificate has
// expired, degraded when it expires within Warning
type IdentityCheck struct {
	Identity IdentitySource
	Warning  time.Duration
	now      func() time.Time
}

// NewIdentityCheck creates an identity check with the default warning window
func NewIdentityCheck(identity IdentitySource) *IdentityCheck {
	return &IdentityCheck{Identity: identity, Warning: CertificateWarning, now: time.Now}
}

func (c *IdentityCheck) Name() string { return "identity" }

func (c *IdentityCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Status: HealthStatusHealthy}

	clientID := c.Identity.GetClientID()
	if clientID == "" || !c.Identity.IsAuthenticated() {
		result.Status = HealthStatusUnhealthy
		result.Message = "not enrolled"
		return result
	}
	result.Details = map[string]interface{}{"client_id": clientID}

	expires, ok := c.Identity.CertificateExpiration()
	if !ok {
		result.Status = HealthStatusUnhealthy
		result.Message = "certificate is unreadable"
		return result
	}
	result.Details["expires_at"] = expires.UTC().Format(time.RFC3339)

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	remaining := expires.Sub(now())
	switch {
	case remaining <= 0:
		result.Status = HealthStatusUnhealthy
		result.Message = "certificate has expired"
	case remaining < c.Warning:
		result.Status = HealthStatusDegraded
		result.Message = fmt.Sprintf("certificate expires in %d days", int(remaining.Hours()/24))
	}

	return result
}

// Pinger is anything with a context-free health probe, such as the database
type Pinger interface {
	Health() error
}

// DatabaseCheck pings the settings database
type DatabaseCheck struct {
	DB Pinger
}

func (c *DatabaseCheck) Name() string { return "database" }

func (c *DatabaseCheck) Check(ctx context.Context) CheckResult {
	if err := c.DB.Health(); err != nil {
		return CheckResult{Name: c.Name(), Status: HealthStatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Name: c.Name(), Status: HealthStatusHealthy}
}

// ContextPinger is a health probe that honours a deadline, such as the
// redis lock
type ContextPinger interface {
	Health(ctx context.Context) error
}

// LockCheck pings a distributed lock backend. A lock failure only degrades
// the bridge since single-host operation still works.
type LockCheck struct {
	Lock ContextPinger
}

func (c *LockCheck) Name() string { return "lock" }

func (c *LockCheck) Check(ctx context.Context) CheckResult {
	if err := c.Lock.Health(ctx); err != nil {
		return CheckResult{Name: c.Name(), Status: HealthStatusDegraded, Message: err.Error()}
	}
	return CheckResult{Name: c.Name(), Status: HealthStatusHealthy}
}
