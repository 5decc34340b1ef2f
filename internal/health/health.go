// Package health aggregates component checks into a single bridge health
// report.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthStatus represents the overall health status of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// String returns the string representation of the health status
func (h HealthStatus) String() string {
	return string(h)
}

func (h HealthStatus) rank() int {
	switch h {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is the outcome of one component check
type CheckResult struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Checker inspects one component
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// SystemHealth is the aggregated report
type SystemHealth struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Version   string        `json:"version,omitempty"`
	Checks    []CheckResult `json:"checks"`
}

// HealthMonitor runs the registered checks
type HealthMonitor struct {
	mu            sync.RWMutex
	logger        *logrus.Logger
	startTime     time.Time
	version       string
	checkTimeout  time.Duration
	checkers      []Checker
	currentHealth SystemHealth
}

// HealthMonitorOption is a functional option for configuring the HealthMonitor
type HealthMonitorOption func(*HealthMonitor)

// WithLogger sets the logger for the health monitor
func WithLogger(logger *logrus.Logger) HealthMonitorOption {
	return func(h *HealthMonitor) {
		h.logger = logger
	}
}

// WithVersion sets the version reported by the health monitor
func WithVersion(version string) HealthMonitorOption {
	return func(h *HealthMonitor) {
		h.version = version
	}
}

// WithCheckTimeout bounds each individual check
func WithCheckTimeout(d time.Duration) HealthMonitorOption {
	return func(h *HealthMonitor) {
		h.checkTimeout = d
	}
}

// NewHealthMonitor creates a monitor over the given checkers
func NewHealthMonitor(checkers []Checker, opts ...HealthMonitorOption) *HealthMonitor {
	h := &HealthMonitor{
		logger:       logrus.New(),
		startTime:    time.Now(),
		checkTimeout: 5 * time.Second,
		checkers:     checkers,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// GetCurrentHealth returns the last computed report
func (h *HealthMonitor) GetCurrentHealth() SystemHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentHealth
}

// UpdateHealth runs every check and stores the aggregated report. The
// overall status is the worst individual status.
func (h *HealthMonitor) UpdateHealth(ctx context.Context) SystemHealth {
	now := time.Now()
	results := make([]CheckResult, len(h.checkers))

	var wg sync.WaitGroup
	for i, checker := range h.checkers {
		wg.Add(1)
		go func(i int, checker Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, h.checkTimeout)
			defer cancel()
			results[i] = checker.Check(checkCtx)
			if results[i].Name == "" {
				results[i].Name = checker.Name()
			}
		}(i, checker)
	}
	wg.Wait()

	overall := HealthStatusHealthy
	for _, r := range results {
		if r.Status.rank() > overall.rank() {
			overall = r.Status
		}
		if r.Status != HealthStatusHealthy {
			h.logger.WithFields(logrus.Fields{
				"check":   r.Name,
				"status":  r.Status,
				"message": r.Message,
			}).Warn("Health check not healthy")
		}
	}

	report := SystemHealth{
		Status:    overall,
		Timestamp: now.UTC(),
		Uptime:    now.Sub(h.startTime).Round(time.Second).String(),
		Version:   h.version,
		Checks:    results,
	}

	h.mu.Lock()
	h.currentHealth = report
	h.mu.Unlock()

	return report
}

// ServeHTTP answers with a fresh report: 200 when healthy or degraded, 503
// when unhealthy
func (h *HealthMonitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.UpdateHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.WithError(err).Error("Failed to encode health response")
	}
}
