package logging

import (
	"errors"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorCategory classifies where a failure came from
type ErrorCategory string

const (
	// Network and TLS errors
	ErrorCategoryNetwork ErrorCategory = "network"
	// Enrollment, certificate and key errors
	ErrorCategorySecurity ErrorCategory = "security"
	// Certificate files, client id and issuance log storage
	ErrorCategoryStorage ErrorCategory = "storage"
	// Non-2xx answers from the badge API
	ErrorCategoryAPI ErrorCategory = "api"
	ErrorCategoryUnknown ErrorCategory = "unknown"
)

// ErrorSeverity maps onto a log level
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "critical"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityInfo     ErrorSeverity = "info"
)

func (s ErrorSeverity) level() logrus.Level {
	switch s {
	case ErrorSeverityMedium:
		return logrus.WarnLevel
	case ErrorSeverityInfo:
		return logrus.InfoLevel
	default:
		return logrus.ErrorLevel
	}
}

// ErrorContext describes the operation that failed
type ErrorContext struct {
	Category    ErrorCategory
	Severity    ErrorSeverity
	Component   string
	Operation   string
	ClientID    string
	HTTPCode    int
	Attempt     int
	Recoverable bool
}

// StructuredError pairs an error with its context. Critical errors carry the
// stack of the goroutine that created them.
type StructuredError struct {
	Err       error
	Context   ErrorContext
	Kind      string
	Timestamp time.Time
	Stack     string
}

func (se *StructuredError) Error() string {
	if se.Err != nil {
		return se.Err.Error()
	}
	return "unknown error"
}

func (se *StructuredError) Unwrap() error {
	return se.Err
}

// kinded is implemented by the client and enrollment error types
type kinded interface {
	ErrorKind() string
}

// NewStructuredError wraps err, picking up its kind when it has one
func NewStructuredError(err error, ctx ErrorContext) *StructuredError {
	se := &StructuredError{Err: err, Context: ctx, Timestamp: time.Now()}

	var k kinded
	if errors.As(err, &k) {
		se.Kind = k.ErrorKind()
	}
	if ctx.Severity == ErrorSeverityCritical {
		buf := make([]byte, 4096)
		se.Stack = string(buf[:runtime.Stack(buf, false)])
	}

	return se
}

// Fields renders the error as log fields, omitting empty values
func (se *StructuredError) Fields() logrus.Fields {
	ctx := se.Context
	fields := logrus.Fields{
		"service":        ServiceName,
		"error_category": ctx.Category,
		"error_severity": ctx.Severity,
		"component":      ctx.Component,
		"operation":      ctx.Operation,
		"recoverable":    ctx.Recoverable,
	}
	if se.Kind != "" {
		fields["error_kind"] = se.Kind
	}
	if ctx.ClientID != "" {
		fields["client_id"] = ctx.ClientID
	}
	if ctx.HTTPCode != 0 {
		fields["http_code"] = ctx.HTTPCode
	}
	if ctx.Attempt > 0 {
		fields["attempt"] = ctx.Attempt
	}
	if se.Stack != "" {
		fields["stack_trace"] = se.Stack
	}
	return fields
}

// LogStructuredError logs at the level implied by the severity
func LogStructuredError(logger *logrus.Logger, se *StructuredError) {
	if logger == nil || se == nil {
		return
	}
	logger.WithFields(se.Fields()).Log(se.Context.Severity.level(), se.Error())
}

// LogNetworkError logs a transport failure. Repeated attempts escalate.
func LogNetworkError(logger *logrus.Logger, err error, operation string, attempt int) {
	severity := ErrorSeverityMedium
	if attempt > 3 {
		severity = ErrorSeverityHigh
	}

	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    ErrorCategoryNetwork,
		Severity:    severity,
		Component:   "client",
		Operation:   operation,
		Attempt:     attempt,
		Recoverable: true,
	}))
}

// LogAPIError logs a non-2xx response from the badge API
func LogAPIError(logger *logrus.Logger, err error, clientID, operation string, httpCode int) {
	severity := ErrorSeverityMedium
	if httpCode >= 500 {
		severity = ErrorSeverityHigh
	}

	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    ErrorCategoryAPI,
		Severity:    severity,
		Component:   "client",
		Operation:   operation,
		ClientID:    clientID,
		HTTPCode:    httpCode,
		Recoverable: httpCode >= 500 || httpCode == 429,
	}))
}

// LogSecurityError logs enrollment and credential failures
func LogSecurityError(logger *logrus.Logger, err error, clientID, operation string) {
	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    ErrorCategorySecurity,
		Severity:    ErrorSeverityHigh,
		Component:   "enrollment",
		Operation:   operation,
		ClientID:    clientID,
		Recoverable: true,
	}))
}

// LogStorageError logs certificate file, client id and issuance log errors
func LogStorageError(logger *logrus.Logger, err error, operation string, recoverable bool) {
	severity := ErrorSeverityHigh
	if !recoverable {
		severity = ErrorSeverityCritical
	}

	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    ErrorCategoryStorage,
		Severity:    severity,
		Component:   "storage",
		Operation:   operation,
		Recoverable: recoverable,
	}))
}
