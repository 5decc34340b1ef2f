package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ServiceName is attached to every log line
const ServiceName = "obf-bridge"

// Redacted replaces the value of sensitive fields
const Redacted = "[REDACTED]"

// sensitiveFields never reach the log output. Enrollment tokens are single
// use but still reveal the client id to anyone holding the API key.
var sensitiveFields = map[string]bool{
	"token":         true,
	"signature":     true,
	"private_key":   true,
	"jwt_secret":    true,
	"password":      true,
	"authorization": true,
}

// redactHook masks sensitive fields before formatting
type redactHook struct{}

func (redactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (redactHook) Fire(entry *logrus.Entry) error {
	for key := range entry.Data {
		if sensitiveFields[strings.ToLower(key)] {
			entry.Data[key] = Redacted
		}
	}
	return nil
}

// Initialize sets up structured logging with the specified level
func Initialize(logLevel string) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = logrus.InfoLevel
		logger.WithError(err).Warn("Invalid log level, defaulting to info")
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	// Logs go to stderr so CLI output on stdout stays machine readable
	logger.SetOutput(os.Stderr)
	logger.AddHook(redactHook{})

	return logger
}

// SetupFileLogging configures logging to write to a file in addition to stderr
func SetupFileLogging(logger *logrus.Logger, logFile string) error {
	if logFile == "" {
		return nil
	}

	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return err
	}

	logger.SetOutput(io.MultiWriter(os.Stderr, file))
	logger.WithField("log_file", logFile).Info("File logging enabled")

	return nil
}

// NewComponentLogger creates a logger for one of the bridge components
func NewComponentLogger(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"service":   ServiceName,
		"component": component,
	})
}

// Discard returns a logger that drops everything, for tests and embedding
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(redactHook{})
	return logger
}
