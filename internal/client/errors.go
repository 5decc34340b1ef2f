package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures of authenticated API requests
type ErrorKind string

const (
	ErrKindMissingClientID  ErrorKind = "missing_client_id"
	ErrKindNotEnrolled      ErrorKind = "not_enrolled"
	ErrKindTransportFailure ErrorKind = "transport_failure"
	ErrKindHTTP             ErrorKind = "http_error"
)

// Error is returned by Client.Request and the API operations built on it
type Error struct {
	Kind ErrorKind
	// Code is the HTTP status for ErrKindHTTP, 0 otherwise
	Code int
	// Message is the server supplied "error" field, or the transport message
	Message string
	Err     error
}

// Sentinels for errors.Is comparisons by kind
var (
	ErrMissingClientID = &Error{Kind: ErrKindMissingClientID}
	ErrNotEnrolled     = &Error{Kind: ErrKindNotEnrolled}
	ErrTransport       = &Error{Kind: ErrKindTransportFailure}
	ErrHTTP            = &Error{Kind: ErrKindHTTP}
)

func (e *Error) Error() string {
	switch e.Kind {
	case ErrKindMissingClientID:
		return "client id is not set"
	case ErrKindNotEnrolled:
		return "client certificate is not installed"
	case ErrKindTransportFailure:
		if e.Message != "" {
			return "transport failure: " + e.Message
		}
		return "transport failure"
	case ErrKindHTTP:
		if e.Message != "" {
			return fmt.Sprintf("api returned %d: %s", e.Code, e.Message)
		}
		return fmt.Sprintf("api returned %d", e.Code)
	}
	return string(e.Kind)
}

// ErrorKind exposes the kind to structured logging
func (e *Error) ErrorKind() string {
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind, so errors.Is(err, ErrHTTP) holds for every HTTP failure
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// IsHTTPError reports the status code and server message of an HTTP failure
func IsHTTPError(err error) (code int, message string, ok bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == ErrKindHTTP {
		return e.Code, e.Message, true
	}
	return 0, "", false
}

// ErrorCode returns the failure code used by connection tests: the HTTP
// status for HTTP errors, 0 for everything else
func ErrorCode(err error) int {
	if code, _, ok := IsHTTPError(err); ok {
		return code
	}
	return 0
}

// HTTPStatus maps a request error onto the status a local HTTP frontend
// should answer with
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}

	switch e.Kind {
	case ErrKindMissingClientID, ErrKindNotEnrolled:
		return http.StatusConflict
	case ErrKindHTTP:
		if e.Code >= 400 && e.Code < 600 {
			return e.Code
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
