package enrollment

import (
	"errors"
	"fmt"
)

// ErrorKind classifies enrollment failures
type ErrorKind string

const (
	ErrKindPKIDirNotWritable       ErrorKind = "pki_dir_not_writable"
	ErrKindTokenDecode             ErrorKind = "token_decode"
	ErrKindTransportFailure        ErrorKind = "transport_failure"
	ErrKindServerRejected          ErrorKind = "server_rejected"
	ErrKindKeyParseFailure         ErrorKind = "key_parse_failure"
	ErrKindTokenDecryptFailure     ErrorKind = "token_decrypt_failure"
	ErrKindCsrExportFailure        ErrorKind = "csr_export_failure"
	ErrKindCertificateWriteFailure ErrorKind = "certificate_write_failure"
)

// Error is returned by Manager operations
type Error struct {
	Kind ErrorKind
	// Code is the HTTP status for ErrKindServerRejected
	Code    int
	Message string
	Err     error
}

// Sentinels for errors.Is comparisons by kind
var (
	ErrPKIDirNotWritable       = &Error{Kind: ErrKindPKIDirNotWritable}
	ErrTokenDecode             = &Error{Kind: ErrKindTokenDecode}
	ErrTransportFailure        = &Error{Kind: ErrKindTransportFailure}
	ErrServerRejected          = &Error{Kind: ErrKindServerRejected}
	ErrKeyParseFailure         = &Error{Kind: ErrKindKeyParseFailure}
	ErrTokenDecryptFailure     = &Error{Kind: ErrKindTokenDecryptFailure}
	ErrCsrExportFailure        = &Error{Kind: ErrKindCsrExportFailure}
	ErrCertificateWriteFailure = &Error{Kind: ErrKindCertificateWriteFailure}
)

var kindText = map[ErrorKind]string{
	ErrKindPKIDirNotWritable:       "certificate directory is not writable",
	ErrKindTokenDecode:             "enrollment token is not valid base64",
	ErrKindTransportFailure:        "request to the badge API failed",
	ErrKindServerRejected:          "badge API rejected the request",
	ErrKindKeyParseFailure:         "could not read the API public key",
	ErrKindTokenDecryptFailure:     "could not decrypt the enrollment token",
	ErrKindCsrExportFailure:        "could not create the certificate signing request",
	ErrKindCertificateWriteFailure: "could not store the client credentials",
}

func (e *Error) Error() string {
	msg := kindText[e.Kind]
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}
	if e.Message != "" {
		return msg + ": " + e.Message
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// ErrorKind exposes the kind to structured logging
func (e *Error) ErrorKind() string {
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of an enrollment error, "" for other errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
