package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"obf-bridge/internal/config"
	"obf-bridge/internal/logging"
)

// Options control how a single transport call is made
type Options struct {
	// ClientCertificate attaches the stored client certificate and key.
	// Enrollment calls leave it off because no certificate exists yet.
	ClientCertificate bool
}

// Response is the raw result of a transport call
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Transport performs the HTTP calls behind Client. HTTPTransport is the real
// implementation; tests substitute their own.
type Transport interface {
	Get(ctx context.Context, rawURL string, params url.Values, opts Options) (*Response, error)
	Post(ctx context.Context, rawURL string, body []byte, opts Options) (*Response, error)
	Delete(ctx context.Context, rawURL string, params url.Values, opts Options) (*Response, error)
}

// CertificateSource supplies the client key pair for mutual TLS
type CertificateSource interface {
	ClientCertificate() (tls.Certificate, error)
}

// HTTPTransport is a net/http transport with mutual TLS and retries
type HTTPTransport struct {
	anonymous    *http.Client
	mutual       *http.Client
	certs        CertificateSource
	logger       *logrus.Logger
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

// TransportConfig holds configuration for the HTTP transport
type TransportConfig struct {
	Timeout      time.Duration
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	RootCAs      *x509.CertPool
}

// DefaultTransportConfig returns a transport configuration with sensible defaults
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		Timeout:      30 * time.Second,
		MaxRetries:   2,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.1,
	}
}

// TransportConfigFromConfig derives transport settings from the bridge config
func TransportConfigFromConfig(cfg *config.Config) (*TransportConfig, error) {
	tc := DefaultTransportConfig()
	tc.Timeout = cfg.Timeout()
	tc.MaxRetries = cfg.MaxRetries

	if cfg.APICAFile != "" {
		pool, err := LoadRootCAs(cfg.APICAFile)
		if err != nil {
			return nil, err
		}
		tc.RootCAs = pool
	}

	return tc, nil
}

// LoadRootCAs returns the system pool extended with the PEM certificates in path
func LoadRootCAs(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}

	return pool, nil
}

// NewHTTPTransport creates a transport. certs may be nil when only
// unauthenticated calls will be made.
func NewHTTPTransport(tc *TransportConfig, certs CertificateSource, logger *logrus.Logger) (*HTTPTransport, error) {
	if tc == nil {
		return nil, fmt.Errorf("transport config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	t := &HTTPTransport{
		certs:        certs,
		logger:       logger,
		maxRetries:   tc.MaxRetries,
		baseDelay:    tc.BaseDelay,
		maxDelay:     tc.MaxDelay,
		jitterFactor: tc.JitterFactor,
	}

	// Peer and hostname verification stay on for both clients
	anonTLS := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    tc.RootCAs,
	}
	mutualTLS := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    tc.RootCAs,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			if t.certs == nil {
				return nil, ErrNoCertificateSource
			}
			cert, err := t.certs.ClientCertificate()
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	}

	t.anonymous = newHTTPClient(tc.Timeout, anonTLS)
	t.mutual = newHTTPClient(tc.Timeout, mutualTLS)

	return t, nil
}

// ErrNoCertificateSource is returned for certificate calls on a transport built without one
var ErrNoCertificateSource = errors.New("transport has no client certificate source")

func newHTTPClient(timeout time.Duration, tlsConfig *tls.Config) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:       tlsConfig,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
		},
		// The API never redirects; following one would leak the client certificate
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Get performs a GET with params encoded in the query string
func (t *HTTPTransport) Get(ctx context.Context, rawURL string, params url.Values, opts Options) (*Response, error) {
	return t.do(ctx, http.MethodGet, withQuery(rawURL, params), nil, opts)
}

// Post performs a POST with a JSON body
func (t *HTTPTransport) Post(ctx context.Context, rawURL string, body []byte, opts Options) (*Response, error) {
	return t.do(ctx, http.MethodPost, rawURL, body, opts)
}

// Delete performs a DELETE with params encoded in the query string
func (t *HTTPTransport) Delete(ctx context.Context, rawURL string, params url.Values, opts Options) (*Response, error) {
	return t.do(ctx, http.MethodDelete, withQuery(rawURL, params), nil, opts)
}

// CloseIdleConnections drops pooled connections, so the next call performs a
// fresh handshake with whatever certificate is on disk now
func (t *HTTPTransport) CloseIdleConnections() {
	t.anonymous.CloseIdleConnections()
	t.mutual.CloseIdleConnections()
}

// do executes a request, retrying idempotent methods on transient failures
func (t *HTTPTransport) do(ctx context.Context, method, rawURL string, body []byte, opts Options) (*Response, error) {
	if opts.ClientCertificate {
		if t.certs == nil {
			return nil, ErrNoCertificateSource
		}
		// Fail closed before touching the network
		if _, err := t.certs.ClientCertificate(); err != nil {
			return nil, err
		}
	}

	retries := 0
	if method != http.MethodPost {
		retries = t.maxRetries
	}

	var resp *Response
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := t.calculateDelay(attempt)
			t.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
				"method":  method,
			}).Debug("Retrying request")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err = t.doRequest(ctx, method, rawURL, body, opts)
		if !t.shouldRetry(ctx, err, resp) {
			return resp, err
		}

		if err != nil {
			logging.LogNetworkError(t.logger, err, method+" "+redactQuery(rawURL), attempt+1)
		}
	}

	return resp, err
}

// doRequest performs a single HTTP request
func (t *HTTPTransport) doRequest(ctx context.Context, method, rawURL string, body []byte, opts Options) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", logging.ServiceName)

	client := t.anonymous
	if opts.ClientCertificate {
		client = t.mutual
	}

	t.logger.WithFields(logrus.Fields{
		"method":             method,
		"url":                redactQuery(rawURL),
		"client_certificate": opts.ClientCertificate,
	}).Debug("Making HTTP request")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"status_code": httpResp.StatusCode,
		"body_length": len(respBody),
	}).Debug("HTTP response received")

	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Headers:    httpResp.Header,
	}, nil
}

// shouldRetry determines if a request should be retried based on the error and response
func (t *HTTPTransport) shouldRetry(ctx context.Context, err error, resp *Response) bool {
	if ctx.Err() != nil {
		return false
	}

	if err != nil {
		return isNetworkError(err)
	}

	if resp != nil {
		switch resp.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}

	return false
}

// calculateDelay calculates the delay for exponential backoff with jitter
func (t *HTTPTransport) calculateDelay(attempt int) time.Duration {
	delay := float64(t.baseDelay) * math.Pow(2, float64(attempt-1))

	if delay > float64(t.maxDelay) {
		delay = float64(t.maxDelay)
	}

	jitter := delay * t.jitterFactor * (rand.Float64()*2 - 1)
	delay += jitter

	if delay < float64(t.baseDelay) {
		delay = float64(t.baseDelay)
	}

	return time.Duration(delay)
}

// isNetworkError checks if an error is a network-related error that should be retried.
// TLS verification failures are not retried.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary
	}

	errStr := strings.ToLower(err.Error())
	networkErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"network is unreachable",
		"i/o timeout",
		"eof",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// withQuery appends params to rawURL, keeping any query already present
func withQuery(rawURL string, params url.Values) string {
	if len(params) == 0 {
		return rawURL
	}

	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + params.Encode()
}

// redactQuery strips the query string, which may carry recipient emails
func redactQuery(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
