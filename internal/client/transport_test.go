package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obf-bridge/internal/config"
	"obf-bridge/internal/logging"
)

func fastTransport(t *testing.T, pool *x509.CertPool, retries int) *HTTPTransport {
	t.Helper()
	tc := DefaultTransportConfig()
	tc.RootCAs = pool
	tc.MaxRetries = retries
	tc.BaseDelay = time.Millisecond
	tc.MaxDelay = 5 * time.Millisecond
	transport, err := NewHTTPTransport(tc, nil, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(transport.CloseIdleConnections)
	return transport
}

func tlsServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *x509.CertPool) {
	t.Helper()
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())
	return server, pool
}

func TestNewHTTPTransport(t *testing.T) {
	_, err := NewHTTPTransport(nil, nil, logging.Discard())
	assert.Error(t, err)

	_, err = NewHTTPTransport(DefaultTransportConfig(), nil, nil)
	assert.Error(t, err)

	transport, err := NewHTTPTransport(DefaultTransportConfig(), nil, logging.Discard())
	require.NoError(t, err)
	assert.NotNil(t, transport)
}

func TestHTTPTransport_GetQueryAndPostBody(t *testing.T) {
	var gotQuery, gotBody, gotContentType string
	server, pool := tlsServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"ok":1}`))
	})
	transport := fastTransport(t, pool, 0)
	ctx := context.Background()

	resp, err := transport.Get(ctx, server.URL+"/x", url.Values{"email": {"a|b"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, `{"ok":1}`, string(resp.Body))
	assert.Equal(t, "email=a%7Cb", gotQuery)

	_, err = transport.Post(ctx, server.URL+"/x", []byte(`{"a":1}`), Options{})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, gotBody)
	assert.Equal(t, "application/json", gotContentType)

	_, err = transport.Delete(ctx, server.URL+"/x?keep=1", url.Values{"email": {"c"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "keep=1&email=c", gotQuery)
}

func TestHTTPTransport_RetriesIdempotentMethods(t *testing.T) {
	var attempts int32
	server, pool := tlsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	transport := fastTransport(t, pool, 3)

	resp, err := transport.Get(context.Background(), server.URL, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestHTTPTransport_NoRetryForPost(t *testing.T) {
	var attempts int32
	server, pool := tlsServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	transport := fastTransport(t, pool, 3)

	resp, err := transport.Post(context.Background(), server.URL, []byte(`{}`), Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestHTTPTransport_VerifiesServerCertificate(t *testing.T) {
	server, _ := tlsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Empty pool: the server's self-signed certificate must not be trusted
	transport := fastTransport(t, x509.NewCertPool(), 2)

	_, err := transport.Get(context.Background(), server.URL, nil, Options{})
	require.Error(t, err)

	var certErr *tls.CertificateVerificationError
	assert.True(t, errors.As(err, &certErr) || isUnknownAuthority(err), "unexpected error: %v", err)
}

func isUnknownAuthority(err error) bool {
	var unknown x509.UnknownAuthorityError
	return errors.As(err, &unknown)
}

func TestHTTPTransport_ClientCertificateWithoutSource(t *testing.T) {
	transport := fastTransport(t, nil, 0)

	_, err := transport.Get(context.Background(), "https://127.0.0.1:1", nil, Options{ClientCertificate: true})
	assert.ErrorIs(t, err, ErrNoCertificateSource)
}

func TestHTTPTransport_ContextCancellation(t *testing.T) {
	server, pool := tlsServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	transport := fastTransport(t, pool, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := transport.Get(ctx, server.URL, nil, Options{})
	assert.Error(t, err)
}

func TestCalculateDelay(t *testing.T) {
	transport := &HTTPTransport{
		baseDelay:    100 * time.Millisecond,
		maxDelay:     time.Second,
		jitterFactor: 0.1,
	}

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{attempt: 1, min: 100 * time.Millisecond, max: 110 * time.Millisecond},
		{attempt: 2, min: 180 * time.Millisecond, max: 220 * time.Millisecond},
		{attempt: 3, min: 360 * time.Millisecond, max: 440 * time.Millisecond},
		{attempt: 10, min: 900 * time.Millisecond, max: 1100 * time.Millisecond},
	}

	for _, tt := range tests {
		delay := transport.calculateDelay(tt.attempt)
		assert.GreaterOrEqual(t, delay, tt.min, "attempt %d", tt.attempt)
		assert.LessOrEqual(t, delay, tt.max, "attempt %d", tt.attempt)
	}
}

func TestShouldRetry(t *testing.T) {
	transport := &HTTPTransport{}
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		resp *Response
		want bool
	}{
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "other error", err: errors.New("malformed"), want: false},
		{name: "certificate error", err: &tls.CertificateVerificationError{Err: errors.New("eof")}, want: false},
		{name: "429", resp: &Response{StatusCode: 429}, want: true},
		{name: "500", resp: &Response{StatusCode: 500}, want: true},
		{name: "502", resp: &Response{StatusCode: 502}, want: true},
		{name: "503", resp: &Response{StatusCode: 503}, want: true},
		{name: "504", resp: &Response{StatusCode: 504}, want: true},
		{name: "501", resp: &Response{StatusCode: 501}, want: false},
		{name: "404", resp: &Response{StatusCode: 404}, want: false},
		{name: "200", resp: &Response{StatusCode: 200}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transport.shouldRetry(ctx, tt.err, tt.resp))
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, transport.shouldRetry(cancelled, nil, &Response{StatusCode: 503}))
}

func TestTransportConfigFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RequestTimeout = 7
	cfg.MaxRetries = 4

	tc, err := TransportConfigFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, tc.Timeout)
	assert.Equal(t, 4, tc.MaxRetries)
	assert.Nil(t, tc.RootCAs)

	cfg.APICAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = TransportConfigFromConfig(cfg)
	assert.Error(t, err)

	junk := filepath.Join(t.TempDir(), "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a certificate"), 0644))
	cfg.APICAFile = junk
	_, err = TransportConfigFromConfig(cfg)
	assert.Error(t, err)
}

func TestRedactQuery(t *testing.T) {
	assert.Equal(t, "https://x/event/1/", redactQuery("https://x/event/1/?email=a%40b"))
	assert.Equal(t, "https://x/ping", redactQuery("https://x/ping"))
}
