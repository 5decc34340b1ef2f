package testpki

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// RecordedRequest is a request seen by MockAPI
type RecordedRequest struct {
	Method     string
	Path       string
	Query      url.Values
	RawQuery   string
	Body       []byte
	PeerCN     string
	HasPeerTLS bool
}

// MockAPI is a mutual-TLS badge API server backed by a test CA
type MockAPI struct {
	Server *httptest.Server
	CA     *CA
	Signer *TokenSigner

	// CertValidity is the lifetime of certificates issued by sign_request
	CertValidity time.Duration

	mu       sync.Mutex
	requests []RecordedRequest
	issued   map[string]bool
	override map[string]func(w http.ResponseWriter, r *http.Request)

	Issuer  map[string]interface{}
	Badges  []map[string]interface{}
	Events  []map[string]interface{}
	Revoked map[string]interface{}
}

// NewMockAPI starts a TLS server that verifies client certificates when given
func NewMockAPI() (*MockAPI, error) {
	ca, err := NewCA()
	if err != nil {
		return nil, err
	}
	signer, err := NewTokenSigner()
	if err != nil {
		return nil, err
	}
	serverCert, err := ca.ServerCertificate()
	if err != nil {
		return nil, err
	}

	m := &MockAPI{
		CA:           ca,
		Signer:       signer,
		CertValidity: 365 * 24 * time.Hour,
		issued:       make(map[string]bool),
		override:     make(map[string]func(w http.ResponseWriter, r *http.Request)),
		Issuer: map[string]interface{}{
			"id":   "",
			"name": "Test Issuer",
			"url":  "https://issuer.example.com",
		},
		Badges: []map[string]interface{}{
			{"id": "badge-1", "name": "First", "draft": false},
			{"id": "badge-2", "name": "Second", "draft": false},
		},
		Events: []map[string]interface{}{
			{"id": "event-1", "badge_id": "badge-1", "recipient": []string{"a@example.com"}},
		},
		Revoked: map[string]interface{}{},
	}

	m.Server = httptest.NewUnstartedServer(m.router())
	m.Server.TLS = &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    ca.Pool(),
		MinVersion:   tls.VersionTLS12,
	}
	m.Server.StartTLS()

	return m, nil
}

// Close shuts the server down
func (m *MockAPI) Close() {
	m.Server.Close()
}

// URL returns the API base URL, including the /v1 prefix
func (m *MockAPI) URL() string {
	return m.Server.URL + "/v1"
}

// Override replaces the handler for "METHOD /v1/path" with fn
func (m *MockAPI) Override(method, path string, fn func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.override[method+" "+path] = fn
}

// Requests returns a copy of every recorded request
func (m *MockAPI) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request
func (m *MockAPI) LastRequest() RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return RecordedRequest{}
	}
	return m.requests[len(m.requests)-1]
}

func (m *MockAPI) router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/client/OBF.rsa.pub", m.publicKey).Methods(http.MethodGet)
	api.HandleFunc("/client/{id}/sign_request", m.signRequest).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(m.requireClientCert)
	authed.HandleFunc("/ping/{cid}", m.ping).Methods(http.MethodGet)
	authed.HandleFunc("/client/{cid}", m.issuer).Methods(http.MethodGet)
	authed.HandleFunc("/badge/{cid}/_/categorylist", m.categories).Methods(http.MethodGet)
	authed.HandleFunc("/badge/{cid}", m.badges).Methods(http.MethodGet, http.MethodPost, http.MethodDelete)
	authed.HandleFunc("/badge/{cid}/{bid}", m.badge).Methods(http.MethodGet, http.MethodPost)
	authed.HandleFunc("/event/{cid}", m.events).Methods(http.MethodGet)
	authed.HandleFunc("/event/{cid}/{eid}", m.event).Methods(http.MethodGet)
	authed.HandleFunc("/event/{cid}/{eid}/", m.revoke).Methods(http.MethodDelete)
	authed.HandleFunc("/event/{cid}/{eid}/revoked", m.revoked).Methods(http.MethodGet)

	return m.record(r)
}

func (m *MockAPI) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		rec := RecordedRequest{
			Method:   r.Method,
			Path:     r.URL.Path,
			Query:    r.URL.Query(),
			RawQuery: r.URL.RawQuery,
			Body:     body,
		}
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			rec.HasPeerTLS = true
			rec.PeerCN = r.TLS.PeerCertificates[0].Subject.CommonName
		}

		m.mu.Lock()
		m.requests = append(m.requests, rec)
		fn := m.override[r.Method+" "+r.URL.Path]
		m.mu.Unlock()

		if fn != nil {
			fn(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *MockAPI) requireClientCert(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "client certificate required"})
			return
		}
		cn := r.TLS.PeerCertificates[0].Subject.CommonName
		if cn != mux.Vars(r)["cid"] {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "client id mismatch"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *MockAPI) publicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(m.Signer.PublicKeyPEM())
}

func (m *MockAPI) signRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signature string `json:"signature"`
		Request   string `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Signature == "" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "missing signature"})
		return
	}

	certPEM, csr, err := m.CA.SignCSR([]byte(req.Request), m.CertValidity)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if csr.Subject.CommonName != mux.Vars(r)["id"] {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "common name does not match client id"})
		return
	}

	m.mu.Lock()
	m.issued[csr.Subject.CommonName] = true
	m.mu.Unlock()

	w.Write(certPEM)
}

func (m *MockAPI) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (m *MockAPI) issuer(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	issuer := make(map[string]interface{}, len(m.Issuer))
	for k, v := range m.Issuer {
		issuer[k] = v
	}
	m.mu.Unlock()
	issuer["id"] = mux.Vars(r)["cid"]
	writeJSON(w, http.StatusOK, issuer)
}

func (m *MockAPI) categories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []string{"Science", "Arts"})
}

func (m *MockAPI) badges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeLines(w, m.Badges)
	case http.MethodPost:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (m *MockAPI) badge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bid"]
	if r.Method == http.MethodPost {
		writeJSON(w, http.StatusCreated, map[string]string{"status": "issued"})
		return
	}
	for _, b := range m.Badges {
		if b["id"] == id {
			writeJSON(w, http.StatusOK, b)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (m *MockAPI) events(w http.ResponseWriter, r *http.Request) {
	writeLines(w, m.Events)
}

func (m *MockAPI) event(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["eid"]
	for _, e := range m.Events {
		if e["id"] == id {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
}

func (m *MockAPI) revoke(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (m *MockAPI) revoked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": m.Revoked})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeLines mimics the API's newline-delimited listing format
func writeLines(w http.ResponseWriter, items []map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s\n", data)
	}
}
