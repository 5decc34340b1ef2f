// Package enrollment performs the one-time certificate enrollment handshake
// with the badge API and manages the resulting identity.
package enrollment

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"obf-bridge/internal/auth"
	"obf-bridge/internal/client"
	"obf-bridge/internal/lock"
	"obf-bridge/internal/logging"
)

const (
	publicKeyPath = "/client/OBF.rsa.pub"
	lockName      = "enrollment"
)

// AuthManager owns the client id and stored credentials
type AuthManager interface {
	GetClientID() string
	SetClientID(clientID string) error
	IsAuthenticated() bool
	CertificateExpiration() (time.Time, bool)
	Credentials() auth.CredentialStore
	ClearCredentials() error
}

// Pinger checks the authenticated connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// Notifier receives identity lifecycle events
type Notifier interface {
	Notify(event string, fields map[string]interface{})
}

// Event names passed to Notifier
const (
	EventEnrolled        = "enrolled"
	EventDeauthenticated = "deauthenticated"
)

// Manager handles enrollment, deauthentication and identity status
type Manager struct {
	baseURL   string
	transport client.Transport
	auth      AuthManager
	api       Pinger
	locker    lock.Locker
	logger    *logrus.Logger
	log       *logrus.Entry
	notifier  Notifier
}

// NewManager creates an enrollment manager. transport is used without a
// client certificate for the handshake; api performs connection tests.
func NewManager(baseURL string, transport client.Transport, authManager AuthManager, api Pinger, locker lock.Locker, logger *logrus.Logger) (*Manager, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("api url is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if authManager == nil {
		return nil, fmt.Errorf("auth manager is required")
	}
	if api == nil {
		return nil, fmt.Errorf("api client is required")
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Manager{
		baseURL:   strings.TrimRight(baseURL, "/"),
		transport: transport,
		auth:      authManager,
		api:       api,
		locker:    locker,
		logger:    logger,
		log:       logging.NewComponentLogger(logger, "enrollment"),
	}, nil
}

// SetNotifier registers a receiver for lifecycle events
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Enroll exchanges a signed token for a client certificate. On failure after
// the key is written the identity is left without a certificate, which
// callers observe as not enrolled.
func (m *Manager) Enroll(ctx context.Context, token string) error {
	unlock, err := m.locker.Acquire(ctx, lockName)
	if err != nil {
		return fmt.Errorf("failed to acquire enrollment lock: %w", err)
	}
	defer func() {
		if err := unlock(); err != nil {
			m.log.WithError(err).Warn("Failed to release enrollment lock")
		}
	}()

	creds := m.auth.Credentials()
	if err := creds.CheckWritable(); err != nil {
		return m.fail(newError(ErrKindPKIDirNotWritable, err), "check_pki_dir")
	}

	signature := strings.TrimSpace(token)
	raw, err := decodeToken(signature)
	if err != nil {
		return m.fail(newError(ErrKindTokenDecode, err), "decode_token")
	}

	m.log.Info("Starting enrollment")

	// Public key is fetched without a client certificate
	resp, err := m.transport.Get(ctx, m.baseURL+publicKeyPath, nil, client.Options{})
	if err != nil {
		return m.fail(&Error{Kind: ErrKindTransportFailure, Message: err.Error(), Err: err}, "fetch_public_key")
	}
	if resp.StatusCode != http.StatusOK {
		return m.fail(&Error{Kind: ErrKindServerRejected, Code: resp.StatusCode, Message: "public key request failed"}, "fetch_public_key")
	}

	pub, err := auth.ParsePublicKey(resp.Body)
	if err != nil {
		return m.fail(newError(ErrKindKeyParseFailure, err), "parse_public_key")
	}

	clientID, err := revealClientID(pub, raw)
	if err != nil {
		return m.fail(newError(ErrKindTokenDecryptFailure, err), "decrypt_token")
	}

	if err := m.auth.SetClientID(clientID); err != nil {
		return m.fail(newError(ErrKindCertificateWriteFailure, err), "store_client_id")
	}
	log := m.log.WithField("client_id", clientID)
	log.Info("Client id revealed")

	key, err := auth.GenerateKey()
	if err != nil {
		return m.fail(newError(ErrKindCsrExportFailure, err), "generate_key")
	}
	keyPEM, err := auth.EncodePrivateKey(key)
	if err != nil {
		return m.fail(newError(ErrKindCertificateWriteFailure, err), "encode_key")
	}
	if err := creds.StorePrivateKey(keyPEM); err != nil {
		logging.LogStorageError(m.logger, err, "store_private_key", true)
		return m.fail(newError(ErrKindCertificateWriteFailure, err), "store_private_key")
	}

	csrPEM, err := auth.CreateCSR(key, clientID)
	if err != nil {
		return m.fail(newError(ErrKindCsrExportFailure, err), "create_csr")
	}

	body, err := json.Marshal(map[string]string{
		"signature": signature,
		"request":   string(csrPEM),
	})
	if err != nil {
		return m.fail(newError(ErrKindCsrExportFailure, err), "encode_sign_request")
	}

	resp, err = m.transport.Post(ctx, m.baseURL+"/client/"+url.PathEscape(clientID)+"/sign_request", body, client.Options{})
	if err != nil {
		return m.fail(&Error{Kind: ErrKindTransportFailure, Message: err.Error(), Err: err}, "sign_request")
	}
	if resp.StatusCode != http.StatusOK {
		return m.fail(&Error{
			Kind:    ErrKindServerRejected,
			Code:    resp.StatusCode,
			Message: rejectionMessage(resp),
		}, "sign_request")
	}

	if _, err := tls.X509KeyPair(resp.Body, keyPEM); err != nil {
		return m.fail(&Error{
			Kind:    ErrKindServerRejected,
			Code:    resp.StatusCode,
			Message: "response is not a certificate for the new key",
			Err:     err,
		}, "sign_request")
	}

	if err := creds.StoreCertificate(resp.Body); err != nil {
		logging.LogStorageError(m.logger, err, "store_certificate", true)
		return m.fail(newError(ErrKindCertificateWriteFailure, err), "store_certificate")
	}

	m.resetConnections()

	fields := logrus.Fields{}
	if expires, ok := creds.CertificateExpiration(); ok {
		fields["expires_at"] = expires.UTC().Format(time.RFC3339)
	}
	log.WithFields(fields).Info("Enrollment completed")
	m.notify(EventEnrolled, map[string]interface{}{"client_id": clientID})

	return nil
}

// Deauthenticate removes the certificate, the key and the client id.
// Removal failures are logged and otherwise ignored.
func (m *Manager) Deauthenticate(ctx context.Context) {
	unlock, err := m.locker.Acquire(ctx, lockName)
	if err != nil {
		m.log.WithError(err).Warn("Deauthenticating without the enrollment lock")
		unlock = nil
	}
	if unlock != nil {
		defer func() {
			if err := unlock(); err != nil {
				m.log.WithError(err).Warn("Failed to release enrollment lock")
			}
		}()
	}

	clientID := m.auth.GetClientID()
	if err := m.auth.ClearCredentials(); err != nil {
		m.log.WithError(err).Debug("Some credentials could not be removed")
	}
	m.resetConnections()

	m.log.WithField("client_id", clientID).Info("Deauthenticated")
	m.notify(EventDeauthenticated, map[string]interface{}{"client_id": clientID})
}

// CertificateExpiration returns the stored certificate's expiry. It never
// touches the network.
func (m *Manager) CertificateExpiration() (time.Time, bool) {
	return m.auth.CertificateExpiration()
}

// TestConnection pings the API with the client certificate. It returns -1 on
// success, otherwise the failure code (the HTTP status, or 0 when no
// response was received) and the error.
func (m *Manager) TestConnection(ctx context.Context) (int, error) {
	if m.auth.GetClientID() == "" {
		return 0, &client.Error{Kind: client.ErrKindMissingClientID}
	}

	if err := m.api.Ping(ctx); err != nil {
		return client.ErrorCode(err), err
	}
	return -1, nil
}

// Status summarises the local identity
type Status struct {
	ClientID        string     `json:"client_id"`
	Enrolled        bool       `json:"enrolled"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DaysUntilExpiry *int       `json:"days_until_expiry,omitempty"`
	Expired         bool       `json:"expired"`
}

// Status reports the client id, whether credentials are present and when the
// certificate expires
func (m *Manager) Status() Status {
	st := Status{
		ClientID: m.auth.GetClientID(),
		Enrolled: m.auth.IsAuthenticated(),
	}

	if expires, ok := m.auth.CertificateExpiration(); ok {
		st.ExpiresAt = &expires
		days := int(time.Until(expires).Hours() / 24)
		st.DaysUntilExpiry = &days
		st.Expired = time.Now().After(expires)
	}

	return st
}

func (m *Manager) fail(err *Error, operation string) error {
	logging.LogSecurityError(m.logger, err, m.auth.GetClientID(), operation)
	return err
}

func (m *Manager) notify(event string, fields map[string]interface{}) {
	if m.notifier != nil {
		m.notifier.Notify(event, fields)
	}
}

// resetConnections drops pooled TLS sessions made with the previous identity
func (m *Manager) resetConnections() {
	if c, ok := m.transport.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

// decodeToken base64-decodes the token, ignoring embedded whitespace from
// copy and paste
func decodeToken(token string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, token)
	if compact == "" {
		return nil, errors.New("token is empty")
	}

	raw, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// revealClientID recovers {"id": ...} from the token with the API public key
func revealClientID(pub *rsa.PublicKey, raw []byte) (string, error) {
	plain, err := auth.DecryptWithPublicKey(pub, raw)
	if err != nil {
		return "", err
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(plain, &payload); err != nil {
		return "", fmt.Errorf("token payload is not JSON: %w", err)
	}
	if strings.TrimSpace(payload.ID) == "" {
		return "", errors.New("token payload has no client id")
	}
	return payload.ID, nil
}

func rejectionMessage(resp *client.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return fmt.Sprintf("api error %d", resp.StatusCode)
}
