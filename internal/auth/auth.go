package auth

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"
)

// AuthManager combines the client id with the stored certificate and key.
// It is the single owner of the enrolled identity; callers receive it
// explicitly rather than through a package-level instance.
type AuthManager struct {
	ids   ClientIDStore
	creds CredentialStore

	mu       sync.RWMutex
	clientID string
}

// NewAuthManager creates a new authentication manager
func NewAuthManager(ids ClientIDStore, creds CredentialStore) (*AuthManager, error) {
	if ids == nil {
		return nil, fmt.Errorf("client id store is required")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential store is required")
	}

	return &AuthManager{
		ids:   ids,
		creds: creds,
	}, nil
}

// Initialize loads an existing client id
func (a *AuthManager) Initialize() error {
	clientID, err := a.ids.ClientID()
	if err != nil {
		return fmt.Errorf("failed to load existing client id: %w", err)
	}

	a.mu.Lock()
	a.clientID = clientID
	a.mu.Unlock()

	return nil
}

// GetClientID returns the current client id, "" when not set
func (a *AuthManager) GetClientID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clientID
}

// SetClientID persists a newly revealed client id
func (a *AuthManager) SetClientID(clientID string) error {
	if clientID == "" {
		return fmt.Errorf("client id is required")
	}

	if err := a.ids.SetClientID(clientID); err != nil {
		return fmt.Errorf("failed to store client id: %w", err)
	}

	a.mu.Lock()
	a.clientID = clientID
	a.mu.Unlock()

	return nil
}

// IsAuthenticated returns true when a client id exists and both the
// certificate and key are on disk
func (a *AuthManager) IsAuthenticated() bool {
	return a.GetClientID() != "" && a.creds.HasCredentials()
}

// ClientCertificate returns the key pair used for mutual TLS
func (a *AuthManager) ClientCertificate() (tls.Certificate, error) {
	return a.creds.ClientCertificate()
}

// CertificateExpiration returns the stored certificate's expiry, if any
func (a *AuthManager) CertificateExpiration() (time.Time, bool) {
	return a.creds.CertificateExpiration()
}

// Credentials exposes the underlying credential store
func (a *AuthManager) Credentials() CredentialStore {
	return a.creds
}

// ClearCredentials removes the certificate, the key and the client id.
// Every step is attempted; the returned error only reports what failed.
func (a *AuthManager) ClearCredentials() error {
	credErr := a.creds.DeleteCredentials()
	idErr := a.ids.ClearClientID()

	a.mu.Lock()
	a.clientID = ""
	a.mu.Unlock()

	return errors.Join(credErr, idErr)
}
