package auth

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotEnrolled is returned when the certificate or private key is missing
var ErrNotEnrolled = errors.New("client certificate and private key are not both present")

// CredentialStore handles storage of the client private key and certificate
type CredentialStore interface {
	HasCredentials() bool
	StorePrivateKey(keyPEM []byte) error
	StoreCertificate(certPEM []byte) error
	ClientCertificate() (tls.Certificate, error)
	CertificateExpiration() (time.Time, bool)
	DeleteCredentials() error
	CheckWritable() error
}

// FileCredentialStore keeps the key and certificate as PEM files in one directory
type FileCredentialStore struct {
	dir      string
	keyPath  string
	certPath string
}

// NewFileCredentialStore creates a store rooted at dir
func NewFileCredentialStore(dir, keyPath, certPath string) (*FileCredentialStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("pki directory is required")
	}
	if keyPath == "" || certPath == "" {
		return nil, fmt.Errorf("key and certificate paths are required")
	}

	return &FileCredentialStore{
		dir:      dir,
		keyPath:  keyPath,
		certPath: certPath,
	}, nil
}

// KeyPath returns the private key location
func (s *FileCredentialStore) KeyPath() string {
	return s.keyPath
}

// CertificatePath returns the certificate location
func (s *FileCredentialStore) CertificatePath() string {
	return s.certPath
}

// HasCredentials reports whether both the key and the certificate exist.
// A key without a certificate is a half-finished enrollment.
func (s *FileCredentialStore) HasCredentials() bool {
	return fileExists(s.keyPath) && fileExists(s.certPath)
}

// StorePrivateKey writes a new private key. Any existing certificate is
// removed first because it belongs to the previous key.
func (s *FileCredentialStore) StorePrivateKey(keyPEM []byte) error {
	if err := os.Remove(s.certPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale certificate: %w", err)
	}

	if err := writeFileAtomic(s.keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	return nil
}

// StoreCertificate writes the issued certificate
func (s *FileCredentialStore) StoreCertificate(certPEM []byte) error {
	if err := writeFileAtomic(s.certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}

// ClientCertificate loads the key pair for mutual TLS
func (s *FileCredentialStore) ClientCertificate() (tls.Certificate, error) {
	if !s.HasCredentials() {
		return tls.Certificate{}, ErrNotEnrolled
	}

	cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load client key pair: %w", err)
	}

	return cert, nil
}

// CertificateExpiration returns the certificate's NotAfter time. The bool is
// false when there is no readable certificate.
func (s *FileCredentialStore) CertificateExpiration() (time.Time, bool) {
	data, err := os.ReadFile(s.certPath)
	if err != nil {
		return time.Time{}, false
	}

	cert, err := ParseCertificate(data)
	if err != nil {
		return time.Time{}, false
	}

	return cert.NotAfter, true
}

// DeleteCredentials removes both files. Missing files are not an error.
func (s *FileCredentialStore) DeleteCredentials() error {
	var errs []error
	for _, path := range []string{s.certPath, s.keyPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckWritable verifies the PKI directory exists and can be written to
func (s *FileCredentialStore) CheckWritable() error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("pki directory %s: %w", s.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("pki directory %s is not a directory", s.dir)
	}

	if err := checkDirWritable(s.dir); err != nil {
		return fmt.Errorf("pki directory %s is not writable: %w", s.dir, err)
	}

	return nil
}

// ParseCertificate decodes the first PEM certificate block, falling back to DER
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}

	return x509.ParseCertificate(data)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// writeFileAtomic writes through a temp file in the same directory and renames
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}

	return nil
}
