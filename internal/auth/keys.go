package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

// KeyBits is the size of the generated client key
const KeyBits = 2048

// ErrDecryption is returned when a token cannot be recovered with the public key
var ErrDecryption = errors.New("rsa public key decryption failed")

// GenerateKey creates a new RSA key pair for enrollment
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate %d-bit key: %w", KeyBits, err)
	}
	return key, nil
}

// EncodePrivateKey returns the key as a PKCS#8 PEM block
func EncodePrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// CreateCSR builds a PEM certificate signing request with the given common name
func CreateCSR(key *rsa.PrivateKey, commonName string) ([]byte, error) {
	if commonName == "" {
		return nil, fmt.Errorf("common name is required")
	}

	template := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: commonName},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate request: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// ParsePublicKey accepts a PKIX "PUBLIC KEY", a PKCS#1 "RSA PUBLIC KEY" or a
// certificate, PEM or DER encoded, and returns the RSA key inside it
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	der := data
	blockType := ""
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
		blockType = block.Type
	}

	switch blockType {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(der)
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		return asRSA(cert.PublicKey)
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		return asRSA(pub)
	}
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}

	return nil, fmt.Errorf("no RSA public key found in %d bytes", len(data))
}

func asRSA(pub interface{}) (*rsa.PublicKey, error) {
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", pub)
	}
	return rsaPub, nil
}

// DecryptWithPublicKey recovers data that was encrypted with the matching
// private key using PKCS#1 v1.5 block type 1 padding (what openssl calls
// public decrypt). The ciphertext must be exactly the modulus size.
func DecryptWithPublicKey(pub *rsa.PublicKey, ciphertext []byte) ([]byte, error) {
	if pub == nil || pub.N == nil {
		return nil, fmt.Errorf("%w: no public key", ErrDecryption)
	}

	k := (pub.N.BitLen() + 7) / 8
	if len(ciphertext) != k {
		return nil, fmt.Errorf("%w: ciphertext is %d bytes, modulus is %d", ErrDecryption, len(ciphertext), k)
	}

	c := new(big.Int).SetBytes(ciphertext)
	if c.Cmp(pub.N) >= 0 {
		return nil, fmt.Errorf("%w: ciphertext out of range", ErrDecryption)
	}

	m := new(big.Int).Exp(c, big.NewInt(int64(pub.E)), pub.N)
	em := m.FillBytes(make([]byte, k))

	// 0x00 || 0x01 || PS (0xff, at least 8 bytes) || 0x00 || data
	if em[0] != 0x00 || em[1] != 0x01 {
		return nil, fmt.Errorf("%w: bad block type", ErrDecryption)
	}

	i := 2
	for ; i < k; i++ {
		if em[i] == 0x00 {
			break
		}
		if em[i] != 0xff {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
		}
	}
	if i == k || i-2 < 8 {
		return nil, fmt.Errorf("%w: padding too short", ErrDecryption)
	}

	return em[i+1:], nil
}
