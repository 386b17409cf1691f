// Package keys owns the broker's signing key pair and exposes its public
// material as a JSON Web Key Set for token verification by calling clients.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrNoSigningKey indicates the broker was deployed without signing key
// material. This is a configuration error: token issuance cannot proceed.
var ErrNoSigningKey = errors.New("no signing key configured")

// MinKeyBits is the minimum accepted RSA modulus size.
const MinKeyBits = 2048

// Manager holds the process-wide signing key pair. The key is loaded once at
// startup and is read-only afterwards, so concurrent reads need no locking.
type Manager struct {
	key *rsa.PrivateKey
	kid string
}

// New creates a Manager from an existing private key. If kid is empty, a
// stable key identifier is derived from the public key fingerprint.
func New(key *rsa.PrivateKey, kid string) (*Manager, error) {
	if key == nil {
		return nil, ErrNoSigningKey
	}
	if key.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("signing key too small: %d bits (minimum %d)", key.N.BitLen(), MinKeyBits)
	}
	if kid == "" {
		derived, err := fingerprint(&key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("derive key id: %w", err)
		}
		kid = derived
	}
	return &Manager{key: key, kid: kid}, nil
}

// LoadPEM parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func LoadPEM(pemBytes []byte, kid string) (*Manager, error) {
	if len(pemBytes) == 0 {
		return nil, ErrNoSigningKey
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("signing key: no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return New(key, kid)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing key: parse PEM: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key: unsupported key type %T (RSA required)", parsed)
	}
	return New(key, kid)
}

// Generate creates a fresh 2048-bit key pair. Intended for development and
// tests; production deployments load a persistent key via LoadPEM so that
// issued tokens survive restarts.
func Generate() (*Manager, error) {
	key, err := rsa.GenerateKey(rand.Reader, MinKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return New(key, "")
}

// KeyID returns the stable key identifier published alongside the key.
func (m *Manager) KeyID() string {
	return m.kid
}

// SigningKey returns the private key and its identifier for token signing.
func (m *Manager) SigningKey() (*rsa.PrivateKey, string, error) {
	if m == nil || m.key == nil {
		return nil, "", ErrNoSigningKey
	}
	return m.key, m.kid, nil
}

// Public returns the verification key for the given key id. An unknown kid is
// rejected so that tokens signed by a rotated-out key fail verification.
func (m *Manager) Public(kid string) (*rsa.PublicKey, error) {
	if m == nil || m.key == nil {
		return nil, ErrNoSigningKey
	}
	if kid != "" && kid != m.kid {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return &m.key.PublicKey, nil
}

// KeySet returns the public JSON Web Key Set. Only public material is ever
// included. Returns ErrNoSigningKey when no key is loaded so callers can
// distinguish a broken deployment from an intentionally empty set.
func (m *Manager) KeySet() (jose.JSONWebKeySet, error) {
	if m == nil || m.key == nil {
		return jose.JSONWebKeySet{}, ErrNoSigningKey
	}
	jwk := jose.JSONWebKey{
		Key:       &m.key.PublicKey,
		KeyID:     m.kid,
		Use:       "sig",
		Algorithm: string(jose.RS256),
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}, nil
}

// fingerprint derives a short stable identifier from the SHA-256 hash of the
// DER-encoded public key.
func fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:8]), nil
}
