// Package credentials seals repository access tokens with an AEAD cipher so
// they can rest in the database as opaque blobs.
package credentials

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrNoKey indicates sealing or opening was attempted without a
	// configured encryption key.
	ErrNoKey = errors.New("credential encryption key not configured")

	// ErrMalformed indicates a sealed blob too short to contain a nonce.
	ErrMalformed = errors.New("sealed credential malformed")
)

// Sealer encrypts and decrypts short secrets with ChaCha20-Poly1305. Each
// Seal draws a fresh random nonce and prepends it to the ciphertext, so two
// seals of the same plaintext never produce the same blob.
//
// A nil Sealer is valid: Seal and Open fail with ErrNoKey. Callers that load
// the key from configuration can pass the result through unconditionally.
type Sealer struct {
	aead cipher.AEAD
}

// New builds a Sealer from a 32-byte key. An empty key yields (nil, nil) so
// deployments without stored tokens need no key material.
func New(key []byte) (*Sealer, error) {
	if len(key) == 0 {
		return nil, nil
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("building credential cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext.
func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	if s == nil {
		return nil, ErrNoKey
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(sealed []byte) (string, error) {
	if s == nil {
		return "", ErrNoKey
	}
	if len(sealed) < s.aead.NonceSize() {
		return "", ErrMalformed
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("opening sealed credential: %w", err)
	}
	return string(plaintext), nil
}

// SealString seals plaintext and base64-encodes the blob so it fits a TEXT
// column.
func (s *Sealer) SealString(plaintext string) (string, error) {
	sealed, err := s.Seal(plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString.
func (s *Sealer) OpenString(encoded string) (string, error) {
	if s == nil {
		return "", ErrNoKey
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s.Open(sealed)
}
