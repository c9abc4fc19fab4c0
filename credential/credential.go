// Package credential seals upstream tokens before they reach the shared
// store. The relay treats decrypted tokens as opaque strings.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned for ciphertext that cannot be opened with the
// configured key.
var ErrDecrypt = errors.New("relaycore/credential: cannot decrypt")

const sealedPrefix = "xc1:"

// Cipher encrypts and decrypts credential material.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Plain stores credentials unencrypted. Only for tests and local demos.
type Plain struct{}

func (Plain) Encrypt(s string) (string, error) { return s, nil }
func (Plain) Decrypt(s string) (string, error) { return s, nil }

// Sealer is an XChaCha20-Poly1305 Cipher.
type Sealer struct {
	key []byte
}

var (
	_ Cipher = Plain{}
	_ Cipher = (*Sealer)(nil)
)

// NewSealer creates a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("relaycore/credential: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// ParseKey creates a Sealer from a hex-encoded key.
func ParseKey(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("relaycore/credential: parse key: %w", err)
	}
	return NewSealer(key)
}

// Encrypt seals plaintext with a random nonce. Empty input stays empty so
// absent tokens remain absent.
func (s *Sealer) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("relaycore/credential: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("relaycore/credential: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (s *Sealer) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	enc, ok := strings.CutPrefix(ciphertext, sealedPrefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrDecrypt)
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("relaycore/credential: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: truncated", ErrDecrypt)
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
