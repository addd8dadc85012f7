// Package sealer encrypts secret values before they reach the request store.
package sealer

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sentinel-sh/sentinel/internal/safefile"
)

// sealedPrefix marks a value produced by Seal.
const sealedPrefix = "sealed:v1:"

// maxKeyFile bounds the key file read.
const maxKeyFile = 4 << 10

var (
	// ErrKeySize is returned for keys that are not chacha20poly1305.KeySize bytes.
	ErrKeySize = fmt.Errorf("seal key must be %d bytes", chacha20poly1305.KeySize)
	// ErrNotSealed is returned by Open for values without the sealed prefix.
	ErrNotSealed = errors.New("value is not sealed")
)

type cipherSuite interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// Sealer is an XChaCha20-Poly1305 AEAD. The additional data binds each
// ciphertext to the request it belongs to.
type Sealer struct {
	aead cipherSuite
}

// New builds a Sealer from a raw 32-byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// GenerateKey returns a fresh base64-encoded key suitable for a key file.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// LoadKeyFile reads a base64 key written by GenerateKey. Keys readable by
// group or other are rejected.
func LoadKeyFile(path string) (*Sealer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("seal key %s: permissions %o are too open, want 0600", path, info.Mode().Perm())
	}
	data, err := safefile.ReadFileMax(path, maxKeyFile)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("seal key %s: %w", path, err)
	}
	return New(key)
}

// Seal encrypts plaintext bound to aad.
func (s *Sealer) Seal(plaintext, aad string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (s *Sealer) Open(sealed, aad string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("decrypt: ciphertext too short")
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], []byte(aad))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}
