package token

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealedPrefix = "enc:v1:"

var errNoSealingKey = errors.New("sealed credential found but no encryption key is configured")

// Sealer protects token values at rest. The associated data binds a sealed
// value to its row so values cannot be swapped between credentials.
type Sealer interface {
	Seal(plaintext, associated string) (string, error)
	Open(stored, associated string) (string, error)
}

// NewSealer returns an XChaCha20-Poly1305 sealer keyed from key through
// HKDF-SHA256. An empty key disables sealing; values are then stored as-is
// and the table must be access-restricted instead.
func NewSealer(key string) (Sealer, error) {
	if key == "" {
		return plainSealer{}, nil
	}
	derived := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(key), nil, []byte("adops-nexus credential sealing v1"))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, err
	}
	return &aeadSealer{aead: aead}, nil
}

type plainSealer struct{}

func (plainSealer) Seal(plaintext, _ string) (string, error) { return plaintext, nil }

func (plainSealer) Open(stored, _ string) (string, error) {
	if strings.HasPrefix(stored, sealedPrefix) {
		return "", errNoSealingKey
	}
	return stored, nil
}

type aeadSealer struct {
	aead cipher.AEAD
}

func (s *aeadSealer) Seal(plaintext, associated string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(associated))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open accepts values written before sealing was enabled.
func (s *aeadSealer) Open(stored, associated string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errors.New("sealed value too short")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(associated))
	if err != nil {
		return "", errors.New("sealed value failed authentication")
	}
	return string(plain), nil
}
