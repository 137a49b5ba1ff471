// Package sealer encrypts credential material at rest with AES-256-GCM.
//
// The 256-bit key is derived from an operator secret with HKDF-SHA256. Every
// Seal call draws a fresh 12-byte nonce; the authentication tag is stored
// separately from the ciphertext so the three parts map onto distinct columns.
package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keySalt   = "rostersync-integration-credentials"
	keyInfo   = "credential-encryption-v1"
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	ErrEmptySecret    = errors.New("sealer: secret cannot be empty")
	ErrEmptyPlaintext = errors.New("sealer: plaintext cannot be empty")
	ErrMalformed      = errors.New("sealer: malformed sealed payload")
	ErrOpenFailed     = errors.New("sealer: authentication failed")
)

// Sealed is an encrypted payload split into its parts.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Sealer encrypts and decrypts payloads.
type Sealer interface {
	Seal(plaintext []byte) (Sealed, error)
	Open(s Sealed) ([]byte, error)
}

// AESGCM implements Sealer.
type AESGCM struct {
	aead cipher.AEAD
}

// New derives the key from secret and returns a ready sealer.
func New(secret []byte) (*AESGCM, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(keySalt), []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("sealer: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealer: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealer: gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

func (a *AESGCM) Seal(plaintext []byte) (Sealed, error) {
	if len(plaintext) == 0 {
		return Sealed{}, ErrEmptyPlaintext
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("sealer: nonce: %w", err)
	}
	out := a.aead.Seal(nil, nonce, plaintext, nil)
	split := len(out) - tagSize
	return Sealed{
		Ciphertext: out[:split:split],
		IV:         nonce,
		Tag:        out[split:],
	}, nil
}

func (a *AESGCM) Open(s Sealed) ([]byte, error) {
	if len(s.IV) != nonceSize || len(s.Tag) != tagSize || len(s.Ciphertext) == 0 {
		return nil, ErrMalformed
	}
	joined := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	joined = append(joined, s.Ciphertext...)
	joined = append(joined, s.Tag...)
	plain, err := a.aead.Open(nil, s.IV, joined, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plain, nil
}
