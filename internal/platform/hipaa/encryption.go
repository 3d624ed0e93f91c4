// Package hipaa holds the at-rest protection used for protected health
// information stored outside the database (appeal attachments).
package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var ErrCiphertextTooShort = errors.New("phi decrypt: ciphertext too short")

// PHIEncryptor seals blobs with AES-256-GCM. The output layout is
// nonce || ciphertext || tag. Callers bind each blob to its storage key
// through the associated data, so a blob copied under another key fails to
// open.
type PHIEncryptor struct {
	aead cipher.AEAD
}

// NewPHIEncryptor creates an encryptor from a 32-byte key.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}
	return &PHIEncryptor{aead: aead}, nil
}

// NewEphemeralEncryptor uses a random key that lives only as long as the
// process. Development only: blobs written with it are unreadable after a
// restart.
func NewEphemeralEncryptor() (*PHIEncryptor, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("phi encryptor: generate key: %w", err)
	}
	return NewPHIEncryptor(key)
}

func (e *PHIEncryptor) Seal(plaintext, associated []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, associated), nil
}

func (e *PHIEncryptor) Open(data, associated []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(data) < n+e.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := e.aead.Open(nil, data[:n], data[n:], associated)
	if err != nil {
		return nil, fmt.Errorf("phi decrypt: %w", err)
	}
	return plaintext, nil
}
