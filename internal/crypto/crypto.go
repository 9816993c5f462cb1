// Package crypto encrypts provider API keys before they touch durable
// storage. Keys are derived from the configured passphrase via SHA-256.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: passphrase must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Encryptor seals and opens strings with AES-GCM. The AEAD is built
// once at construction so per-call work is limited to nonce generation.
type Encryptor struct {
	aead cipher.AEAD
}

func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, ErrInvalidKey
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext). A fresh random nonce is
// drawn for every call, so encrypting the same plaintext twice yields
// different outputs.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	n := e.aead.NonceSize()
	if len(data) < n {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
