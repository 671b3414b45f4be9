package internal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// ErrCipherKeySize is returned when the sealing key is not 32 bytes.
var ErrCipherKeySize = errors.New("cipher key must be 32 bytes")

// ErrCiphertextInvalid is returned when sealed data cannot be opened.
var ErrCiphertextInvalid = errors.New("invalid ciphertext")

// Cipher seals and opens small secrets for at-rest storage.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// AESGCMCipher is an AES-256-GCM [Cipher]. The nonce is prepended to
// the sealed output.
type AESGCMCipher struct {
	aead cipher.AEAD
}

// NewAESGCMCipher creates a cipher from a 32-byte key.
func NewAESGCMCipher(key []byte) (*AESGCMCipher, error) {
	if len(key) != 32 {
		return nil, ErrCipherKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &AESGCMCipher{aead: aead}, nil
}

func (c *AESGCMCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *AESGCMCipher) Open(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrCiphertextInvalid
	}

	plaintext, err := c.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, ErrCiphertextInvalid
	}
	return plaintext, nil
}

// NoOpCipher stores secrets as-is. Only for tests and development.
type NoOpCipher struct{}

func (NoOpCipher) Seal(plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (NoOpCipher) Open(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
