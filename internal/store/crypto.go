package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrInvalidKey = errors.New("token encryption key must be 32 bytes (hex or base64 encoded)")

// Cipher seals credential tokens with AES-256-GCM. Ciphertexts are nonce||sealed.
type Cipher struct {
	aead cipher.AEAD
}

// ParseKey decodes a 32-byte key given as hex or standard base64.
func ParseKey(encoded string) ([]byte, error) {
	if b, err := hex.DecodeString(encoded); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, ErrInvalidKey
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating block cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt returns nil for empty plaintext so absent tokens stay NULL.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (c *Cipher) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	n := c.aead.NonceSize()
	if len(ciphertext) < n {
		return "", errors.New("ciphertext too short")
	}
	plain, err := c.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting token: %w", err)
	}
	return string(plain), nil
}
