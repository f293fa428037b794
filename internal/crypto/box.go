package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrDecrypt is returned when a frame fails authentication. The relay link
// is terminated on the first occurrence.
var ErrDecrypt = errors.New("frame decryption failed")

// SecureBox seals and opens relay frames under a derived shared key.
// Each frame is nonce || ciphertext || tag with a fresh random 12-byte nonce.
type SecureBox struct {
	aead cipher.AEAD
}

// NewSecureBox builds an AES-256-GCM box from a 32-byte key.
func NewSecureBox(key [32]byte) (*SecureBox, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecureBox{aead: aead}, nil
}

// Seal encrypts plaintext into a self-contained frame.
func (b *SecureBox) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a frame produced by Seal.
func (b *SecureBox) Open(frame []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(frame) < ns+b.aead.Overhead() {
		return nil, ErrDecrypt
	}
	plaintext, err := b.aead.Open(nil, frame[:ns], frame[ns:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
