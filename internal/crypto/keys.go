// Package crypto implements the E2E primitives for the relay path:
// X25519 key agreement, HKDF-SHA256 key derivation, and AES-256-GCM framing.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to this protocol.
const hkdfInfo = "paseo-relay-v2"

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// LoadOrCreateKeyPair reads the private key from path, generating and
// persisting a new one if the file does not exist. The key file holds the
// raw 32-byte private scalar, mode 0600.
func LoadOrCreateKeyPair(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != 32 {
			return nil, fmt.Errorf("key file %s is corrupt: expected 32 bytes, got %d", path, len(raw))
		}
		var kp KeyPair
		copy(kp.Private[:], raw)
		pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive public key: %w", err)
		}
		copy(kp.Public[:], pub)
		return &kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, kp.Private[:], 0600); err != nil {
		return nil, fmt.Errorf("failed to persist key file: %w", err)
	}
	return kp, nil
}

// PublicKeyBase64 returns the standard-base64 encoding of the public key,
// the form exchanged in the relay hello and the QR bootstrap.
func (kp *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.Public[:])
}

// ParsePublicKey decodes a base64 X25519 public key.
func ParsePublicKey(s string) ([32]byte, error) {
	var pub [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return pub, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != 32 {
		return pub, fmt.Errorf("invalid public key length: %d", len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}

// DeriveSharedKey computes the X25519 shared secret with the peer and
// stretches it to a 32-byte AES key via HKDF-SHA256. Both sides derive the
// same key from their own private key and the peer's public key.
func DeriveSharedKey(priv, peerPub [32]byte) ([32]byte, error) {
	var key [32]byte
	secret, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return key, fmt.Errorf("key agreement failed: %w", err)
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}
