package crypto

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSharedKeyAgreement(t *testing.T) {
	daemon, err := GenerateKeyPair()
	require.NoError(t, err)
	client, err := GenerateKeyPair()
	require.NoError(t, err)

	k1, err := DeriveSharedKey(daemon.Private, client.Public)
	require.NoError(t, err)
	k2, err := DeriveSharedKey(client.Private, daemon.Public)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	// A third party derives a different key.
	eve, err := GenerateKeyPair()
	require.NoError(t, err)
	k3, err := DeriveSharedKey(eve.Private, daemon.Public)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestSecureBoxRoundTrip(t *testing.T) {
	daemon, err := GenerateKeyPair()
	require.NoError(t, err)
	client, err := GenerateKeyPair()
	require.NoError(t, err)

	key, err := DeriveSharedKey(daemon.Private, client.Public)
	require.NoError(t, err)
	box, err := NewSecureBox(key)
	require.NoError(t, err)

	msg := []byte(`{"type":"session_state","agents":[]}`)
	frame, err := box.Seal(msg)
	require.NoError(t, err)
	require.NotContains(t, string(frame), "session_state")

	got, err := box.Open(frame)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	// Fresh nonce per frame: two seals of the same plaintext differ.
	frame2, err := box.Seal(msg)
	require.NoError(t, err)
	require.False(t, bytes.Equal(frame, frame2))
}

func TestSecureBoxRejectsWrongKey(t *testing.T) {
	daemon, _ := GenerateKeyPair()
	client, _ := GenerateKeyPair()
	eve, _ := GenerateKeyPair()

	key, err := DeriveSharedKey(daemon.Private, client.Public)
	require.NoError(t, err)
	box, err := NewSecureBox(key)
	require.NoError(t, err)

	frame, err := box.Seal([]byte("secret"))
	require.NoError(t, err)

	eveKey, err := DeriveSharedKey(eve.Private, daemon.Public)
	require.NoError(t, err)
	eveBox, err := NewSecureBox(eveKey)
	require.NoError(t, err)

	_, err = eveBox.Open(frame)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestSecureBoxRejectsTamperedFrame(t *testing.T) {
	daemon, _ := GenerateKeyPair()
	client, _ := GenerateKeyPair()
	key, err := DeriveSharedKey(daemon.Private, client.Public)
	require.NoError(t, err)
	box, err := NewSecureBox(key)
	require.NoError(t, err)

	frame, err := box.Seal([]byte("secret"))
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0x01
	_, err = box.Open(frame)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = box.Open([]byte("short"))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestLoadOrCreateKeyPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.key")

	kp1, err := LoadOrCreateKeyPair(path)
	require.NoError(t, err)

	kp2, err := LoadOrCreateKeyPair(path)
	require.NoError(t, err)
	require.Equal(t, kp1.Private, kp2.Private)
	require.Equal(t, kp1.Public, kp2.Public)

	pub, err := ParsePublicKey(kp1.PublicKeyBase64())
	require.NoError(t, err)
	require.Equal(t, kp1.Public, pub)

	_, err = ParsePublicKey("not-base64!!")
	require.Error(t, err)
}
