package keystore

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/deepnoodle-ai/wonton/assert"
	"github.com/useai-dev/useaid"
)

func TestNewGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	ks, err := New(Options{Path: path})
	assert.NoError(t, err)
	assert.True(t, ks.Available())
	assert.Len(t, ks.PublicKey(), ed25519.PublicKeySize)

	info, err := os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestReloadKeepsKeyPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	first, err := New(Options{Path: path})
	assert.NoError(t, err)

	second, err := New(Options{Path: path})
	assert.NoError(t, err)
	assert.Equal(t, first.PublicKey(), second.PublicKey())

	digest := useaid.HashHex([]byte("payload"))
	sig := first.Sign(digest)
	assert.True(t, second.Verify(digest, sig))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	ks, err := New(Options{Path: filepath.Join(t.TempDir(), "keystore.json")})
	assert.NoError(t, err)

	digest := useaid.HashHex([]byte("chain record"))
	sig := ks.Sign(digest)
	assert.NotEqual(t, "", sig)
	assert.True(t, ks.Verify(digest, sig))

	// A different digest does not verify.
	other := useaid.HashHex([]byte("tampered"))
	assert.False(t, ks.Verify(other, sig))

	// Raw ed25519 verification agrees, which pins the signing convention:
	// the signature covers the decoded digest bytes.
	raw, err := hex.DecodeString(digest)
	assert.NoError(t, err)
	sigBytes, err := hex.DecodeString(sig)
	assert.NoError(t, err)
	assert.True(t, ed25519.Verify(ks.PublicKey(), raw, sigBytes))
}

func TestCorruptArtifactRegenerates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	first, err := New(Options{Path: path})
	assert.NoError(t, err)
	firstKey := first.PublicKey()

	assert.NoError(t, os.WriteFile(path, []byte(`{"version":1,"public_key":"bogus"}`), 0600))

	second, err := New(Options{Path: path})
	assert.NoError(t, err)
	assert.True(t, second.Available())
	assert.NotEqual(t, firstKey, second.PublicKey())
}

func TestZeroValueSignsNothing(t *testing.T) {
	var ks Keystore
	assert.False(t, ks.Available())
	assert.Equal(t, "", ks.Sign(useaid.HashHex([]byte("x"))))
	assert.Nil(t, ks.PublicKey())
}

func TestSignRejectsBadInput(t *testing.T) {
	ks, err := New(Options{Path: filepath.Join(t.TempDir(), "keystore.json")})
	assert.NoError(t, err)
	assert.Equal(t, "", ks.Sign("not hex"))
}
