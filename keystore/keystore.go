// Package keystore manages the installation signing key: one long-lived
// ed25519 key pair persisted as a single JSON artifact, with the private
// seed encrypted at rest under a key derived from machine-stable entropy.
//
// Signing is best-effort. A keystore that failed to initialize still
// satisfies callers; Sign returns an empty signature and the chain makes
// progress without it.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/useai-dev/useaid/slogger"
	"golang.org/x/crypto/scrypt"
)

// kdfSalt is the fixed component mixed into the machine-derived secret.
// Changing it invalidates every existing keystore artifact.
const kdfSalt = "useai-keystore-v1"

const (
	saltSize  = 16
	gcmTagLen = 16
)

// artifact is the on-disk keystore format. The GCM tag is stored apart
// from the ciphertext so the artifact shape is explicit about its
// authenticated-encryption parts.
type artifact struct {
	Version             int    `json:"version"`
	PublicKey           string `json:"public_key"`
	EncryptedPrivateKey string `json:"encrypted_private_key"`
	Salt                string `json:"salt"`
	Nonce               string `json:"nonce"`
	Tag                 string `json:"tag"`
	CreatedAt           string `json:"created_at"`
}

// Keystore holds the installation key pair. The zero value is a keystore
// with no key: Sign returns "" and Available reports false.
type Keystore struct {
	mu      sync.RWMutex
	path    string
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	logger  slogger.Logger
}

// Options configures a Keystore.
type Options struct {
	// Path is the location of the keystore artifact (keystore.json).
	Path string

	// Logger defaults to slogger.DefaultLogger.
	Logger slogger.Logger
}

// New loads the keystore artifact at opts.Path, generating and persisting a
// fresh key pair if the file is missing or no longer decryptable. Records
// signed by a lost key remain verifiable against their recorded signatures;
// they just no longer match the new public key.
//
// The only error condition is an unwritable containing directory.
func New(opts Options) (*Keystore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	k := &Keystore{path: opts.Path, logger: logger}

	if priv, pub, err := k.load(); err == nil {
		k.private = priv
		k.public = pub
		return k, nil
	} else if !os.IsNotExist(err) {
		logger.Debug("keystore unreadable, regenerating", "path", opts.Path, "error", err)
	}

	priv, pub, err := k.generate()
	if err != nil {
		return nil, err
	}
	k.private = priv
	k.public = pub
	return k, nil
}

// Sign returns the hex ed25519 signature over the decoded digest, or ""
// when the key or the input is unusable. It never fails the caller.
func (k *Keystore) Sign(hashHex string) string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.private == nil {
		return ""
	}
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(ed25519.Sign(k.private, digest))
}

// Verify reports whether sigHex is a valid signature over hashHex by this
// installation's public key.
func (k *Keystore) Verify(hashHex, sigHex string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.public == nil {
		return false
	}
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(k.public, digest, sig)
}

// PublicKey returns the raw public key bytes, or nil when unavailable.
func (k *Keystore) PublicKey() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.public == nil {
		return nil
	}
	out := make([]byte, len(k.public))
	copy(out, k.public)
	return out
}

// Available reports whether a signing key is loaded.
func (k *Keystore) Available() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.private != nil
}

func (k *Keystore) load() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return nil, nil, err
	}
	var art artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, nil, fmt.Errorf("failed to parse keystore artifact: %w", err)
	}

	pub, err := base64.StdEncoding.DecodeString(art.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("invalid public key in keystore artifact")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(art.EncryptedPrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ciphertext in keystore artifact")
	}
	salt, err := base64.StdEncoding.DecodeString(art.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid salt in keystore artifact")
	}
	nonce, err := base64.StdEncoding.DecodeString(art.Nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid nonce in keystore artifact")
	}
	tag, err := base64.StdEncoding.DecodeString(art.Tag)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid tag in keystore artifact")
	}

	gcm, err := newGCM(salt)
	if err != nil {
		return nil, nil, err
	}
	seed, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt private key: %w", err)
	}
	defer wipe(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("decrypted seed has wrong size")
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return priv, ed25519.PublicKey(pub), nil
}

func (k *Keystore) generate() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := newGCM(salt)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	seed := priv.Seed()
	sealed := gcm.Seal(nil, nonce, seed, nil)
	wipe(seed)
	ciphertext := sealed[:len(sealed)-gcmTagLen]
	tag := sealed[len(sealed)-gcmTagLen:]

	art := artifact{
		Version:             1,
		PublicKey:           base64.StdEncoding.EncodeToString(pub),
		EncryptedPrivateKey: base64.StdEncoding.EncodeToString(ciphertext),
		Salt:                base64.StdEncoding.EncodeToString(salt),
		Nonce:               base64.StdEncoding.EncodeToString(nonce),
		Tag:                 base64.StdEncoding.EncodeToString(tag),
		CreatedAt:           time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return nil, nil, fmt.Errorf("failed to write keystore artifact: %w", err)
	}
	return priv, pub, nil
}

// newGCM derives the symmetric key from machine-stable entropy and the
// artifact salt, and returns an AES-256-GCM instance over it.
func newGCM(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(machineSecret(), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer wipe(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// machineSecret combines host and user identity with the fixed salt. The
// result is stable across restarts on the same installation, which is all
// the encryption needs: the threat model is casual file copying, not a
// local attacker with the user's privileges.
func machineSecret() []byte {
	host, _ := os.Hostname()
	identity := ""
	if u, err := user.Current(); err == nil {
		identity = u.Uid + ":" + u.Username
	}
	return []byte(host + "|" + identity + "|" + kdfSalt)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
