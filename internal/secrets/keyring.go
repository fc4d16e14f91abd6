// ABOUTME: AES-256-GCM keyring for provider credentials, master key from environment
// ABOUTME: The master key lives only in process memory and is never persisted or logged

package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MasterKeyEnv is the environment variable supplying the master key at
// startup. The value is either 64 hex characters (a raw 32-byte key) or an
// arbitrary passphrase, which is stretched with HKDF-SHA256.
const MasterKeyEnv = "MCP_ROUTER_MASTER_KEY"

// Keyring errors
var (
	ErrMissingMasterKey = errors.New("secrets: master key not configured")
	ErrDecryptionFailed = errors.New("secrets: decryption failed")
)

const (
	keySize   = 32
	nonceSize = 12
)

// HKDF context strings. Changing either invalidates every stored key.
var (
	hkdfSalt = []byte("mcp-router/keyring")
	hkdfInfo = []byte("provider-keys")
)

// Keyring encrypts and decrypts provider secrets with a process-wide
// AES-256-GCM key.
type Keyring struct {
	aead cipher.AEAD
}

// NewKeyring creates a keyring from a raw 32-byte key.
func NewKeyring(key []byte) (*Keyring, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secrets: master key must be %d bytes, got %d", keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: creating GCM: %w", err)
	}

	return &Keyring{aead: aead}, nil
}

// KeyringFromEnv builds a keyring from MasterKeyEnv. A missing or empty
// value is a startup failure, never a silent fallback to no encryption.
func KeyringFromEnv() (*Keyring, error) {
	raw := strings.TrimSpace(os.Getenv(MasterKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("%w: set %s", ErrMissingMasterKey, MasterKeyEnv)
	}

	if len(raw) == keySize*2 {
		if key, err := hex.DecodeString(raw); err == nil {
			return NewKeyring(key)
		}
	}

	// Passphrase form: derive the key with HKDF-SHA256.
	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(raw), hkdfSalt, hkdfInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secrets: deriving key: %w", err)
	}
	return NewKeyring(key)
}

// Seal encrypts plaintext bound to the given associated data, returning the
// ciphertext and the fresh random nonce.
func (k *Keyring) Seal(plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("secrets: generating nonce: %w", err)
	}
	ciphertext = k.aead.Seal(nil, nonce, plaintext, aad)
	return ciphertext, nonce, nil
}

// Open decrypts ciphertext produced by Seal with the same associated data.
// Returns ErrDecryptionFailed if the key changed, the data is corrupted, or
// the associated data does not match; plaintext is never partially returned.
func (k *Keyring) Open(ciphertext, nonce, aad []byte) ([]byte, error) {
	if len(nonce) != nonceSize {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := k.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
