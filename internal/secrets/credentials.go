// ABOUTME: Credential store binding encrypted provider keys to (provider, name)
// ABOUTME: Decrypts on demand; plaintext is never cached and never logged

package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/mcp-router/internal/store"
)

// ErrKeyNotFound indicates no credential is stored for (provider, name).
var ErrKeyNotFound = errors.New("secrets: key not found")

// CredentialStore encrypts provider secrets at rest. It is the only
// component that touches the master key material.
type CredentialStore struct {
	store   store.Store
	keyring *Keyring
	logger  *slog.Logger
}

// NewCredentialStore creates a credential store over the given persistence
// layer and keyring.
func NewCredentialStore(st store.Store, keyring *Keyring) *CredentialStore {
	return &CredentialStore{
		store:   st,
		keyring: keyring,
		logger:  slog.Default().With("component", "secrets"),
	}
}

// aad binds ciphertext to its (provider, name) slot so a row copied between
// slots fails to decrypt.
func aad(providerID, name string) []byte {
	return []byte(providerID + "\x00" + name)
}

// Put encrypts plaintext with a fresh nonce and upserts the (ciphertext,
// nonce) pair for (provider_id, name), replacing any prior value.
func (c *CredentialStore) Put(ctx context.Context, providerID, name, plaintext string) error {
	ciphertext, nonce, err := c.keyring.Seal([]byte(plaintext), aad(providerID, name))
	if err != nil {
		return fmt.Errorf("encrypting provider key: %w", err)
	}

	if err := c.store.PutProviderKey(ctx, providerID, name, ciphertext, nonce); err != nil {
		return err
	}

	c.logger.Info("provider key stored", "provider_id", providerID, "name", name)
	return nil
}

// Get decrypts and returns the plaintext for (provider_id, name). Returns
// ErrKeyNotFound if no key is stored, or ErrDecryptionFailed if the master
// key changed or the stored data is corrupted. The plaintext exists only for
// the caller's immediate use; it is never retained here.
func (c *CredentialStore) Get(ctx context.Context, providerID, name string) (string, error) {
	rec, err := c.store.GetProviderKey(ctx, providerID, name)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s/%s", ErrKeyNotFound, providerID, name)
	}
	if err != nil {
		return "", err
	}

	plaintext, err := c.keyring.Open(rec.Ciphertext, rec.Nonce, aad(providerID, name))
	if err != nil {
		// Log by key identity only, never by value.
		c.logger.Error("provider key decryption failed", "provider_id", providerID, "name", name)
		return "", err
	}
	return string(plaintext), nil
}

// DefaultKeyName is the provider key slot used for outbound bearer
// credentials.
const DefaultKeyName = "default"

// ProviderBearer resolves outbound credentials by provider slug. It
// implements the connection manager's credential source: each lookup
// decrypts fresh and nothing is cached.
type ProviderBearer struct {
	store store.Store
	creds *CredentialStore
}

// NewProviderBearer creates a ProviderBearer over the store and credential
// store.
func NewProviderBearer(st store.Store, creds *CredentialStore) *ProviderBearer {
	return &ProviderBearer{store: st, creds: creds}
}

// BearerFor returns the default key for the provider slug. A missing
// provider or missing key yields ok=false; a decryption failure is an error
// so stale credentials never go out on the wire.
func (p *ProviderBearer) BearerFor(ctx context.Context, providerSlug string) (string, bool, error) {
	prov, err := p.store.GetProviderBySlug(ctx, providerSlug)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	token, err := p.creds.Get(ctx, prov.ID, DefaultKeyName)
	if errors.Is(err, ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}
