// Package credential issues and caches the credentials the relay presents
// to its providers: Gmail OAuth tokens and Twilio client access tokens.
package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"commsrelay/internal/domain"
)

// TokenStore persists serialized OAuth tokens by key. *store.SQLiteStore
// and *KeyringStore implement it.
type TokenStore interface {
	LoadToken(ctx context.Context, key string) ([]byte, error)
	SaveToken(ctx context.Context, key string, data []byte) error
}

// KeyringStore keeps tokens in the OS keyring, falling back to an
// encrypted file backend where no keyring daemon is available.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the keyring for service. fileDir is used by the file
// backend only.
func OpenKeyring(service, fileDir string) (*KeyringStore, error) {
	if fileDir == "" {
		fileDir = "~/.commsrelay/keyring"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// NewKeyringStore wraps an already opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func (k *KeyringStore) LoadToken(_ context.Context, key string) ([]byte, error) {
	item, err := k.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("token %q: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", key, err)
	}
	return item.Data, nil
}

func (k *KeyringStore) SaveToken(_ context.Context, key string, data []byte) error {
	err := k.ring.Set(keyring.Item{
		Key:   key,
		Data:  data,
		Label: "commsrelay " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}
