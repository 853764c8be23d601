package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const (
	serviceName = "mailflow"

	// VaultKeyName is the keyring entry holding the vault secret.
	VaultKeyName = "vault-key"
)

// KeySource reads and writes the vault secret outside the config file.
type KeySource interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// Keyring stores secrets in the OS keyring.
type Keyring struct {
	open func() (keyring.Keyring, error)
}

// NewKeyring returns a KeySource backed by the system keyring.
func NewKeyring() *Keyring {
	return &Keyring{open: openKeyring}
}

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailflow/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailflow-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a secret by key.
func (k *Keyring) Get(key string) (string, error) {
	ring, err := k.open()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a secret by key.
func (k *Keyring) Set(key, value string) error {
	ring, err := k.open()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Label: "mailflow " + key,
		Data:  []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// LoadVault builds the process vault once at startup. A configured key wins;
// otherwise the key is read from src under VaultKeyName.
func LoadVault(configured string, src KeySource) (*Vault, error) {
	secret := configured
	if secret == "" && src != nil {
		stored, err := src.Get(VaultKeyName)
		if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, &CryptoError{Op: "init", Err: err}
		}
		secret = stored
	}
	return NewVault(secret)
}
