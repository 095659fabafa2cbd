package vault

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "agentgate"
	keyringUser    = "vault"
)

// ResolvePassphrase returns the vault passphrase from the first available
// source: the explicit value (config or VAULT_PASSPHRASE), then the OS
// keyring entry agentgate/vault.
func ResolvePassphrase(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	pass, err := keyring.Get(keyringService, keyringUser)
	if err == nil && pass != "" {
		return pass, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("vault: keyring lookup failed: %w", err)
	}
	return "", errors.New("vault: no passphrase available (set VAULT_PASSPHRASE or store one in the OS keyring)")
}

// StoreKeyringPassphrase saves the passphrase in the OS keyring for
// operator machines that prefer not to export environment variables.
func StoreKeyringPassphrase(pass string) error {
	if pass == "" {
		return errors.New("vault: passphrase is empty")
	}
	return keyring.Set(keyringService, keyringUser, pass)
}
