// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"

	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

// KeychainService is the service name used for keychain entries.
const KeychainService = "ssh-mcp"

// ErrSecretNotFound is returned when a keychain entry does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// KeychainSource reads the password from the system keychain.
// Supported platforms:
//   - macOS: Keychain Access
//   - Linux: Secret Service API (GNOME Keyring, KWallet)
//   - Windows: Credential Manager
type KeychainSource struct {
	account string
}

// NewKeychainSource creates a keychain-backed source for account.
func NewKeychainSource(account string) *KeychainSource {
	return &KeychainSource{account: account}
}

// Name implements PasswordSource.
func (s *KeychainSource) Name() string { return "keychain" }

// Password implements PasswordSource.
func (s *KeychainSource) Password(ctx context.Context) (string, error) {
	value, err := keyring.Get(KeychainService, s.account)
	if err != nil {
		reason := fmt.Sprintf("keychain entry %q could not be read", s.account)
		if errors.Is(err, keyring.ErrNotFound) {
			reason = fmt.Sprintf("keychain entry %q not found; run 'ssh-mcp password set %s'", s.account, s.account)
		}
		return "", &sshmcperrors.ValidationError{
			Field:   "ssh.password_keyring",
			Message: reason,
		}
	}
	if value == "" {
		return "", &sshmcperrors.ValidationError{
			Field:   "ssh.password_keyring",
			Message: fmt.Sprintf("keychain entry %q is empty.", s.account),
		}
	}
	return value, nil
}

// StorePassword saves password in the keychain under account.
func StorePassword(account, password string) error {
	if strings.Contains(password, "\r") || strings.Contains(password, "\n") {
		return &sshmcperrors.ValidationError{
			Field:   "password",
			Message: "password cannot contain newline characters.",
		}
	}
	if err := keyring.Set(KeychainService, account, password); err != nil {
		return fmt.Errorf("keychain error: %w", err)
	}
	return nil
}

// DeletePassword removes the keychain entry for account.
func DeletePassword(account string) error {
	if err := keyring.Delete(KeychainService, account); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSecretNotFound, account)
		}
		return fmt.Errorf("keychain error: %w", err)
	}
	return nil
}
