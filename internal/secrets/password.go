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
	"fmt"
	"os"
	"strings"

	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

// PasswordSource yields the SSH password.
type PasswordSource interface {
	// Name identifies the source kind ("inline", "file", "keychain").
	Name() string

	// Password returns the password. It never returns an empty string
	// without an error.
	Password(ctx context.Context) (string, error)
}

// Settings selects at most one password source.
type Settings struct {
	// Inline is the password value.
	Inline string

	// File is the path of a file containing the password.
	File string

	// KeychainAccount is the account name of a keychain entry.
	KeychainAccount string
}

// NewPasswordSource builds the configured source, or returns nil when no
// source is configured. Configuring more than one source is a ConfigError.
func NewPasswordSource(s Settings) (PasswordSource, error) {
	var configured []string
	if s.Inline != "" {
		configured = append(configured, "password")
	}
	if s.File != "" {
		configured = append(configured, "password_file")
	}
	if s.KeychainAccount != "" {
		configured = append(configured, "password_keyring")
	}

	if len(configured) > 1 {
		return nil, &sshmcperrors.ConfigError{
			Key:    "ssh.password",
			Reason: fmt.Sprintf("Set only one of %s, not several.", strings.Join(configured, ", ")),
		}
	}

	switch {
	case s.Inline != "":
		if strings.Contains(s.Inline, "\r") {
			return nil, &sshmcperrors.ConfigError{
				Key:    "ssh.password",
				Reason: "password cannot contain carriage-return characters.",
			}
		}
		return &InlineSource{value: s.Inline}, nil
	case s.File != "":
		return &FileSource{path: s.File}, nil
	case s.KeychainAccount != "":
		return NewKeychainSource(s.KeychainAccount), nil
	}
	return nil, nil
}

// InlineSource returns a fixed password.
type InlineSource struct {
	value string
}

// Name implements PasswordSource.
func (s *InlineSource) Name() string { return "inline" }

// Password implements PasswordSource.
func (s *InlineSource) Password(ctx context.Context) (string, error) {
	return s.value, nil
}

// FileSource reads the password from a file on every call.
type FileSource struct {
	path string
}

// Name implements PasswordSource.
func (s *FileSource) Name() string { return "file" }

// Password implements PasswordSource. A single trailing newline sequence is
// stripped; an empty file or one containing carriage returns is rejected.
func (s *FileSource) Password(ctx context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", &sshmcperrors.ValidationError{
			Field:   "ssh.password_file",
			Message: fmt.Sprintf("Failed to read password file: %s", s.path),
		}
	}

	value := strings.TrimRight(string(data), "\n")
	if value == "" {
		return "", &sshmcperrors.ValidationError{
			Field:   "ssh.password_file",
			Message: "password file is empty.",
		}
	}
	if strings.Contains(value, "\r") {
		return "", &sshmcperrors.ValidationError{
			Field:   "ssh.password_file",
			Message: "password file contains carriage-return characters.",
		}
	}
	return value, nil
}
