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

package sshsession

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/tombee/ssh-mcp/internal/runner"
	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

const (
	askpassFileName = "ssh-askpass.sh"

	// PasswordEnvVar carries the password to the askpass helper. It is set
	// only in the environment of the open invocation.
	PasswordEnvVar = "SSH_MCP_TOOL_PASSWORD"

	askpassScript = "#!/bin/sh\nprintf '%s\\n' \"$" + PasswordEnvVar + "\"\n"

	defaultDisplay = ":0"
)

// ensureAskpassScript writes the helper script at path unless it already
// exists.
func ensureAskpassScript(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o700)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return err
	}
	if _, err := f.WriteString(askpassScript); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// passwordEnv returns the environment for an open invocation, or nil when
// no password is configured and the inherited environment applies.
func (m *Manager) passwordEnv(ctx context.Context) ([]string, error) {
	if m.cfg.Password == nil {
		return nil, nil
	}

	password, err := m.cfg.Password.Password(ctx)
	if err != nil {
		return nil, err
	}

	path := m.paths.askpassPath()
	if err := ensureAskpassScript(path); err != nil {
		return nil, &sshmcperrors.ValidationError{
			Field:   "ssh.session_dir",
			Message: fmt.Sprintf("Failed to write askpass helper: %s", path),
		}
	}

	display := os.Getenv("DISPLAY")
	if display == "" {
		display = defaultDisplay
	}

	return runner.Environ(map[string]string{
		"SSH_ASKPASS":         path,
		"SSH_ASKPASS_REQUIRE": "force",
		"DISPLAY":             display,
		PasswordEnvVar:        password,
	}), nil
}
