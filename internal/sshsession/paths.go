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
	"fmt"
	"os"
	"path/filepath"

	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

const (
	// maxControlPathLen keeps control paths under the unix socket path limit
	// with room for the suffix ssh appends while binding.
	maxControlPathLen = 100

	// DefaultFallbackSocketDir is tried when the session directory yields a
	// control path that is too long.
	DefaultFallbackSocketDir = "/tmp/ssh-mcp-sockets"

	tempRootParent = "/tmp"
	tempRootPrefix = "sshmcp-"
)

// socketPaths owns the directories holding control sockets and the askpass
// helper.
type socketPaths struct {
	root        string
	fallbackDir string
	// ownsRoot is set when root was created as a temporary directory and
	// should be removed on shutdown.
	ownsRoot bool
}

func newSocketPaths(sessionDir, fallbackDir string) (*socketPaths, error) {
	if fallbackDir == "" {
		fallbackDir = DefaultFallbackSocketDir
	}

	if sessionDir == "" {
		root, err := os.MkdirTemp(tempRootParent, tempRootPrefix)
		if err != nil {
			return nil, &sshmcperrors.ConfigError{
				Key:    "ssh.session_dir",
				Reason: fmt.Sprintf("Failed to create session directory: %v", err),
				Cause:  err,
			}
		}
		return &socketPaths{root: root, fallbackDir: fallbackDir, ownsRoot: true}, nil
	}

	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, &sshmcperrors.ConfigError{
			Key:    "ssh.session_dir",
			Reason: fmt.Sprintf("Failed to create session directory: %s", sessionDir),
			Cause:  err,
		}
	}
	return &socketPaths{root: sessionDir, fallbackDir: fallbackDir}, nil
}

// controlPath returns the socket path for id, preferring the session root.
func (p *socketPaths) controlPath(id string) (string, error) {
	name := fmt.Sprintf("s-%s.sock", id)

	primary := filepath.Join(p.root, name)
	if len(primary) <= maxControlPathLen {
		return primary, nil
	}

	fallback := filepath.Join(p.fallbackDir, name)
	if len(fallback) <= maxControlPathLen {
		if err := os.MkdirAll(p.fallbackDir, 0o700); err != nil {
			return "", &sshmcperrors.ValidationError{
				Field:   "ssh.session_dir",
				Message: fmt.Sprintf("Failed to create fallback socket directory: %s", p.fallbackDir),
			}
		}
		if err := checkPrivateDir(p.fallbackDir); err != nil {
			return "", &sshmcperrors.ValidationError{
				Field:   "ssh.session_dir",
				Message: fmt.Sprintf("Fallback socket directory %s is not private: %v", p.fallbackDir, err),
			}
		}
		return fallback, nil
	}

	return "", &sshmcperrors.ValidationError{
		Field:   "ssh.session_dir",
		Message: "Unable to allocate a valid SSH control socket path within length limits.",
	}
}

func (p *socketPaths) askpassPath() string {
	return filepath.Join(p.root, askpassFileName)
}

// cleanup removes the root directory when it was created by newSocketPaths.
func (p *socketPaths) cleanup() error {
	if !p.ownsRoot {
		return nil
	}
	return os.RemoveAll(p.root)
}

// removeSocket unlinks path, ignoring a missing file.
func removeSocket(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
