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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

func longDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), strings.Repeat("d", 60), strings.Repeat("e", 60))
	require.NoError(t, os.MkdirAll(dir, 0o700))
	return dir
}

func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "fb-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestSocketPaths_TempRoot(t *testing.T) {
	paths, err := newSocketPaths("", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = paths.cleanup() })

	assert.True(t, strings.HasPrefix(paths.root, "/tmp/sshmcp-"))
	assert.True(t, paths.ownsRoot)

	got, err := paths.controlPath("aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(paths.root, "s-aaaaaaaa.sock"), got)
	assert.LessOrEqual(t, len(got), maxControlPathLen)

	require.NoError(t, paths.cleanup())
	assert.NoDirExists(t, paths.root)
}

func TestSocketPaths_Fallback(t *testing.T) {
	fallback := filepath.Join(shortTempDir(t), "sockets")
	paths, err := newSocketPaths(longDir(t), fallback)
	require.NoError(t, err)

	got, err := paths.controlPath("aaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fallback, "s-aaaaaaaa.sock"), got)
	assert.DirExists(t, fallback)
}

func TestSocketPaths_NoValidPath(t *testing.T) {
	paths, err := newSocketPaths(longDir(t), "/tmp/"+strings.Repeat("f", 120))
	require.NoError(t, err)

	_, err = paths.controlPath("aaaaaaaa")
	require.Error(t, err)
	assert.Equal(t, "Unable to allocate a valid SSH control socket path within length limits.",
		sshmcperrors.MessageOf(err))
	assert.Equal(t, sshmcperrors.TypeValidation, sshmcperrors.TypeOf(err))
}

func TestSocketPaths_FallbackMustBePrivate(t *testing.T) {
	base := shortTempDir(t)

	tests := []struct {
		name    string
		prepare func(t *testing.T) string
		wantMsg string
	}{
		{
			name: "group readable",
			prepare: func(t *testing.T) string {
				dir := filepath.Join(base, "open")
				require.NoError(t, os.Mkdir(dir, 0o700))
				require.NoError(t, os.Chmod(dir, 0o755))
				return dir
			},
			wantMsg: "is not private",
		},
		{
			name: "symlink",
			prepare: func(t *testing.T) string {
				target := filepath.Join(base, "target")
				require.NoError(t, os.Mkdir(target, 0o700))
				link := filepath.Join(base, "link")
				require.NoError(t, os.Symlink(target, link))
				return link
			},
			wantMsg: "is not private",
		},
		{
			name: "parent is a file",
			prepare: func(t *testing.T) string {
				file := filepath.Join(base, "file")
				require.NoError(t, os.WriteFile(file, nil, 0o600))
				return filepath.Join(file, "sockets")
			},
			wantMsg: "Failed to create fallback socket directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths, err := newSocketPaths(longDir(t), tt.prepare(t))
			require.NoError(t, err)

			_, err = paths.controlPath("aaaaaaaa")
			require.Error(t, err)
			assert.Equal(t, sshmcperrors.TypeValidation, sshmcperrors.TypeOf(err))
			assert.Contains(t, sshmcperrors.MessageOf(err), tt.wantMsg)
		})
	}
}

func TestEnsureAskpassScript_KeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), askpassFileName)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho custom\n"), 0o700))

	require.NoError(t, ensureAskpassScript(path))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho custom\n", string(content))
}
