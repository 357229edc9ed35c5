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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshlog "github.com/tombee/ssh-mcp/internal/log"
	"github.com/tombee/ssh-mcp/internal/runner"
	"github.com/tombee/ssh-mcp/internal/secrets"
	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

// fakeRunner records requests and answers them with handler.
type fakeRunner struct {
	mu          sync.Mutex
	requests    []runner.Request
	ctxErrs     []error
	handler     func(req runner.Request) (*runner.Output, error)
	lookPathErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{}
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.lookPathErr != nil {
		return "", f.lookPathErr
	}
	return "/usr/bin/" + name, nil
}

func (f *fakeRunner) Run(ctx context.Context, req runner.Request) (*runner.Output, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		return handler(req)
	}
	return &runner.Output{Stdout: "__ssh_mcp_session_opened__\n", Duration: 5 * time.Millisecond}, nil
}

func (f *fakeRunner) setHandler(h func(req runner.Request) (*runner.Output, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeRunner) calls() []runner.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Request(nil), f.requests...)
}

func (f *fakeRunner) contextErrors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.ctxErrs...)
}

func (f *fakeRunner) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = nil
	f.ctxErrs = nil
}

// kind classifies an argv produced by the manager.
func kind(argv []string) string {
	joined := strings.Join(argv, " ")
	switch {
	case strings.Contains(joined, "ControlMaster=yes"):
		return "open"
	case strings.Contains(joined, "ControlMaster=no"):
		return "exec"
	case strings.Contains(joined, "-O exit"):
		return "exit"
	default:
		return "other"
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequenceIDs(ids ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return id, nil
	}
}

type testEnv struct {
	manager *Manager
	runner  *fakeRunner
	clock   *fakeClock
}

func newTestEnv(t *testing.T, cfg Config, opts ...Option) *testEnv {
	t.Helper()

	fr := newFakeRunner()
	clock := &fakeClock{now: epoch}
	all := append([]Option{
		WithRunner(fr),
		WithClock(clock.Now),
		WithLogger(sshlog.Discard()),
	}, opts...)

	m, err := NewManager(cfg, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	return &testEnv{manager: m, runner: fr, clock: clock}
}

func exitWith(code int, stdout, stderr string) func(runner.Request) (*runner.Output, error) {
	return func(runner.Request) (*runner.Output, error) {
		return &runner.Output{Stdout: stdout, Stderr: stderr, ExitCode: code, Duration: time.Millisecond}, nil
	}
}

func TestManager_OpenSession(t *testing.T) {
	env := newTestEnv(t, Config{}, WithIDGenerator(sequenceIDs("0badcafe")))
	ctx := context.Background()

	res := env.manager.Open(ctx, OpenRequest{Host: "db1", User: "alice", Port: intPtr(2222), Cwd: "/srv"})
	require.True(t, res.OK, res.ErrorMessage)

	assert.Equal(t, ActionOpenSession, res.Action)
	assert.Equal(t, "0badcafe", res.SessionID)
	assert.Equal(t, "alice@db1", res.Destination)
	assert.Equal(t, "db1", res.Host)
	assert.Equal(t, "alice", res.User)
	assert.Equal(t, 2222, res.Port)
	assert.Equal(t, "/srv", res.Cwd)
	require.NotNil(t, res.SessionCount)
	assert.Equal(t, 1, *res.SessionCount)
	require.NotNil(t, res.CreatedAt)
	assert.Equal(t, epoch, *res.CreatedAt)
	assert.Equal(t, epoch, *res.LastUsedAt)
	require.NotNil(t, res.Stdout)
	assert.Equal(t, "__ssh_mcp_session_opened__", *res.Stdout)
	assert.Nil(t, res.Stderr)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)

	controlPath := filepath.Join(env.manager.SessionDir(), "s-0badcafe.sock")
	assert.Equal(t, []string{
		"ssh", "-p", "2222",
		"-o", "ControlMaster=yes",
		"-o", "ControlPath=" + controlPath,
		"-o", "ControlPersist=300",
		"alice@db1", "--", "echo __ssh_mcp_session_opened__",
	}, res.Command)

	calls := env.runner.calls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].Env, "no password means inherited environment")
	assert.Equal(t, DefaultTimeout, calls[0].Timeout)
}

func TestManager_OpenFailureRegistersNothing(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.runner.setHandler(exitWith(255, "", "Permission denied (publickey).\n"))

	res := env.manager.Open(context.Background(), OpenRequest{Host: "db1"})
	assert.False(t, res.OK)
	assert.Equal(t, sshmcperrors.TypeExecution, res.ErrorType)
	assert.Equal(t, "Command exited with status 255.", res.ErrorMessage)
	require.NotNil(t, res.Stderr)
	assert.Equal(t, "Permission denied (publickey).", *res.Stderr)
	assert.Equal(t, 0, *res.SessionCount)
	assert.Equal(t, 0, env.manager.SessionCount())
	assert.Nil(t, res.CreatedAt)
}

func TestManager_OpenValidationRunsNothing(t *testing.T) {
	env := newTestEnv(t, Config{AllowedHosts: []string{"db1"}})
	ctx := context.Background()

	tests := []struct {
		name    string
		req     OpenRequest
		wantMsg string
	}{
		{"missing host", OpenRequest{}, "host is required"},
		{"bad host", OpenRequest{Host: "db1;rm"}, "host contains invalid characters"},
		{"not allowlisted", OpenRequest{Host: "web"}, "Host 'web' is not allowlisted. Allowed hosts: db1."},
		{"bad port", OpenRequest{Host: "db1", Port: intPtr(0)}, "port must be between 1 and 65535."},
		{"bad cwd", OpenRequest{Host: "db1", Cwd: "/a\n/b"}, "cwd cannot contain newline characters."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := env.manager.Open(ctx, tt.req)
			assert.False(t, res.OK)
			assert.Equal(t, sshmcperrors.TypeValidation, res.ErrorType)
			assert.Contains(t, res.ErrorMessage, tt.wantMsg)
			assert.Empty(t, res.Command)
		})
	}
	assert.Empty(t, env.runner.calls())
}

func TestManager_OpenRespectsSessionLimit(t *testing.T) {
	env := newTestEnv(t, Config{MaxSessions: 1})
	ctx := context.Background()

	first := env.manager.Open(ctx, OpenRequest{Host: "db1"})
	require.True(t, first.OK)

	second := env.manager.Open(ctx, OpenRequest{Host: "db1"})
	assert.False(t, second.OK)
	assert.Equal(t, sshmcperrors.TypeValidation, second.ErrorType)
	assert.Equal(t, "Session limit reached (1). Close a session before opening a new one.", second.ErrorMessage)
	assert.Equal(t, 1, *second.SessionCount)
	assert.Len(t, env.runner.calls(), 1)
}

func TestManager_ConcurrentOpenWithSingleSlot(t *testing.T) {
	env := newTestEnv(t, Config{MaxSessions: 1})
	release := make(chan struct{})
	env.runner.setHandler(func(req runner.Request) (*runner.Output, error) {
		if kind(req.Argv) == "open" {
			<-release
		}
		return &runner.Output{}, nil
	})

	const callers = 8
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.manager.Open(context.Background(), OpenRequest{Host: "db1"})
		}(i)
	}
	// Let every caller get past the capacity pre-check before any master
	// finishes starting.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	succeeded := 0
	for _, res := range results {
		if res.OK {
			succeeded++
			continue
		}
		assert.Equal(t, sshmcperrors.TypeValidation, res.ErrorType)
		assert.Contains(t, res.ErrorMessage, "Session limit reached (1)")
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, env.manager.SessionCount())

	// Every started master that lost the race was told to exit.
	opens, exits := 0, 0
	for _, call := range env.runner.calls() {
		switch kind(call.Argv) {
		case "open":
			opens++
		case "exit":
			exits++
		}
	}
	assert.Equal(t, opens-1, exits)
}

func TestManager_OpenWithPassword(t *testing.T) {
	source, err := secrets.NewPasswordSource(secrets.Settings{Inline: "hunter2"})
	require.NoError(t, err)
	env := newTestEnv(t, Config{Password: source})

	res := env.manager.Open(context.Background(), OpenRequest{Host: "db1"})
	require.True(t, res.OK, res.ErrorMessage)

	assert.Contains(t, res.Command, "PubkeyAuthentication=no")
	assert.Contains(t, res.Command, "PreferredAuthentications=password,keyboard-interactive")
	assert.NotContains(t, strings.Join(res.Command, " "), "hunter2")

	askpass := filepath.Join(env.manager.SessionDir(), "ssh-askpass.sh")
	calls := env.runner.calls()
	require.Len(t, calls, 1)
	env0 := calls[0].Env
	assert.Contains(t, env0, "SSH_ASKPASS="+askpass)
	assert.Contains(t, env0, "SSH_ASKPASS_REQUIRE=force")
	assert.Contains(t, env0, "SSH_MCP_TOOL_PASSWORD=hunter2")

	info, err := os.Stat(askpass)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	content, err := os.ReadFile(askpass)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\nprintf '%s\\n' \"$SSH_MCP_TOOL_PASSWORD\"\n", string(content))

	// Later commands never see the password.
	env.runner.reset()
	execRes := env.manager.Exec(context.Background(), ExecRequest{SessionID: res.SessionID, Command: "id"})
	require.True(t, execRes.OK)
	calls = env.runner.calls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].Env)
	assert.NotContains(t, execRes.Command, "PubkeyAuthentication=no")
}

func TestManager_OpenPasswordSourceError(t *testing.T) {
	source, err := secrets.NewPasswordSource(secrets.Settings{File: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	env := newTestEnv(t, Config{Password: source})

	res := env.manager.Open(context.Background(), OpenRequest{Host: "db1"})
	assert.False(t, res.OK)
	assert.Equal(t, sshmcperrors.TypeValidation, res.ErrorType)
	assert.Contains(t, res.ErrorMessage, "Failed to read password file")
	assert.Empty(t, env.runner.calls())
}

func TestManager_SessionIDCollisionRetries(t *testing.T) {
	env := newTestEnv(t, Config{}, WithIDGenerator(sequenceIDs("aaaaaaaa", "aaaaaaaa", "bbbbbbbb")))
	ctx := context.Background()

	first := env.manager.Open(ctx, OpenRequest{Host: "db1"})
	require.True(t, first.OK)
	second := env.manager.Open(ctx, OpenRequest{Host: "db1"})
	require.True(t, second.OK)

	assert.Equal(t, "aaaaaaaa", first.SessionID)
	assert.Equal(t, "bbbbbbbb", second.SessionID)
}

func TestManager_SessionIDExhaustion(t *testing.T) {
	env := newTestEnv(t, Config{}, WithIDGenerator(sequenceIDs("aaaaaaaa")))
	ctx := context.Background()

	require.True(t, env.manager.Open(ctx, OpenRequest{Host: "db1"}).OK)
	res := env.manager.Open(ctx, OpenRequest{Host: "db1"})
	assert.False(t, res.OK)
	assert.Equal(t, "Failed to allocate a unique session_id.", res.ErrorMessage)
	assert.Equal(t, sshmcperrors.TypeValidation, res.ErrorType)
	assert.Equal(t, 1, env.manager.SessionCount())
}

func TestManager_OpenSetupFailuresAreValidation(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) (Config, []Option)
		prepare func(t *testing.T, env *testEnv)
		wantMsg string
	}{
		{
			name: "control path too long",
			setup: func(t *testing.T) (Config, []Option) {
				return Config{
					SessionDir:        longDir(t),
					FallbackSocketDir: "/tmp/" + strings.Repeat("f", 120),
				}, nil
			},
			wantMsg: "Unable to allocate a valid SSH control socket path within length limits.",
		},
		{
			name: "fallback directory cannot be created",
			setup: func(t *testing.T) (Config, []Option) {
				file := filepath.Join(shortTempDir(t), "f")
				require.NoError(t, os.WriteFile(file, nil, 0o600))
				return Config{
					SessionDir:        longDir(t),
					FallbackSocketDir: filepath.Join(file, "sockets"),
				}, nil
			},
			wantMsg: "Failed to create fallback socket directory",
		},
		{
			name: "session id exhaustion",
			setup: func(t *testing.T) (Config, []Option) {
				return Config{}, []Option{WithIDGenerator(sequenceIDs("aaaaaaaa"))}
			},
			prepare: func(t *testing.T, env *testEnv) {
				require.True(t, env.manager.Open(context.Background(), OpenRequest{Host: "db1"}).OK)
				env.runner.reset()
			},
			wantMsg: "Failed to allocate a unique session_id.",
		},
		{
			name: "id generator failure",
			setup: func(t *testing.T) (Config, []Option) {
				return Config{}, []Option{WithIDGenerator(func() (string, error) {
					return "", errors.New("entropy exhausted")
				})}
			},
			wantMsg: "Failed to generate session_id",
		},
		{
			name: "missing password file",
			setup: func(t *testing.T) (Config, []Option) {
				return Config{Password: passwordFile(t, "")}, nil
			},
			wantMsg: "Failed to read password file",
		},
		{
			name: "empty password file",
			setup: func(t *testing.T) (Config, []Option) {
				return Config{Password: passwordFile(t, "\n")}, nil
			},
			wantMsg: "password file is empty.",
		},
		{
			name: "carriage return in password file",
			setup: func(t *testing.T) (Config, []Option) {
				return Config{Password: passwordFile(t, "pw\r\n")}, nil
			},
			wantMsg: "password file contains carriage-return characters.",
		},
		{
			name: "askpass helper cannot be written",
			setup: func(t *testing.T) (Config, []Option) {
				return Config{
					SessionDir: filepath.Join(t.TempDir(), "sessions"),
					Password:   passwordFile(t, "hunter2\n"),
				}, nil
			},
			prepare: func(t *testing.T, env *testEnv) {
				require.NoError(t, os.RemoveAll(env.manager.SessionDir()))
			},
			wantMsg: "Failed to write askpass helper",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, opts := tt.setup(t)
			env := newTestEnv(t, cfg, opts...)
			if tt.prepare != nil {
				tt.prepare(t, env)
			}

			res := env.manager.Open(context.Background(), OpenRequest{Host: "db1"})
			assert.False(t, res.OK)
			assert.Equal(t, sshmcperrors.TypeValidation, res.ErrorType)
			assert.Contains(t, res.ErrorMessage, tt.wantMsg)
			assert.Empty(t, env.runner.calls(), "no ssh process may start")
		})
	}
}

// passwordFile returns a file-backed password source. Empty content leaves
// the file absent.
func passwordFile(t *testing.T, content string) secrets.PasswordSource {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pw")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	source, err := secrets.NewPasswordSource(secrets.Settings{File: path})
	require.NoError(t, err)
	return source
}

func TestManager_Exec(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	opened := env.manager.Open(ctx, OpenRequest{Host: "db1", User: "alice", Cwd: "/srv/app"})
	require.True(t, opened.OK)

	env.clock.Advance(10 * time.Second)
	env.runner.setHandler(exitWith(0, "  hello\n", ""))

	res := env.manager.Exec(ctx, ExecRequest{SessionID: opened.SessionID, Command: "echo hello"})
	require.True(t, res.OK, res.ErrorMessage)
	assert.Equal(t, ActionExec, res.Action)
	assert.Equal(t, "cd /srv/app && echo hello", res.RemoteCommand)
	assert.Equal(t, "/srv/app", res.Cwd)
	assert.Equal(t, "hello", *res.Stdout)
	assert.Equal(t, epoch, *res.CreatedAt)
	assert.Equal(t, epoch.Add(10*time.Second), *res.LastUsedAt)
	assert.Equal(t, 1, *res.SessionCount)

	controlPath := filepath.Join(env.manager.SessionDir(), "s-"+opened.SessionID+".sock")
	assert.Equal(t, []string{
		"ssh",
		"-o", "ControlMaster=no",
		"-o", "ControlPath=" + controlPath,
		"alice@db1", "--", "cd /srv/app && echo hello",
	}, res.Command)

	override := env.manager.Exec(ctx, ExecRequest{SessionID: opened.SessionID, Command: "pwd", Cwd: "/tmp"})
	require.True(t, override.OK)
	assert.Equal(t, "cd /tmp && pwd", override.RemoteCommand)
}

func TestManager_ExecFailureStillTouches(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	opened := env.manager.Open(ctx, OpenRequest{Host: "db1"})
	require.True(t, opened.OK)

	env.clock.Advance(time.Minute)
	env.runner.setHandler(exitWith(2, "", "ls: cannot access 'nope'\n"))

	res := env.manager.Exec(ctx, ExecRequest{SessionID: opened.SessionID, Command: "ls nope"})
	assert.False(t, res.OK)
	assert.Equal(t, sshmcperrors.TypeExecution, res.ErrorType)
	assert.Equal(t, "Command exited with status 2.", res.ErrorMessage)
	assert.Equal(t, 2, *res.ExitCode)
	assert.Equal(t, "ls nope", res.RemoteCommand)
	assert.Equal(t, epoch.Add(time.Minute), *res.LastUsedAt)
}

func TestManager_ExecTimeout(t *testing.T) {
	env := newTestEnv(t, Config{Timeout: 2 * time.Second})
	ctx := context.Background()

	opened := env.manager.Open(ctx, OpenRequest{Host: "db1"})
	require.True(t, opened.OK)

	env.runner.setHandler(func(req runner.Request) (*runner.Output, error) {
		assert.Equal(t, 2*time.Second, req.Timeout)
		return &runner.Output{Stdout: "partial", ExitCode: -1, Duration: 2 * time.Second},
			&sshmcperrors.TimeoutError{Operation: "command ssh", Duration: req.Timeout}
	})

	res := env.manager.Exec(ctx, ExecRequest{SessionID: opened.SessionID, Command: "sleep 10"})
	assert.False(t, res.OK)
	assert.Equal(t, sshmcperrors.TypeTimeout, res.ErrorType)
	assert.Equal(t, "Command timed out after 2 seconds.", res.ErrorMessage)
	assert.Equal(t, "partial", *res.Stdout)
	assert.Nil(t, res.ExitCode)
	assert.Equal(t, int64(2000), *res.DurationMs)
}

func TestManager_ExecValidation(t *testing.T) {
	env := newTestEnv(t, Config{MaxCommandChars: 5})
	ctx := context.Background()

	res := env.manager.Exec(ctx, ExecRequest{SessionID: "nothex!!", Command: "ls"})
	assert.Equal(t, sshmcperrors.TypeValidation, res.ErrorType)
	assert.Contains(t, res.ErrorMessage, "session_id format is invalid")

	res = env.manager.Exec(ctx, ExecRequest{SessionID: "aaaaaaaa", Command: "ls -la /"})
	assert.Equal(t, sshmcperrors.TypeValidation, res.ErrorType)
	assert.Equal(t, "command length exceeds maximum of 5 characters.", res.ErrorMessage)

	res = env.manager.Exec(ctx, ExecRequest{SessionID: "aaaaaaaa", Command: "ls", Cwd: "a\nb"})
	assert.Equal(t, sshmcperrors.TypeValidation, res.ErrorType)

	assert.Empty(t, env.runner.calls())
}

func TestManager_ExecUnknownSession(t *testing.T) {
	env := newTestEnv(t, Config{})

	res := env.manager.Exec(context.Background(), ExecRequest{SessionID: "DEADBEEF", Command: "ls"})
	assert.False(t, res.OK)
	assert.Equal(t, sshmcperrors.TypeExecution, res.ErrorType)
	assert.Equal(t, "Session 'deadbeef' was not found or has expired.", res.ErrorMessage)
	assert.Equal(t, "deadbeef", res.SessionID)
	assert.Equal(t, 0, *res.SessionCount)
	assert.Empty(t, env.runner.calls())
}

func TestManager_Close(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	opened := env.manager.Open(ctx, OpenRequest{Host: "db1", Port: intPtr(22)})
	require.True(t, opened.OK)

	controlPath := filepath.Join(env.manager.SessionDir(), "s-"+opened.SessionID+".sock")
	require.NoError(t, os.WriteFile(controlPath, nil, 0o600))

	env.runner.setHandler(exitWith(0, "", "Exit request sent.\n"))
	res := env.manager.Close(ctx, opened.SessionID)
	require.True(t, res.OK, res.ErrorMessage)
	assert.Equal(t, ActionCloseSession, res.Action)
	assert.Equal(t, []string{
		"ssh", "-p", "22",
		"-o", "ControlPath=" + controlPath,
		"-O", "exit",
		"db1",
	}, res.Command)
	assert.Equal(t, "Exit request sent.", *res.Stderr)
	assert.Equal(t, 0, *res.SessionCount)
	assert.NoFileExists(t, controlPath)

	again := env.manager.Close(ctx, opened.SessionID)
	assert.False(t, again.OK)
	assert.Equal(t, sshmcperrors.TypeExecution, again.ErrorType)
	assert.Equal(t, fmt.Sprintf("Session '%s' was not found or has already been closed.", opened.SessionID),
		again.ErrorMessage)
}

func TestManager_CloseRemovesSessionEvenWhenExitFails(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	opened := env.manager.Open(ctx, OpenRequest{Host: "db1"})
	require.True(t, opened.OK)
	controlPath := filepath.Join(env.manager.SessionDir(), "s-"+opened.SessionID+".sock")
	require.NoError(t, os.WriteFile(controlPath, nil, 0o600))

	env.runner.setHandler(exitWith(255, "", "Control socket connect: No such file or directory\n"))
	res := env.manager.Close(ctx, opened.SessionID)
	assert.False(t, res.OK)
	assert.Equal(t, sshmcperrors.TypeExecution, res.ErrorType)
	assert.Equal(t, 0, env.manager.SessionCount())
	assert.NoFileExists(t, controlPath)
}

func TestManager_CloseUnknownLeavesCountUnchanged(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	require.True(t, env.manager.Open(ctx, OpenRequest{Host: "db1"}).OK)

	res := env.manager.Close(ctx, "00000000")
	assert.False(t, res.OK)
	assert.Equal(t, sshmcperrors.TypeExecution, res.ErrorType)
	assert.Equal(t, 1, *res.SessionCount)

	res = env.manager.Close(ctx, "zz")
	assert.Equal(t, sshmcperrors.TypeValidation, res.ErrorType)
}

func TestManager_IdleExpiry(t *testing.T) {
	env := newTestEnv(t, Config{IdleTimeout: time.Minute})
	ctx := context.Background()

	opened := env.manager.Open(ctx, OpenRequest{Host: "db1"})
	require.True(t, opened.OK)

	env.clock.Advance(59 * time.Second)
	require.True(t, env.manager.Exec(ctx, ExecRequest{SessionID: opened.SessionID, Command: "true"}).OK)

	env.clock.Advance(time.Minute)
	env.runner.reset()

	res := env.manager.Exec(ctx, ExecRequest{SessionID: opened.SessionID, Command: "true"})
	assert.False(t, res.OK)
	assert.Equal(t, sshmcperrors.TypeExecution, res.ErrorType)
	assert.Contains(t, res.ErrorMessage, "not found or has expired")
	assert.Equal(t, 0, env.manager.SessionCount())

	calls := env.runner.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "exit", kind(calls[0].Argv))
}

func TestManager_ExpiryFreesCapacityBeforeOpen(t *testing.T) {
	env := newTestEnv(t, Config{IdleTimeout: time.Minute, MaxSessions: 1},
		WithIDGenerator(sequenceIDs("aaaaaaaa", "bbbbbbbb")))
	ctx := context.Background()

	require.True(t, env.manager.Open(ctx, OpenRequest{Host: "db1"}).OK)
	env.clock.Advance(2 * time.Minute)

	res := env.manager.Open(ctx, OpenRequest{Host: "db1"})
	require.True(t, res.OK, res.ErrorMessage)
	assert.Equal(t, "bbbbbbbb", res.SessionID)
	assert.Equal(t, 1, *res.SessionCount)

	calls := env.runner.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "open", kind(calls[0].Argv))
	assert.Equal(t, "exit", kind(calls[1].Argv))
	assert.Contains(t, calls[1].Argv, "ControlPath="+filepath.Join(env.manager.SessionDir(), "s-aaaaaaaa.sock"))
	assert.Equal(t, "open", kind(calls[2].Argv))
}

func TestManager_SweepIgnoresTeardownFailures(t *testing.T) {
	env := newTestEnv(t, Config{IdleTimeout: time.Minute})
	ctx := context.Background()

	require.True(t, env.manager.Open(ctx, OpenRequest{Host: "db1"}).OK)
	require.True(t, env.manager.Open(ctx, OpenRequest{Host: "db2"}).OK)

	env.runner.setHandler(func(runner.Request) (*runner.Output, error) {
		return nil, errors.New("boom")
	})
	env.clock.Advance(time.Hour)

	assert.Equal(t, 2, env.manager.SweepExpired(ctx))
	assert.Equal(t, 0, env.manager.SessionCount())
}

func TestManager_TeardownOutlivesCancelledContext(t *testing.T) {
	env := newTestEnv(t, Config{IdleTimeout: time.Minute})

	require.True(t, env.manager.Open(context.Background(), OpenRequest{Host: "db1"}).OK)
	closing := env.manager.Open(context.Background(), OpenRequest{Host: "db2"})
	require.True(t, closing.OK)
	env.clock.Advance(30 * time.Second)
	require.True(t, env.manager.Exec(context.Background(), ExecRequest{SessionID: closing.SessionID, Command: "true"}).OK)
	env.clock.Advance(45 * time.Second)
	env.runner.reset()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 1, env.manager.SweepExpired(ctx))
	env.manager.Close(ctx, closing.SessionID)

	calls := env.runner.calls()
	require.Len(t, calls, 2)
	for i, call := range calls {
		assert.Equal(t, "exit", kind(call.Argv))
		assert.NoError(t, env.runner.contextErrors()[i])
	}
	assert.Equal(t, 0, env.manager.SessionCount())
}

func TestManager_List(t *testing.T) {
	env := newTestEnv(t, Config{}, WithIDGenerator(sequenceIDs("aaaaaaaa", "bbbbbbbb")))
	ctx := context.Background()

	require.True(t, env.manager.Open(ctx, OpenRequest{Host: "db1", Cwd: "/srv"}).OK)
	env.clock.Advance(time.Second)
	require.True(t, env.manager.Open(ctx, OpenRequest{Host: "db2", User: "bob"}).OK)

	res := env.manager.List(ctx)
	require.True(t, res.OK)
	assert.Equal(t, ActionListSessions, res.Action)
	assert.Equal(t, 2, *res.SessionCount)
	require.Len(t, res.Sessions, 2)
	assert.Equal(t, "aaaaaaaa", res.Sessions[0].SessionID)
	assert.Equal(t, "/srv", res.Sessions[0].Cwd)
	assert.Equal(t, "bob@db2", res.Sessions[1].Destination)
	assert.Equal(t, int64(1), res.Sessions[0].IdleSeconds)
	assert.Equal(t, int64(0), res.Sessions[1].IdleSeconds)
}

func TestManager_HealthCheck(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.runner.setHandler(exitWith(0, "", "OpenSSH_9.6p1, OpenSSL 3.0.13\n"))

	res := env.manager.HealthCheck(context.Background())
	require.True(t, res.OK, res.ErrorMessage)
	assert.Equal(t, ActionHealthCheck, res.Action)
	assert.Equal(t, []string{"ssh", "-V"}, res.Command)
	assert.Equal(t, "OpenSSH_9.6p1, OpenSSL 3.0.13", *res.Stderr)
}

func TestManager_HealthCheckMissingCommand(t *testing.T) {
	env := newTestEnv(t, Config{Command: "ssh-nope"})
	env.runner.lookPathErr = errors.New("executable file not found in $PATH")

	res := env.manager.HealthCheck(context.Background())
	assert.False(t, res.OK)
	assert.Equal(t, sshmcperrors.TypeConfig, res.ErrorType)
	assert.Equal(t, "SSH command 'ssh-nope' was not found.", res.ErrorMessage)
	assert.Empty(t, env.runner.calls())
}

func TestManager_HealthCheckWithoutProbe(t *testing.T) {
	env := newTestEnv(t, Config{HealthCheckArgs: []string{}})

	res := env.manager.HealthCheck(context.Background())
	assert.True(t, res.OK)
	assert.Equal(t, []string{"ssh"}, res.Command)
	assert.Empty(t, env.runner.calls())
}

func TestManager_ShutdownClosesSessions(t *testing.T) {
	fr := newFakeRunner()
	m, err := NewManager(Config{}, WithRunner(fr), WithLogger(sshlog.Discard()))
	require.NoError(t, err)
	root := m.SessionDir()
	assert.DirExists(t, root)

	ctx := context.Background()
	require.True(t, m.Open(ctx, OpenRequest{Host: "db1"}).OK)
	require.True(t, m.Open(ctx, OpenRequest{Host: "db2"}).OK)

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, 0, m.SessionCount())
	assert.NoDirExists(t, root)

	exits := 0
	for _, call := range fr.calls() {
		if kind(call.Argv) == "exit" {
			exits++
		}
	}
	assert.Equal(t, 2, exits)
}

func TestManager_ConfiguredSessionDirIsKept(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sockets")
	m, err := NewManager(Config{SessionDir: dir}, WithRunner(newFakeRunner()), WithLogger(sshlog.Discard()))
	require.NoError(t, err)
	assert.Equal(t, dir, m.SessionDir())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.DirExists(t, dir)
}
