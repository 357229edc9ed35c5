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

// Package runner executes external commands with a wall-clock timeout and
// no attached stdin.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"time"

	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

// DefaultTimeout is used when a Request carries no timeout.
const DefaultTimeout = 60 * time.Second

// waitDelay bounds how long Wait blocks on output pipes after the process
// exits or is killed. A backgrounded ssh control master can inherit them.
const waitDelay = 2 * time.Second

// Request describes one command invocation.
type Request struct {
	// Argv is the command and its arguments. Argv[0] is resolved via PATH.
	Argv []string

	// Env replaces the process environment when non-nil.
	Env []string

	// Timeout bounds the invocation (default: DefaultTimeout)
	Timeout time.Duration
}

// Output is the raw captured result of a command that ran.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner runs commands. The exec-backed implementation is Exec; tests
// substitute fakes.
type Runner interface {
	// LookPath reports where the named executable lives.
	LookPath(name string) (string, error)

	// Run executes the request.
	//
	// A command that exits non-zero is not an error: Output.ExitCode carries
	// the status. Errors are *errors.ConfigError when the executable cannot be
	// found, *errors.TimeoutError (with partial Output) on timeout, and
	// *errors.ExecutionError for any other OS-level failure.
	Run(ctx context.Context, req Request) (*Output, error)
}

// Exec runs commands as local subprocesses.
type Exec struct{}

// New creates an exec-backed runner.
func New() *Exec {
	return &Exec{}
}

// LookPath implements Runner.
func (e *Exec) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run implements Runner.
func (e *Exec) Run(ctx context.Context, req Request) (*Output, error) {
	if len(req.Argv) == 0 {
		return nil, &sshmcperrors.ValidationError{Field: "command", Message: "command array is empty"}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Argv[0], req.Argv[1:]...)
	// Stdin stays nil so the child reads from the null device and can never
	// block on an interactive prompt.
	cmd.Stdin = nil
	cmd.WaitDelay = waitDelay
	if req.Env != nil {
		cmd.Env = req.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	startTime := time.Now()
	err := cmd.Run()
	out := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(startTime),
	}

	if err == nil {
		return out, nil
	}

	// A clean exit whose pipes are still held by a background child.
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		return out, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		out.ExitCode = -1
		return out, &sshmcperrors.TimeoutError{
			Operation: fmt.Sprintf("command %s", req.Argv[0]),
			Duration:  timeout,
			Cause:     err,
		}
	}

	if ctx.Err() != nil {
		out.ExitCode = -1
		return out, &sshmcperrors.ExecutionError{
			Command:  req.Argv[0],
			ExitCode: -1,
			Message:  "Command was cancelled.",
			Cause:    ctx.Err(),
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return nil, &sshmcperrors.ConfigError{
			Key:    "command",
			Reason: fmt.Sprintf("Command '%s' was not found.", req.Argv[0]),
			Cause:  err,
		}
	}

	return nil, &sshmcperrors.ExecutionError{
		Command:  req.Argv[0],
		ExitCode: -1,
		Message:  fmt.Sprintf("Failed to execute command: %v", err),
		Cause:    err,
	}
}

// Environ returns the current process environment with extra KEY=VALUE
// entries appended, so later entries override earlier ones.
func Environ(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
