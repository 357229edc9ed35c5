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

package errors

import (
	"fmt"
	"time"
)

// Error type identifiers surfaced to tool callers as error_type.
const (
	TypeValidation = "validation"
	TypeConfig     = "config"
	TypeTimeout    = "timeout"
	TypeExecution  = "execution"
)

// ValidationError represents user input validation failures.
// Use this for malformed or disallowed input, conflicting settings and
// exhausted capacity.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return TypeValidation }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist, such as a session id
// that was never opened or has already expired.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "session")
	Resource string

	// ID is the identifier that was not found
	ID string

	// Message overrides the default description when set
	Message string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier. Referencing something that is gone
// is reported as an execution failure.
func (e *NotFoundError) ErrorType() string { return TypeExecution }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, invalid config
// values, or a required external command that cannot be found.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "ssh.command")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return TypeConfig }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "ssh command")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return TypeTimeout }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// ExecutionError represents a subprocess that ran and failed, either with a
// non-zero exit status or an OS-level failure while starting or waiting.
type ExecutionError struct {
	// Command is the executable that failed
	Command string

	// ExitCode is the process exit status, or -1 when the process never exited
	ExitCode int

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.ExitCode >= 0 {
		return fmt.Sprintf("command %s exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ExecutionError) ErrorType() string { return TypeExecution }

// IsRetryable implements ErrorClassifier.
func (e *ExecutionError) IsRetryable() bool { return false }
