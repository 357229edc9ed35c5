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

package log

import (
	"context"
	"log/slog"
)

// ToolCall represents an incoming MCP tool call for logging purposes.
type ToolCall struct {
	// Tool is the registered tool name (e.g., "ssh_open_session").
	Tool string

	// RequestID is the unique ID assigned to this call.
	RequestID string

	// SessionID is the session the call targets, if any.
	SessionID string
}

// ToolOutcome represents the result of a tool call for logging purposes.
type ToolOutcome struct {
	// OK indicates whether the call succeeded.
	OK bool

	// ErrorType is the classified error type when OK is false.
	ErrorType string

	// ErrorMessage is the caller-facing error message when OK is false.
	ErrorMessage string

	// DurationMs is the duration of the call in milliseconds.
	DurationMs int64

	// SessionCount is the number of live sessions after the call.
	SessionCount int
}

// LogToolCall logs an incoming tool call.
func LogToolCall(logger *slog.Logger, call *ToolCall) {
	attrs := []any{
		"event", "tool_call",
		"tool", call.Tool,
	}

	if call.RequestID != "" {
		attrs = append(attrs, RequestIDKey, call.RequestID)
	}

	if call.SessionID != "" {
		attrs = append(attrs, SessionIDKey, call.SessionID)
	}

	logger.Debug("tool call received", attrs...)
}

// LogToolOutcome logs the outcome of a tool call. Failures classified as
// validation are logged at warn; everything else that failed at error.
func LogToolOutcome(logger *slog.Logger, call *ToolCall, outcome *ToolOutcome) {
	attrs := []any{
		"event", "tool_result",
		"tool", call.Tool,
		"ok", outcome.OK,
		DurationKey, outcome.DurationMs,
		"session_count", outcome.SessionCount,
	}

	if call.RequestID != "" {
		attrs = append(attrs, RequestIDKey, call.RequestID)
	}

	if call.SessionID != "" {
		attrs = append(attrs, SessionIDKey, call.SessionID)
	}

	level := slog.LevelInfo
	message := "tool call completed"

	if !outcome.OK {
		attrs = append(attrs, ErrorTypeKey, outcome.ErrorType, "error", outcome.ErrorMessage)
		message = "tool call failed"
		level = slog.LevelError
		if outcome.ErrorType == "validation" {
			level = slog.LevelWarn
		}
	}

	logger.Log(context.Background(), level, message, attrs...)
}
