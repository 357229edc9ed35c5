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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	sshlog "github.com/tombee/ssh-mcp/internal/log"
	"github.com/tombee/ssh-mcp/internal/sshsession"
	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

// Registered tool names.
const (
	ToolHealthCheck  = "ssh_health_check"
	ToolOpenSession  = "ssh_open_session"
	ToolSessionExec  = "ssh_session_exec"
	ToolCloseSession = "ssh_close_session"
	ToolListSessions = "ssh_list_sessions"
)

// RateLimitMessage is returned when a call is rejected by the rate limiter.
const RateLimitMessage = "Rate limit exceeded. Please try again later."

// toolCall carries the per-call state shared by the handlers.
type toolCall struct {
	action  string
	request mcp.CallToolRequest
	log     *sshlog.ToolCall
	logger  *slog.Logger
	start   time.Time
}

func (s *Server) begin(request mcp.CallToolRequest, tool, action, sessionID string) *toolCall {
	call := &toolCall{
		action:  action,
		request: request,
		log: &sshlog.ToolCall{
			Tool:      tool,
			RequestID: uuid.NewString(),
			SessionID: sessionID,
		},
		start: time.Now(),
	}
	call.logger = sshlog.WithRequestID(s.logger, call.log.RequestID)
	sshlog.LogToolCall(s.logger, call.log)
	return call
}

// finish logs the outcome and converts res into an MCP result.
func (s *Server) finish(ctx context.Context, call *toolCall, res *sshsession.Result, done string) (*mcp.CallToolResult, error) {
	s.progress(ctx, call, 1, done)

	if call.log.SessionID == "" {
		call.log.SessionID = res.SessionID
	}
	sshlog.LogToolOutcome(s.logger, call.log, &sshlog.ToolOutcome{
		OK:           res.OK,
		ErrorType:    res.ErrorType,
		ErrorMessage: res.ErrorMessage,
		DurationMs:   time.Since(call.start).Milliseconds(),
		SessionCount: s.sessions.SessionCount(),
	})

	return toolResult(res)
}

// rejected builds the result returned when the rate limiter refuses a call.
func (s *Server) rejected(action string) *sshsession.Result {
	count := s.sessions.SessionCount()
	return &sshsession.Result{
		OK:           false,
		Action:       action,
		ErrorType:    sshmcperrors.TypeValidation,
		ErrorMessage: RateLimitMessage,
		SessionCount: &count,
	}
}

// handleHealthCheck implements the ssh_health_check tool
func (s *Server) handleHealthCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	call := s.begin(request, ToolHealthCheck, sshsession.ActionHealthCheck, "")
	if !s.rateLimiter.AllowCall() {
		return s.finish(ctx, call, s.rejected(call.action), "Rate limit exceeded")
	}

	s.progress(ctx, call, 0, "Running SSH health check")
	res := s.sessions.HealthCheck(ctx)
	return s.finish(ctx, call, res, "SSH health check complete")
}

// handleOpenSession implements the ssh_open_session tool
func (s *Server) handleOpenSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	call := s.begin(request, ToolOpenSession, sshsession.ActionOpenSession, "")
	if !s.rateLimiter.AllowOpen() {
		return s.finish(ctx, call, s.rejected(call.action), "Rate limit exceeded")
	}

	host := request.GetString("host", "")
	displayHost := host
	if strings.TrimSpace(displayHost) == "" {
		displayHost = "<default>"
	}
	s.progress(ctx, call, 0, fmt.Sprintf("Opening SSH session for host '%s'", displayHost))

	req := sshsession.OpenRequest{
		Host: host,
		User: request.GetString("user", ""),
		Cwd:  request.GetString("cwd", ""),
	}

	port, err := optionalPort(request.GetArguments())
	if err != nil {
		res := &sshsession.Result{
			Action:       call.action,
			Host:         req.Host,
			User:         req.User,
			Cwd:          req.Cwd,
			ErrorType:    sshmcperrors.TypeOf(err),
			ErrorMessage: sshmcperrors.MessageOf(err),
		}
		return s.finish(ctx, call, res, "SSH session open completed")
	}
	req.Port = port

	res := s.sessions.Open(ctx, req)
	return s.finish(ctx, call, res, "SSH session open completed")
}

// handleSessionExec implements the ssh_session_exec tool
func (s *Server) handleSessionExec(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	call := s.begin(request, ToolSessionExec, sshsession.ActionExec, sessionID)
	if !s.rateLimiter.AllowCall() {
		return s.finish(ctx, call, s.rejected(call.action), "Rate limit exceeded")
	}

	s.progress(ctx, call, 0, fmt.Sprintf("Running command in session '%s'", sessionID))
	res := s.sessions.Exec(ctx, sshsession.ExecRequest{
		SessionID: sessionID,
		Command:   request.GetString("command", ""),
		Cwd:       request.GetString("cwd", ""),
	})
	return s.finish(ctx, call, res, "SSH session command completed")
}

// handleCloseSession implements the ssh_close_session tool
func (s *Server) handleCloseSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	call := s.begin(request, ToolCloseSession, sshsession.ActionCloseSession, sessionID)
	if !s.rateLimiter.AllowCall() {
		return s.finish(ctx, call, s.rejected(call.action), "Rate limit exceeded")
	}

	s.progress(ctx, call, 0, fmt.Sprintf("Closing SSH session '%s'", sessionID))
	res := s.sessions.Close(ctx, sessionID)
	return s.finish(ctx, call, res, "SSH session close completed")
}

// handleListSessions implements the ssh_list_sessions tool
func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	call := s.begin(request, ToolListSessions, sshsession.ActionListSessions, "")
	if !s.rateLimiter.AllowCall() {
		return s.finish(ctx, call, s.rejected(call.action), "Rate limit exceeded")
	}

	s.progress(ctx, call, 0, "Listing SSH sessions")
	res := s.sessions.List(ctx)
	return s.finish(ctx, call, res, "SSH session list complete")
}

// optionalPort extracts the port argument. A missing or null port yields nil.
func optionalPort(args map[string]any) (*int, error) {
	raw, ok := args["port"]
	if !ok || raw == nil {
		return nil, nil
	}

	invalidPort := &sshmcperrors.ValidationError{
		Field:   "port",
		Message: "port must be an integer.",
	}

	var port int
	switch v := raw.(type) {
	case int:
		port = v
	case int64:
		port = int(v)
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, invalidPort
		}
		port = int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, invalidPort
		}
		port = int(n)
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, nil
		}
		n, err := strconv.Atoi(trimmed)
		if err != nil {
			return nil, invalidPort
		}
		port = n
	default:
		return nil, invalidPort
	}
	return &port, nil
}

// toolResult renders res as structured content with a JSON text fallback.
func toolResult(res *sshsession.Result) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(res)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	result := mcp.NewToolResultStructured(res, string(text))
	result.IsError = !res.OK
	return result, nil
}
