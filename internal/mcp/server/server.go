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

// Package server implements an MCP server that exposes the SSH session
// lifecycle as tools.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	sshlog "github.com/tombee/ssh-mcp/internal/log"
	"github.com/tombee/ssh-mcp/internal/sshsession"
)

// Lifecycle is the session controller behind the tools.
type Lifecycle interface {
	HealthCheck(ctx context.Context) *sshsession.Result
	Open(ctx context.Context, req sshsession.OpenRequest) *sshsession.Result
	Exec(ctx context.Context, req sshsession.ExecRequest) *sshsession.Result
	Close(ctx context.Context, sessionID string) *sshsession.Result
	List(ctx context.Context) *sshsession.Result
	SessionCount() int
}

// Server wraps the MCP server and provides the SSH tools
type Server struct {
	mcpServer   *server.MCPServer
	sessions    Lifecycle
	name        string
	version     string
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// ServerConfig configures the MCP server
type ServerConfig struct {
	// Name is the server name (default: "ssh-mcp")
	Name string

	// Version is the ssh-mcp version
	Version string

	// Instructions are sent to clients on initialize.
	Instructions string

	// Sessions runs the tool operations. Required.
	Sessions Lifecycle

	// CallsPerMinute bounds all tool calls; zero disables the limit.
	CallsPerMinute int

	// OpensPerMinute bounds ssh_open_session calls; zero disables the limit.
	OpensPerMinute int

	// Logger receives tool call logs. Defaults to a discarding logger.
	Logger *slog.Logger
}

// NewServer creates a new MCP server instance
func NewServer(config ServerConfig) (*Server, error) {
	if config.Sessions == nil {
		return nil, errors.New("session lifecycle is required")
	}
	if config.Name == "" {
		config.Name = "ssh-mcp"
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	logger := config.Logger
	if logger == nil {
		logger = sshlog.Discard()
	}

	opts := []server.ServerOption{
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	}
	if config.Instructions != "" {
		opts = append(opts, server.WithInstructions(config.Instructions))
	}

	s := &Server{
		mcpServer:   server.NewMCPServer(config.Name, config.Version, opts...),
		sessions:    config.Sessions,
		name:        config.Name,
		version:     config.Version,
		rateLimiter: NewRateLimiter(config.CallsPerMinute, config.OpensPerMinute),
		logger:      sshlog.WithComponent(logger, "mcp"),
	}

	s.registerTools()

	return s, nil
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// registerTools registers all SSH tools with the MCP server
func (s *Server) registerTools() {
	readOnly := true
	notReadOnly := false
	destructive := true
	notDestructive := false
	openWorld := true

	// Tool: ssh_health_check
	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolHealthCheck,
		Description: "Validate SSH command availability and optional version probe execution.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
		Annotations: mcp.ToolAnnotation{
			Title:           "SSH command health check",
			ReadOnlyHint:    &readOnly,
			DestructiveHint: &notDestructive,
			OpenWorldHint:   &notReadOnly,
		},
	}, s.handleHealthCheck)

	// Tool: ssh_open_session
	s.mcpServer.AddTool(mcp.Tool{
		Name: ToolOpenSession,
		Description: "Open one reusable SSH session and return its session_id. " +
			"host is optional when SSH_MCP_DEFAULT_HOST is configured.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"host": map[string]interface{}{
					"type":        "string",
					"description": "Remote host name. Letters, digits, dot, underscore and hyphen only.",
				},
				"user": map[string]interface{}{
					"type":        "string",
					"description": "Remote user name. Defaults to the configured default user.",
				},
				"port": map[string]interface{}{
					"type":        "integer",
					"description": "Remote SSH port (1-65535). Defaults to the configured default port.",
					"minimum":     1,
					"maximum":     65535,
				},
				"cwd": map[string]interface{}{
					"type":        "string",
					"description": "Default remote working directory for commands run in this session.",
				},
			},
		},
		Annotations: mcp.ToolAnnotation{
			Title:           "Open reusable SSH session",
			ReadOnlyHint:    &notReadOnly,
			DestructiveHint: &notDestructive,
			OpenWorldHint:   &openWorld,
		},
	}, s.handleOpenSession)

	// Tool: ssh_session_exec
	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolSessionExec,
		Description: "Run one command against an existing session_id.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Session id returned by ssh_open_session (8 hex characters).",
				},
				"command": map[string]interface{}{
					"type":        "string",
					"description": "Single-line remote shell command.",
				},
				"cwd": map[string]interface{}{
					"type":        "string",
					"description": "Remote working directory for this command. Overrides the session default.",
				},
			},
			Required: []string{"session_id", "command"},
		},
		Annotations: mcp.ToolAnnotation{
			Title:           "Run command in SSH session",
			ReadOnlyHint:    &notReadOnly,
			DestructiveHint: &destructive,
			OpenWorldHint:   &openWorld,
		},
	}, s.handleSessionExec)

	// Tool: ssh_close_session
	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolCloseSession,
		Description: "Close one active session_id and release its control socket.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Session id returned by ssh_open_session.",
				},
			},
			Required: []string{"session_id"},
		},
		Annotations: mcp.ToolAnnotation{
			Title:           "Close SSH session",
			ReadOnlyHint:    &notReadOnly,
			DestructiveHint: &notDestructive,
			OpenWorldHint:   &openWorld,
		},
	}, s.handleCloseSession)

	// Tool: ssh_list_sessions
	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolListSessions,
		Description: "List live SSH sessions with their destinations and idle times.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
		Annotations: mcp.ToolAnnotation{
			Title:           "List SSH sessions",
			ReadOnlyHint:    &readOnly,
			DestructiveHint: &notDestructive,
			OpenWorldHint:   &notReadOnly,
		},
	}, s.handleListSessions)
}

// RunStdio serves MCP over stdin/stdout until ctx is cancelled or stdin
// closes.
func (s *Server) RunStdio(ctx context.Context) error {
	s.logger.Info("starting MCP server",
		slog.String("name", s.name),
		slog.String("version", s.version),
		slog.String("transport", "stdio"))

	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "", log.LstdFlags))

	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}

// RunHTTP serves MCP over streamable HTTP on addr until ctx is cancelled.
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	s.logger.Info("starting MCP server",
		slog.String("name", s.name),
		slog.String("version", s.version),
		slog.String("transport", "http"),
		slog.String("addr", addr))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHeartbeatInterval(30*time.Second),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	}
}
