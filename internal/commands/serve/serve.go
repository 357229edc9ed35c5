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

// Package serve implements the command that runs the MCP server.
package serve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/ssh-mcp/internal/commands/shared"
	"github.com/tombee/ssh-mcp/internal/config"
	sshlog "github.com/tombee/ssh-mcp/internal/log"
	mcpserver "github.com/tombee/ssh-mcp/internal/mcp/server"
	"github.com/tombee/ssh-mcp/internal/metrics"
	"github.com/tombee/ssh-mcp/internal/sshsession"
	"github.com/tombee/ssh-mcp/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

// options are the serve flags. Empty values leave the loaded config alone.
type options struct {
	logLevel    string
	transport   string
	addr        string
	metricsAddr string
}

// NewCommand creates the serve command
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ssh-mcp MCP server",
		Long: `Start the ssh-mcp MCP (Model Context Protocol) server.

The server exposes a bounded SSH session lifecycle as tools. Sessions are
backed by OpenSSH ControlMaster sockets, so each command after the first
reuses an authenticated connection.

The server runs in stdio mode by default, which is suitable for integration
with AI assistants via their MCP configuration:
  {
    "mcpServers": {
      "ssh": {
        "command": "ssh-mcp",
        "args": ["serve"],
        "env": {"SSH_MCP_ALLOWED_HOSTS": "web1,db1"}
      }
    }
  }

The server exposes these tools:
  - ssh_health_check: Check the ssh client is available
  - ssh_open_session: Open a reusable session
  - ssh_session_exec: Run one command in a session
  - ssh_close_session: Close a session
  - ssh_list_sessions: List live sessions

Use --transport http to serve streamable HTTP on --addr instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Logging verbosity (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.transport, "transport", "", "MCP transport (stdio, http)")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address for the http transport")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Listen address for /metrics and /healthz (disabled when empty)")

	return cmd
}

// applyFlags overlays non-empty flag values on cfg and revalidates.
func applyFlags(cfg *config.Config, opts options) error {
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.transport != "" {
		cfg.Server.Transport = opts.transport
	}
	if opts.addr != "" {
		cfg.Server.HTTPAddr = opts.addr
	}
	if opts.metricsAddr != "" {
		cfg.Server.MetricsAddr = opts.metricsAddr
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, opts options) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if err := applyFlags(cfg, opts); err != nil {
		return shared.NewConfigError("invalid flags", err)
	}

	logger := shared.NewLogger(cfg)
	versionStr, _, _ := shared.GetVersion()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		ServiceName:    cfg.Server.Name,
		ServiceVersion: versionStr,
	})
	if err != nil {
		return shared.NewConfigError("failed to set up tracing", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", sshlog.Error(err))
		}
	}()

	managerCfg, err := cfg.ManagerConfig()
	if err != nil {
		return shared.NewConfigError("invalid ssh configuration", err)
	}
	manager, err := sshsession.NewManager(managerCfg, sshsession.WithLogger(logger))
	if err != nil {
		return shared.NewConfigError("failed to create session manager", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("session cleanup failed", sshlog.Error(err))
		}
	}()

	logger.Info("session manager ready",
		slog.String("session_dir", manager.SessionDir()),
		slog.Int("max_sessions", managerCfg.MaxSessions),
		slog.Duration("idle_timeout", managerCfg.IdleTimeout),
		slog.Bool("password_auth", managerCfg.Password != nil))

	if cfg.Server.MetricsAddr != "" {
		metricsServer := metrics.NewServer(cfg.Server.MetricsAddr,
			metrics.NewRouter(manager, versionStr), logger)
		if err := metricsServer.Start(); err != nil {
			return shared.NewExecutionError("failed to start metrics server", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", sshlog.Error(err))
			}
		}()
	}

	if interval := cfg.ReapInterval(); interval > 0 {
		reaper := NewReaper(manager, interval, logger)
		go reaper.Run(ctx)
	}

	srv, err := mcpserver.NewServer(mcpserver.ServerConfig{
		Name:           cfg.Server.Name,
		Version:        versionStr,
		Instructions:   cfg.Server.Instructions,
		Sessions:       manager,
		CallsPerMinute: cfg.Server.RateLimit.CallsPerMinute,
		OpensPerMinute: cfg.Server.RateLimit.OpensPerMinute,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	switch cfg.Server.Transport {
	case config.TransportHTTP:
		err = srv.RunHTTP(ctx, cfg.Server.HTTPAddr)
	default:
		err = srv.RunStdio(ctx)
	}
	if err != nil {
		return shared.NewExecutionError("MCP server error", err)
	}

	logger.Info("MCP server stopped")
	return nil
}
