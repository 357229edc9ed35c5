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

// Package cli assembles the ssh-mcp command tree.
package cli

import (
	"github.com/spf13/cobra"

	configcmd "github.com/tombee/ssh-mcp/internal/commands/config"
	"github.com/tombee/ssh-mcp/internal/commands/health"
	"github.com/tombee/ssh-mcp/internal/commands/password"
	"github.com/tombee/ssh-mcp/internal/commands/serve"
	"github.com/tombee/ssh-mcp/internal/commands/shared"
	versioncmd "github.com/tombee/ssh-mcp/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for ssh-mcp
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ssh-mcp",
		Short: "ssh-mcp - bounded SSH sessions for MCP clients",
		Long: `ssh-mcp is an MCP server that lets AI assistants open SSH sessions,
run one-line commands in them, and close them again.

Sessions reuse OpenSSH ControlMaster connections, hosts can be restricted
with an allowlist, and commands and output are bounded in size.

Run 'ssh-mcp serve' to start the server on stdio.
Run 'ssh-mcp health' to check the ssh client.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	json, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/ssh-mcp/config.yaml)")

	cmd.AddCommand(serve.NewCommand())
	cmd.AddCommand(health.NewHealthCommand())
	cmd.AddCommand(configcmd.NewConfigCommand())
	cmd.AddCommand(password.NewCommand())
	cmd.AddCommand(versioncmd.NewVersionCommand())

	return cmd
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
