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

package version

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/tombee/ssh-mcp/internal/commands/shared"
	sshlog "github.com/tombee/ssh-mcp/internal/log"
	"github.com/tombee/ssh-mcp/internal/sshsession"
)

// Info describes the ssh-mcp build and, on request, the ssh client it drives.
type Info struct {
	Version     string         `json:"version"`
	Commit      string         `json:"commit"`
	BuildDate   string         `json:"build_date"`
	GoVersion   string         `json:"go_version"`
	Platform    string         `json:"platform"`
	MCPProtocol string         `json:"mcp_protocol"`
	SSHClient   *SSHClientInfo `json:"ssh_client,omitempty"`
}

// SSHClientInfo is the version reported by the configured ssh command.
type SSHClientInfo struct {
	Command string `json:"command"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	var withSSH bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display the ssh-mcp version, commit, build date and supported MCP protocol.

With --ssh, the configured ssh command is run the same way as the
ssh_health_check tool and its reported version is included. A failed check
is shown but does not fail the command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd, withSSH)
		},
	}

	cmd.Flags().BoolVar(&withSSH, "ssh", false, "Include the ssh client version")

	return cmd
}

func runVersion(cmd *cobra.Command, withSSH bool) error {
	v, c, b := shared.GetVersion()

	info := Info{
		Version:     v,
		Commit:      c,
		BuildDate:   b,
		GoVersion:   runtime.Version(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		MCPProtocol: mcp.LATEST_PROTOCOL_VERSION,
	}
	if withSSH {
		info.SSHClient = sshClientInfo(cmd.Context())
	}

	if shared.GetJSON() {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal version info: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Printf("ssh-mcp version %s\n", info.Version)
	cmd.Printf("  commit:       %s\n", info.Commit)
	cmd.Printf("  build date:   %s\n", info.BuildDate)
	cmd.Printf("  go:           %s %s\n", info.GoVersion, info.Platform)
	cmd.Printf("  mcp protocol: %s\n", info.MCPProtocol)
	if ssh := info.SSHClient; ssh != nil {
		if ssh.Error != "" {
			cmd.Printf("  ssh client:   %s (%s)\n", ssh.Command, ssh.Error)
		} else {
			cmd.Printf("  ssh client:   %s\n", ssh.Version)
		}
	}

	return nil
}

func sshClientInfo(ctx context.Context) *SSHClientInfo {
	info := &SSHClientInfo{Command: sshsession.DefaultCommand}

	cfg, err := shared.LoadConfig()
	if err != nil {
		info.Error = err.Error()
		return info
	}
	managerCfg, err := cfg.ManagerConfig()
	if err != nil {
		info.Error = err.Error()
		return info
	}
	if managerCfg.Command != "" {
		info.Command = managerCfg.Command
	}

	manager, err := sshsession.NewManager(managerCfg, sshsession.WithLogger(sshlog.Discard()))
	if err != nil {
		info.Error = err.Error()
		return info
	}
	defer func() {
		_ = manager.Shutdown(context.Background())
	}()

	res := manager.HealthCheck(ctx)
	if !res.OK {
		info.Error = res.ErrorMessage
		return info
	}
	info.Version = firstLine(res.Stderr, res.Stdout)
	return info
}

// firstLine returns the first line of the first non-empty output. OpenSSH
// prints its version on stderr.
func firstLine(outputs ...*string) string {
	for _, out := range outputs {
		if out == nil {
			continue
		}
		line, _, _ := strings.Cut(*out, "\n")
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
