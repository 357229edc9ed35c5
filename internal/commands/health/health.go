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

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/ssh-mcp/internal/commands/shared"
	sshlog "github.com/tombee/ssh-mcp/internal/log"
	"github.com/tombee/ssh-mcp/internal/sshsession"
)

// NewHealthCommand creates the health command
func NewHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the ssh client is usable",
		Long: `Run the same check as the ssh_health_check tool: resolve the configured
ssh command on PATH and run its version probe.

Exit codes:
  0 - ssh is available
  2 - configuration is invalid
  3 - the check failed`,
		RunE: runHealth,
	}

	return cmd
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	managerCfg, err := cfg.ManagerConfig()
	if err != nil {
		return shared.NewConfigError("invalid ssh configuration", err)
	}
	manager, err := sshsession.NewManager(managerCfg, sshsession.WithLogger(sshlog.Discard()))
	if err != nil {
		return shared.NewConfigError("failed to create session manager", err)
	}
	defer func() {
		_ = manager.Shutdown(context.Background())
	}()

	res := manager.HealthCheck(cmd.Context())

	if shared.GetJSON() {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal health result: %w", err)
		}
		cmd.Println(string(data))
	} else {
		printResult(cmd, res)
	}

	if !res.OK {
		return shared.NewUnhealthyError(fmt.Sprintf("ssh health check failed (%s)", res.ErrorType))
	}
	return nil
}

func printResult(cmd *cobra.Command, res *sshsession.Result) {
	status := "OK"
	if !res.OK {
		status = "FAILED"
	}
	cmd.Printf("ssh: %s\n", status)
	cmd.Printf("  command: %s\n", strings.Join(res.Command, " "))
	if res.ExitCode != nil {
		cmd.Printf("  exit code: %d\n", *res.ExitCode)
	}
	// OpenSSH prints its version on stderr.
	for _, out := range []*string{res.Stdout, res.Stderr} {
		if out != nil {
			cmd.Printf("  output: %s\n", *out)
		}
	}
	if res.ErrorMessage != "" {
		cmd.Printf("  error: %s\n", res.ErrorMessage)
	}
}
