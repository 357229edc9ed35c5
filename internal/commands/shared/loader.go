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

package shared

import (
	"log/slog"
	"os"

	"github.com/tombee/ssh-mcp/internal/config"
	sshlog "github.com/tombee/ssh-mcp/internal/log"
)

// LoadConfig loads configuration from the --config path, or the default
// location when the flag is unset.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewConfigError("failed to load config", err)
	}
	return cfg, nil
}

// NewLogger builds the process logger from cfg. Output always goes to
// stderr since stdout may carry the MCP protocol.
func NewLogger(cfg *config.Config) *slog.Logger {
	return sshlog.New(&sshlog.Config{
		Level:     cfg.Log.Level,
		Format:    sshlog.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
}
