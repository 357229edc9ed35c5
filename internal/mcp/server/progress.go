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

	"github.com/mark3labs/mcp-go/server"

	sshlog "github.com/tombee/ssh-mcp/internal/log"
)

const progressMethod = "notifications/progress"

// progress reports step/1 for the call when the client asked for progress.
// Delivery failures are logged and otherwise ignored.
func (s *Server) progress(ctx context.Context, call *toolCall, step float64, message string) {
	meta := call.request.Params.Meta
	if meta == nil || meta.ProgressToken == nil {
		return
	}
	srv := server.ServerFromContext(ctx)
	if srv == nil {
		return
	}

	err := srv.SendNotificationToClient(ctx, progressMethod, map[string]any{
		"progressToken": meta.ProgressToken,
		"progress":      step,
		"total":         1.0,
		"message":       message,
	})
	if err != nil {
		call.logger.Debug("progress notification not delivered", sshlog.Error(err))
	}
}
