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

package sshsession

import (
	"time"

	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

// Actions reported in Result.Action.
const (
	ActionHealthCheck  = "health_check"
	ActionOpenSession  = "open_session"
	ActionExec         = "exec"
	ActionCloseSession = "close_session"
	ActionListSessions = "list_sessions"
)

// Result is the structured outcome of every lifecycle operation. Optional
// fields are omitted from JSON when they do not apply.
type Result struct {
	OK     bool   `json:"ok"`
	Action string `json:"action"`

	// Command is the local argv that was (or would have been) run.
	Command []string `json:"command,omitempty"`

	SessionID     string `json:"session_id,omitempty"`
	Destination   string `json:"destination,omitempty"`
	Host          string `json:"host,omitempty"`
	User          string `json:"user,omitempty"`
	Port          int    `json:"port,omitempty"`
	RemoteCommand string `json:"remote_command,omitempty"`
	Cwd           string `json:"cwd,omitempty"`

	Stdout     *string `json:"stdout,omitempty"`
	Stderr     *string `json:"stderr,omitempty"`
	ExitCode   *int    `json:"exit_code,omitempty"`
	DurationMs *int64  `json:"duration_ms,omitempty"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	SessionCount *int       `json:"session_count,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`

	Sessions []SessionInfo `json:"sessions,omitempty"`
}

// SessionInfo describes a live session in list results.
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	Destination string    `json:"destination"`
	Host        string    `json:"host"`
	User        string    `json:"user,omitempty"`
	Port        int       `json:"port,omitempty"`
	Cwd         string    `json:"cwd,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	IdleSeconds int64     `json:"idle_seconds"`
}

func newSessionInfo(sess Session, now time.Time) SessionInfo {
	return SessionInfo{
		SessionID:   sess.ID,
		Destination: sess.Destination,
		Host:        sess.Host,
		User:        sess.User,
		Port:        sess.Port,
		Cwd:         sess.DefaultCwd,
		CreatedAt:   sess.CreatedAt,
		LastUsedAt:  sess.LastUsedAt,
		IdleSeconds: int64(now.Sub(sess.LastUsedAt) / time.Second),
	}
}

// fail marks r as failed with err's type and caller-facing message.
func (r *Result) fail(err error) *Result {
	r.OK = false
	r.ErrorType = sshmcperrors.TypeOf(err)
	r.ErrorMessage = sshmcperrors.MessageOf(err)
	return r
}

func (r *Result) withSession(sess Session) *Result {
	r.SessionID = sess.ID
	r.Destination = sess.Destination
	r.Host = sess.Host
	r.User = sess.User
	r.Port = sess.Port
	created, lastUsed := sess.CreatedAt, sess.LastUsedAt
	r.CreatedAt = &created
	r.LastUsedAt = &lastUsed
	return r
}

func (r *Result) withCount(n int) *Result {
	r.SessionCount = &n
	return r
}

// status is the metric label for r.
func (r *Result) status() string {
	if r.OK {
		return "ok"
	}
	return r.ErrorType
}
