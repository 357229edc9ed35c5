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
	"fmt"
	"strconv"

	"github.com/kballard/go-shellquote"
)

// openProbe is run by the open invocation to confirm the master is usable.
const openProbe = "echo __ssh_mcp_session_opened__"

// passwordAuthOptions force password-style authentication when a password
// is configured.
var passwordAuthOptions = []string{
	"-o", "BatchMode=no",
	"-o", "PubkeyAuthentication=no",
	"-o", "PreferredAuthentications=password,keyboard-interactive",
}

func (m *Manager) baseArgv(port int) []string {
	argv := make([]string, 0, 16)
	argv = append(argv, m.cfg.Command)
	argv = append(argv, m.cfg.BaseArgs...)
	if port > 0 {
		argv = append(argv, "-p", strconv.Itoa(port))
	}
	return argv
}

// openArgv starts a persistent control master for target and runs the probe.
func (m *Manager) openArgv(target Target, controlPath string, passwordAuth bool) []string {
	argv := m.baseArgv(target.Port)
	argv = append(argv,
		"-o", "ControlMaster=yes",
		"-o", "ControlPath="+controlPath,
		"-o", fmt.Sprintf("ControlPersist=%d", int(m.cfg.IdleTimeout.Seconds())),
	)
	if passwordAuth {
		argv = append(argv, passwordAuthOptions...)
	}
	return append(argv, target.Destination, "--", openProbe)
}

// execArgv runs remote over the session's existing master without ever
// creating a new one.
func (m *Manager) execArgv(sess Session, remote string) []string {
	argv := m.baseArgv(sess.Port)
	argv = append(argv,
		"-o", "ControlMaster=no",
		"-o", "ControlPath="+sess.ControlPath,
	)
	return append(argv, sess.Destination, "--", remote)
}

// closeArgv asks the session's master to exit.
func (m *Manager) closeArgv(sess Session) []string {
	argv := m.baseArgv(sess.Port)
	argv = append(argv,
		"-o", "ControlPath="+sess.ControlPath,
		"-O", "exit",
	)
	return append(argv, sess.Destination)
}

// healthArgv checks that the ssh client runs.
func (m *Manager) healthArgv() []string {
	argv := make([]string, 0, 1+len(m.cfg.BaseArgs)+len(m.cfg.HealthCheckArgs))
	argv = append(argv, m.cfg.Command)
	argv = append(argv, m.cfg.BaseArgs...)
	return append(argv, m.cfg.HealthCheckArgs...)
}

// composeRemoteCommand prefixes command with a cd into cwd when cwd is set.
func composeRemoteCommand(command, cwd string) string {
	if cwd == "" {
		return command
	}
	return fmt.Sprintf("cd %s && %s", shellquote.Join(cwd), command)
}
