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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func commandTestManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{cfg: cfg}
}

func TestOpenArgv(t *testing.T) {
	m := commandTestManager(Config{
		BaseArgs:    []string{"-F", "/etc/ssh/custom_config"},
		IdleTimeout: 120 * time.Second,
	})
	target := Target{Host: "db1", User: "alice", Port: 2222, Destination: "alice@db1"}

	got := m.openArgv(target, "/tmp/x/s-aaaaaaaa.sock", false)
	assert.Equal(t, []string{
		"ssh", "-F", "/etc/ssh/custom_config", "-p", "2222",
		"-o", "ControlMaster=yes",
		"-o", "ControlPath=/tmp/x/s-aaaaaaaa.sock",
		"-o", "ControlPersist=120",
		"alice@db1", "--", "echo __ssh_mcp_session_opened__",
	}, got)
}

func TestOpenArgv_PasswordAuth(t *testing.T) {
	m := commandTestManager(Config{})
	target := Target{Host: "db1", Destination: "db1"}

	got := m.openArgv(target, "/tmp/s.sock", true)
	assert.Equal(t, []string{
		"ssh",
		"-o", "ControlMaster=yes",
		"-o", "ControlPath=/tmp/s.sock",
		"-o", "ControlPersist=300",
		"-o", "BatchMode=no",
		"-o", "PubkeyAuthentication=no",
		"-o", "PreferredAuthentications=password,keyboard-interactive",
		"db1", "--", "echo __ssh_mcp_session_opened__",
	}, got)
}

func TestExecAndCloseArgv(t *testing.T) {
	m := commandTestManager(Config{Command: "/usr/bin/ssh"})
	sess := Session{ID: "aaaaaaaa", Destination: "db1", Port: 22, ControlPath: "/tmp/s.sock"}

	assert.Equal(t, []string{
		"/usr/bin/ssh", "-p", "22",
		"-o", "ControlMaster=no",
		"-o", "ControlPath=/tmp/s.sock",
		"db1", "--", "uptime",
	}, m.execArgv(sess, "uptime"))

	assert.Equal(t, []string{
		"/usr/bin/ssh", "-p", "22",
		"-o", "ControlPath=/tmp/s.sock",
		"-O", "exit",
		"db1",
	}, m.closeArgv(sess))
}

func TestHealthArgv(t *testing.T) {
	m := commandTestManager(Config{BaseArgs: []string{"-q"}})
	assert.Equal(t, []string{"ssh", "-q", "-V"}, m.healthArgv())

	m = commandTestManager(Config{HealthCheckArgs: []string{"-G", "localhost"}})
	assert.Equal(t, []string{"ssh", "-G", "localhost"}, m.healthArgv())
}

func TestComposeRemoteCommand(t *testing.T) {
	assert.Equal(t, "ls -la", composeRemoteCommand("ls -la", ""))
	assert.Equal(t, "cd /srv/app && ls", composeRemoteCommand("ls", "/srv/app"))
	assert.Equal(t, "cd '/srv/my app' && ls", composeRemoteCommand("ls", "/srv/my app"))
	assert.Equal(t, `cd /tmp/\$HOME && ls`, composeRemoteCommand("ls", "/tmp/$HOME"))
}
