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

import "time"

// Session is one live control master. Values returned by Store are copies.
type Session struct {
	ID          string
	Host        string
	User        string
	Port        int
	Destination string
	ControlPath string
	// DefaultCwd is applied to exec calls that name no cwd.
	DefaultCwd string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Expired reports whether the session has been idle for at least idle.
func (s Session) Expired(idle time.Duration, now time.Time) bool {
	return now.Sub(s.LastUsedAt) >= idle
}
