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
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Target is a resolved connection destination.
type Target struct {
	Host string
	// User is empty when neither the caller nor the defaults name one.
	User string
	// Port is zero when the ssh client default applies.
	Port int
	// Destination is "user@host" or "host".
	Destination string
}

// Resolver combines caller input with configured defaults and the host
// allowlist.
type Resolver struct {
	// AllowedHosts restricts reachable hosts; empty means unrestricted.
	// Entries may use * and ? wildcards.
	AllowedHosts []string
	DefaultHost  string
	DefaultUser  string
	DefaultPort  int
}

// Resolve produces a Target. A nil port means "not supplied".
func (r *Resolver) Resolve(host, user string, port *int) (Target, error) {
	var resolvedHost string
	if strings.TrimSpace(host) == "" {
		if r.DefaultHost == "" {
			return Target{}, invalid("host", "host is required when no default host is configured.")
		}
		resolvedHost = r.DefaultHost
	} else {
		normalized, err := NormalizeHost(host)
		if err != nil {
			return Target{}, err
		}
		resolvedHost = normalized
	}

	resolvedUser, err := NormalizeOptionalIdentifier(user, "user")
	if err != nil {
		return Target{}, err
	}
	if resolvedUser == "" {
		resolvedUser = r.DefaultUser
	}

	resolvedPort := r.DefaultPort
	if port != nil {
		resolvedPort, err = NormalizePort(*port, "port")
		if err != nil {
			return Target{}, err
		}
	}

	if !r.Allowed(resolvedHost) {
		return Target{}, invalid("host", "Host '%s' is not allowlisted. Allowed hosts: %s.",
			resolvedHost, strings.Join(r.AllowedHosts, ", "))
	}

	destination := resolvedHost
	if resolvedUser != "" {
		destination = fmt.Sprintf("%s@%s", resolvedUser, resolvedHost)
	}

	return Target{
		Host:        resolvedHost,
		User:        resolvedUser,
		Port:        resolvedPort,
		Destination: destination,
	}, nil
}

// Allowed reports whether host passes the allowlist.
func (r *Resolver) Allowed(host string) bool {
	if len(r.AllowedHosts) == 0 {
		return true
	}
	for _, entry := range r.AllowedHosts {
		if entry == host {
			return true
		}
		if strings.ContainsAny(entry, "*?") {
			if ok, err := doublestar.Match(entry, host); err == nil && ok {
				return true
			}
		}
	}
	return false
}
