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

/*
Package secrets resolves the SSH password used for password authentication.

Three mutually exclusive sources are supported:

	inline   - the password value itself (SSH_MCP_PASSWORD)
	file     - a file whose contents are the password (SSH_MCP_PASSWORD_FILE)
	keychain - an OS keychain entry under the "ssh-mcp" service (SSH_MCP_PASSWORD_KEYRING)

Sources are resolved lazily, on every session open, so a rotated password
file or keychain entry takes effect without a restart.

# Usage

	source, err := secrets.NewPasswordSource(secrets.Settings{File: "/run/secrets/ssh"})
	if err != nil {
	    return err
	}
	if source != nil {
	    password, err := source.Password(ctx)
	    ...
	}

A nil PasswordSource means password authentication is not configured and
key-based authentication is used.
*/
package secrets
