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
	"regexp"
	"strings"
	"unicode/utf8"

	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	sessionIDPattern  = regexp.MustCompile(`^[a-f0-9]{8}$`)
)

// NormalizeIdentifier trims raw and checks it against the host/user
// character class (letters, digits, dot, underscore, hyphen).
func NormalizeIdentifier(raw, field string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", invalid(field, "%s cannot be empty.", field)
	}
	if hasNewline(value) {
		return "", invalid(field, "%s cannot contain newline characters.", field)
	}
	if !identifierPattern.MatchString(value) {
		return "", invalid(field,
			"%s contains invalid characters. Allowed characters: letters, digits, dot, underscore, hyphen.", field)
	}
	// ssh would parse a leading hyphen as an option.
	if strings.HasPrefix(value, "-") {
		return "", invalid(field, "%s cannot start with a hyphen.", field)
	}
	return value, nil
}

// NormalizeHost normalizes a host name.
func NormalizeHost(raw string) (string, error) {
	return NormalizeIdentifier(raw, "host")
}

// NormalizeOptionalIdentifier is NormalizeIdentifier for optional values:
// blank input yields "" and no error.
func NormalizeOptionalIdentifier(raw, field string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return NormalizeIdentifier(raw, field)
}

// NormalizePort checks that port is within [1, 65535].
func NormalizePort(port int, field string) (int, error) {
	if port < 1 || port > 65535 {
		return 0, invalid(field, "%s must be between 1 and 65535.", field)
	}
	return port, nil
}

// NormalizeSessionID trims and lowercases raw and requires exactly eight
// lowercase hex characters, the format Open generates.
func NormalizeSessionID(raw string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return "", invalid("session_id", "session_id cannot be empty.")
	}
	if hasNewline(value) {
		return "", invalid("session_id", "session_id cannot contain newline characters.")
	}
	if !sessionIDPattern.MatchString(value) {
		return "", invalid("session_id", "session_id format is invalid (expected 8 lowercase hex characters).")
	}
	return value, nil
}

// NormalizeRemoteCommand trims raw and bounds it to a single line of at
// most maxChars characters.
func NormalizeRemoteCommand(raw string, maxChars int) (string, error) {
	command := strings.TrimSpace(raw)
	if command == "" {
		return "", invalid("command", "command cannot be empty.")
	}
	if hasNewline(command) {
		return "", invalid("command", "command cannot contain newline characters.")
	}
	if utf8.RuneCountInString(command) > maxChars {
		return "", invalid("command", "command length exceeds maximum of %d characters.", maxChars)
	}
	return command, nil
}

// NormalizeCwd trims raw. Blank input means no working directory override.
func NormalizeCwd(raw string) (string, error) {
	cwd := strings.TrimSpace(raw)
	if cwd == "" {
		return "", nil
	}
	if hasNewline(cwd) {
		return "", invalid("cwd", "cwd cannot contain newline characters.")
	}
	return cwd, nil
}

func hasNewline(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}

func invalid(field, format string, args ...any) error {
	return &sshmcperrors.ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}
