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

package password

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/ssh-mcp/internal/commands/shared"
	"github.com/tombee/ssh-mcp/internal/secrets"
	"github.com/tombee/ssh-mcp/internal/sshsession"
	pkgerrors "github.com/tombee/ssh-mcp/pkg/errors"
)

// NewCommand creates the password command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Manage the SSH password in the system keychain",
		Long: `Store or remove the SSH password used for askpass authentication.

Set ssh.password_keyring (or SSH_MCP_PASSWORD_KEYRING) to the account name to
make the server read the password from the keychain on each session open.`,
	}

	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newDeleteCommand())

	return cmd
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <account>",
		Short: "Store the SSH password for an account",
		Long: `Store the SSH password for an account in the system keychain.

The password can be provided via:
  - Interactive prompt (hidden input, default)
  - Standard input: printf '%s' "$PW" | ssh-mcp password set <account>

Examples:
  ssh-mcp password set deploy`,
		Args: cobra.ExactArgs(1),
		RunE: runSet,
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <account>",
		Short: "Remove the stored SSH password for an account",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
}

func runSet(cmd *cobra.Command, args []string) error {
	account, err := normalizeAccount(args[0])
	if err != nil {
		return err
	}

	value, err := readPassword(cmd)
	if err != nil {
		return shared.NewExecutionError("failed to read password", err)
	}
	if value == "" {
		return &pkgerrors.ValidationError{
			Field:   "password",
			Message: "password cannot be empty.",
		}
	}

	if err := secrets.StorePassword(account, value); err != nil {
		return err
	}

	cmd.Printf("Stored password for %s in the %s keychain entry.\n", account, secrets.KeychainService)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	account, err := normalizeAccount(args[0])
	if err != nil {
		return err
	}

	if err := secrets.DeletePassword(account); err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return shared.NewExecutionError(fmt.Sprintf("no password stored for %s", account), nil)
		}
		return err
	}

	cmd.Printf("Deleted password for %s.\n", account)
	return nil
}

func normalizeAccount(raw string) (string, error) {
	account, err := sshsession.NormalizeIdentifier(raw, "account")
	if err != nil {
		var valErr *pkgerrors.ValidationError
		if errors.As(err, &valErr) {
			valErr.Suggestion = "Use the remote user name as the account."
		}
		return "", err
	}
	return account, nil
}

// readPassword reads from a piped stdin, or prompts with hidden input when
// stdin is a terminal.
func readPassword(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Enter SSH password (hidden): ")
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
