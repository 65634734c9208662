package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/remote"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage SSH secrets in the OS keyring",
	Long: `Agents authenticate with a secret stored in the OS keyring under the
account user@host: the passphrase of SSH_KEY_FILE when one is set,
otherwise the account password.`,
}

var keysSetCmd = &cobra.Command{
	Use:   "set <user@host>",
	Short: "Store a secret read from stdin",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		account := args[0]
		if !strings.Contains(account, "@") {
			log.Fatalf("expected user@host, got %q", account)
		}
		fmt.Fprintf(os.Stderr, "Secret for %s: ", account)
		secret, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && secret == "" {
			log.Fatalf("failed to read secret: %v", err)
		}
		secret = strings.TrimRight(secret, "\r\n")
		if secret == "" {
			log.Fatalf("empty secret")
		}
		if err := keyring.Set(remote.KeyringService, account, secret); err != nil {
			log.Fatalf("failed to store secret: %v", err)
		}
		log.Printf("✓ stored secret for %s", account)
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <user@host>",
	Short: "Remove a stored secret",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := keyring.Delete(remote.KeyringService, args[0])
		switch {
		case errors.Is(err, keyring.ErrNotFound):
			log.Printf("ℹ no secret stored for %s", args[0])
		case err != nil:
			log.Fatalf("failed to delete secret: %v", err)
		default:
			log.Printf("✓ deleted secret for %s", args[0])
		}
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysSetCmd, keysDeleteCmd)
}
