package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"flickrtwin/pkg/auth"
	"flickrtwin/pkg/ui"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var removeAll bool

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the Flickr API key",
	Long: `Manage stored Flickr API keys.

Keys are stored using:
  - System keychain (when available)
  - Encrypted file with PBKDF2 key derivation
  - The FLICKRTWIN_API_KEY environment variable (read only)`,
}

var authSetCmd = &cobra.Command{
	Use:   "set [name]",
	Short: "Store an API key",
	Long: `Store a Flickr API key under a name (default "default"). The key is
read from the terminal without echo, or from stdin when piped.`,
	Example: `  flickrtwin auth set
  echo "$KEY" | flickrtwin auth set work`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuthSet,
}

var authShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List stored API keys with masked values",
	Args:  cobra.NoArgs,
	RunE:  runAuthShow,
}

var authRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Remove a stored API key",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuthRemove,
}

func init() {
	authRemoveCmd.Flags().BoolVar(&removeAll, "all", false, "remove every stored key")

	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authSetCmd, authShowCmd, authRemoveCmd)
}

func runAuthSet(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}

	name := auth.DefaultName
	if len(args) > 0 {
		name = strings.TrimSpace(args[0])
	}

	interactive := term.IsTerminal(int(syscall.Stdin))
	if interactive {
		auth.ShowAPIKeyGuide(os.Stdout)
		fmt.Printf("\nAPI key for %q (hidden): ", name)
	}
	key, err := readSecret(interactive)
	if err != nil {
		return fmt.Errorf("failed to read API key: %w", err)
	}

	cred := &auth.Credential{Name: name, APIKey: key}
	if err := manager.Store(cred); err != nil {
		return fmt.Errorf("failed to store API key: %w", err)
	}

	ui.PrintSuccess(fmt.Sprintf("API key saved: %s (%s)", name, auth.Sanitize(cred).APIKey))
	return nil
}

func runAuthShow(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}

	creds, err := manager.List()
	if err != nil {
		return fmt.Errorf("failed to list API keys: %w", err)
	}
	if len(creds) == 0 {
		ui.PrintWarning("No API key stored. Run 'flickrtwin auth set'")
		return nil
	}

	ui.PrintHighlight("Stored API keys")
	for _, cred := range creds {
		safe := auth.Sanitize(cred)
		modified := "never"
		if !safe.LastModified.IsZero() {
			modified = safe.LastModified.Format("2006-01-02 15:04")
		}
		ui.PrintInfo(safe.Name, fmt.Sprintf("%s  (modified %s)", safe.APIKey, modified))
	}
	if os.Getenv(auth.APIKeyEnv) != "" {
		fmt.Printf("\n%s is set and takes precedence over stored keys\n", auth.APIKeyEnv)
	}
	return nil
}

func runAuthRemove(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}

	if removeAll {
		if err := manager.DeleteAll(); err != nil {
			return fmt.Errorf("failed to remove API keys: %w", err)
		}
		ui.PrintSuccess("All stored API keys removed")
		return nil
	}

	name := auth.DefaultName
	if len(args) > 0 {
		name = args[0]
	}
	if err := manager.Delete(name); err != nil {
		if errors.Is(err, auth.ErrCredentialsNotFound) {
			return fmt.Errorf("no API key named %q", name)
		}
		return fmt.Errorf("failed to remove API key: %w", err)
	}
	ui.PrintSuccess(fmt.Sprintf("API key removed: %s", name))
	return nil
}

// readSecret reads one line without echo on a terminal, or from piped stdin
func readSecret(interactive bool) (string, error) {
	if interactive {
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(secret)), nil
	}

	input, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && input == "" {
		return "", err
	}
	return strings.TrimSpace(input), nil
}
