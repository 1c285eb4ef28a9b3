package commands

import (
	"fmt"
	"strings"

	"github.com/MEKXH/warden/internal/config"
	"github.com/MEKXH/warden/internal/vault"
	"github.com/spf13/cobra"
)

func NewSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Encrypt and inspect stored credentials",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "encrypt <value>",
			Short: "Print the encrypted form of a value",
			Args:  cobra.ExactArgs(1),
			RunE:  runSecretsEncrypt,
		},
		&cobra.Command{
			Use:   "decrypt <value>",
			Short: "Print the plaintext of an encrypted value",
			Args:  cobra.ExactArgs(1),
			RunE:  runSecretsDecrypt,
		},
		&cobra.Command{
			Use:   "set <provider> <api-key>",
			Short: "Store a provider API key in the config",
			Args:  cobra.ExactArgs(2),
			RunE:  runSecretsSet,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List configured provider keys, redacted",
			RunE:  runSecretsList,
		},
	)

	return cmd
}

func runSecretsEncrypt(cmd *cobra.Command, args []string) error {
	if vault.IsEncrypted(args[0]) {
		return fmt.Errorf("value is already encrypted")
	}
	blob, err := vault.NewStore(config.ConfigDir(), true).Encrypt(args[0])
	if err != nil {
		return err
	}
	fmt.Println(blob)
	return nil
}

func runSecretsDecrypt(cmd *cobra.Command, args []string) error {
	plain, err := vault.NewStore(config.ConfigDir(), true).Decrypt(args[0])
	if err != nil {
		return err
	}
	fmt.Println(plain)
	return nil
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	name := strings.ToLower(strings.TrimSpace(args[0]))
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	provider := cfg.Providers[name]
	provider.APIKey = strings.TrimSpace(args[1])
	cfg.Providers[name] = provider

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	state := "plaintext"
	if cfg.Secrets.Encrypt {
		state = "encrypted"
	}
	fmt.Printf("Stored %s key (%s).\n", name, state)
	return nil
}

func runSecretsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	names := cfg.ProviderNames()
	if len(names) == 0 {
		fmt.Println("No provider keys configured.")
		return nil
	}
	for _, name := range names {
		key := cfg.Providers[name].APIKey
		if key == "" {
			fmt.Printf("%s: not set\n", name)
			continue
		}
		fmt.Printf("%s: %s\n", name, vault.Redact(key))
	}
	return nil
}
