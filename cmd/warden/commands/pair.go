package commands

import (
	"fmt"

	"github.com/MEKXH/warden/internal/config"
	"github.com/MEKXH/warden/internal/pairing"
	"github.com/spf13/cobra"
)

func NewPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage paired gateway clients",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List paired token hashes",
			RunE:  runPairList,
		},
		&cobra.Command{
			Use:   "revoke <token-or-hash>",
			Short: "Revoke a paired token",
			Args:  cobra.ExactArgs(1),
			RunE:  runPairRevoke,
		},
	)

	return cmd
}

func runPairList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	guard, err := pairing.NewGuard(cfg.Gateway.RequirePairing, cfg.Gateway.PairedTokens)
	if err != nil {
		return err
	}

	hashes := guard.TokenHashes()
	if len(hashes) == 0 {
		fmt.Println("No paired clients.")
		return nil
	}
	for _, hash := range hashes {
		fmt.Println(hash)
	}
	return nil
}

func runPairRevoke(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	guard, err := pairing.NewGuard(cfg.Gateway.RequirePairing, cfg.Gateway.PairedTokens)
	if err != nil {
		return err
	}
	if !guard.Revoke(args[0]) {
		return fmt.Errorf("token is not paired")
	}

	cfg.Gateway.PairedTokens = guard.TokenHashes()
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Revoked. %d paired client(s) remain.\n", len(cfg.Gateway.PairedTokens))
	return nil
}
