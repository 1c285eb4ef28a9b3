package commands

import (
	"fmt"
	"os"

	"github.com/MEKXH/warden/internal/config"
	"github.com/spf13/cobra"
)

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Warden configuration",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	cfg := config.DefaultConfig()

	dirs := []string{
		config.ConfigDir(),
		cfg.WorkspacePath(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Warden initialized!\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Workspace: %s\n", cfg.WorkspacePath())
	fmt.Printf("Autonomy: %s\n", cfg.Autonomy.Level)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Review autonomy.allowed_commands and forbidden_paths in %s\n", configPath)
	fmt.Printf("2. Run 'warden policy status' to check the effective policy\n")
	fmt.Printf("3. Run 'warden gateway' and pair a client with the printed code\n")

	return nil
}
