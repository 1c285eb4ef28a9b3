package commands

import (
	"github.com/MEKXH/warden/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "warden",
		Short:         "Warden - trust boundary for AI agents",
		Long:          `Warden decides what an AI agent may do on its own, what needs a human, and what is refused.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride, false)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride, cmd.Name() == "exec")
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewGatewayCmd(),
		NewPolicyCmd(),
		NewSecretsCmd(),
		NewPairCmd(),
		NewAuditCmd(),
		NewApprovalCmd(),
		NewExecCmd(),
		NewVersionCmd(),
	)

	return cmd
}
