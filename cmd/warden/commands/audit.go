package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MEKXH/warden/internal/audit"
	"github.com/MEKXH/warden/internal/config"
	"github.com/spf13/cobra"
)

func NewAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the signature of every audit entry",
		RunE:  runAuditVerify,
	}
	verify.Flags().String("path", "", "Audit log to verify (defaults to the configured log)")
	cmd.AddCommand(verify)

	return cmd
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	path := cfg.AuditPath()
	if cmd != nil {
		if p, _ := cmd.Flags().GetString("path"); p != "" {
			path = p
		}
	}

	var key []byte
	keyPath := filepath.Join(config.ConfigDir(), audit.KeyFileName)
	if _, err := os.Stat(keyPath); err == nil {
		if key, err = loadAuditKey(); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	report, err := audit.Verify(path, key)
	if err != nil {
		return err
	}

	fmt.Printf("Audit log: %s\n", path)
	fmt.Printf("  Entries: %d\n", report.Entries)
	fmt.Printf("  Signed: %d\n", report.Signed)
	if len(report.Unsigned) > 0 {
		fmt.Printf("  Unsigned lines: %v\n", report.Unsigned)
	}
	if len(report.Invalid) > 0 {
		fmt.Printf("  Invalid lines: %v\n", report.Invalid)
		return fmt.Errorf("audit log failed verification: %d invalid entries", len(report.Invalid))
	}
	if cfg.Security.Audit.SignEvents && len(report.Unsigned) > 0 {
		return fmt.Errorf("audit log failed verification: %d unsigned entries", len(report.Unsigned))
	}
	fmt.Println("  Status: OK")
	return nil
}
