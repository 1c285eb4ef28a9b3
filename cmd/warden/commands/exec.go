package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MEKXH/warden/internal/approval"
	"github.com/MEKXH/warden/internal/config"
	"github.com/MEKXH/warden/internal/policy"
	"github.com/MEKXH/warden/internal/tools"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func NewExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec -- <command line>",
		Short: "Run a shell command through the policy engine and sandbox",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExec,
	}
	cmd.Flags().String("working-dir", "", "Working directory inside the workspace")
	return cmd
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			slog.Warn("close audit log", "error", err)
		}
	}()

	grants := approval.NewGrants()
	reg, err := rt.registry(approval.NewPrompter(os.Stdin, os.Stdout, grants))
	if err != nil {
		return err
	}

	workDir, _ := cmd.Flags().GetString("working-dir")
	argsJSON, err := json.Marshal(tools.ExecInput{
		Command:    strings.Join(args, " "),
		WorkingDir: workDir,
	})
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	session := policy.Session{ID: sessionID, Channel: policy.ChannelCLI, Grants: grants.For(sessionID)}
	result, err := reg.Execute(cmd.Context(), session, tools.ExecToolName, string(argsJSON))
	if err != nil {
		return err
	}

	var out tools.ExecOutput
	if err := json.Unmarshal([]byte(result), &out); err != nil {
		// Pending approvals come back as plain text.
		fmt.Println(result)
		return nil
	}
	fmt.Print(out.Stdout)
	fmt.Fprint(os.Stderr, out.Stderr)
	if out.ExitCode != 0 {
		return fmt.Errorf("command exited with status %d", out.ExitCode)
	}
	return nil
}
