package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MEKXH/warden/internal/config"
	"github.com/MEKXH/warden/internal/policy"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	statusTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	statusLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(20)
	decisionStyles   = map[policy.Action]lipgloss.Style{
		policy.ActionAllow:           lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2E8B57")),
		policy.ActionRequireApproval: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#D97706")),
		policy.ActionDeny:            lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#DC2626")),
	}
)

func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the autonomy policy",
	}

	cmd.AddCommand(
		newPolicyStatusCmd(),
		newPolicyCheckCmd(),
	)

	return cmd
}

func newPolicyStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the effective policy and budget usage",
		RunE:  runPolicyStatus,
	}
	cmd.Flags().StringP("output", "o", "text", "Output format (text|json|yaml)")
	return cmd
}

func newPolicyCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <tool>",
		Short: "Evaluate one action request without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  runPolicyCheck,
	}
	cmd.Flags().String("risk", "", "Risk tier (low|medium|high); derived from --command-line when empty")
	cmd.Flags().String("path", "", "Filesystem path the action touches")
	cmd.Flags().String("command", "", "Bare executable name")
	cmd.Flags().String("command-line", "", "Full shell command line")
	cmd.Flags().Int("cost", 0, "Estimated cost in cents")
	cmd.Flags().String("channel", policy.ChannelCLI, "Channel the request arrives on")
	return cmd
}

func loadEngine() (*policy.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	pc, err := cfg.PolicyConfig()
	if err != nil {
		return nil, err
	}
	return policy.New(pc)
}

func runPolicyStatus(cmd *cobra.Command, args []string) error {
	engine, err := loadEngine()
	if err != nil {
		return err
	}
	format := "text"
	if cmd != nil {
		format, _ = cmd.Flags().GetString("output")
	}
	snapshot := engine.Snapshot()

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(snapshot)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	case "", "text":
		fmt.Println(renderSnapshot(snapshot))
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	return nil
}

func renderSnapshot(s policy.Snapshot) string {
	rows := []string{
		statusTitleStyle.Render("Warden policy"),
		statusRow("Level", string(s.Level)),
		statusRow("Workspace", s.Workspace),
		statusRow("Workspace only", fmt.Sprint(s.WorkspaceOnly)),
		statusRow("Allowed commands", strings.Join(s.AllowedCommands, ", ")),
		statusRow("Auto approve", strings.Join(s.AutoApprove, ", ")),
		statusRow("Always ask", strings.Join(s.AlwaysAsk, ", ")),
		statusRow("Actions this hour", fmt.Sprintf("%d / %d", s.Usage.ActionsThisHour, s.Usage.MaxActionsPerHour)),
		statusRow("Cost today", fmt.Sprintf("%d / %d cents", s.Usage.CostCentsToday, s.Usage.MaxCostPerDayCents)),
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func statusRow(label, value string) string {
	if value == "" {
		value = "-"
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, statusLabelStyle.Render(label), value)
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	engine, err := loadEngine()
	if err != nil {
		return err
	}

	riskFlag, _ := cmd.Flags().GetString("risk")
	path, _ := cmd.Flags().GetString("path")
	command, _ := cmd.Flags().GetString("command")
	commandLine, _ := cmd.Flags().GetString("command-line")
	cost, _ := cmd.Flags().GetInt("cost")
	channel, _ := cmd.Flags().GetString("channel")

	risk := policy.ParseRisk(riskFlag)
	if strings.TrimSpace(riskFlag) == "" {
		risk = policy.RiskLow
		if commandLine != "" {
			risk = policy.CommandRisk(commandLine)
		}
	}

	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(engine.Workspace(), path)
	}
	req := policy.Request{
		ToolName:           args[0],
		Risk:               risk,
		ResolvedPath:       path,
		CommandName:        command,
		CommandLine:        commandLine,
		EstimatedCostCents: cost,
	}
	if !engine.ToolExposed(channel, req.ToolName) {
		fmt.Printf("%s %s is not offered on channel %s\n", decisionStyles[policy.ActionDeny].Render("hidden"), req.ToolName, channel)
		return nil
	}
	decision, err := engine.Evaluate(context.Background(), req, policy.Session{ID: "policy-check", Channel: channel})
	if err != nil {
		return err
	}

	fmt.Printf("%s (risk=%s)\n", decisionStyles[decision.Action].Render(string(decision.Action)), risk)
	if decision.Rule != "" {
		fmt.Printf("  rule: %s\n", decision.Rule)
	}
	if decision.Reason != "" {
		fmt.Printf("  reason: %s\n", decision.Reason)
	}
	return nil
}
