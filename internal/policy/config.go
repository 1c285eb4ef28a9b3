package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Config is the autonomy configuration the engine is built from. It is
// immutable once the engine exists.
type Config struct {
	Level         Level
	WorkspaceDir  string
	WorkspaceOnly bool

	AllowedCommands []string
	ForbiddenPaths  []string
	AllowedRoots    []string

	MaxActionsPerHour  int
	MaxCostPerDayCents int

	RequireApprovalForMediumRisk bool
	BlockHighRiskCommands        bool

	ShellEnvPassthrough []string

	// Tool-name lists accept glob patterns such as "mcp_*".
	AutoApprove         []string
	AlwaysAsk           []string
	NonCLIExcludedTools []string
}

// DefaultAllowedCommands is the executable allowlist of a fresh install.
func DefaultAllowedCommands() []string {
	return []string{"git", "npm", "cargo", "ls", "cat", "grep", "find", "echo", "pwd", "wc", "head", "tail", "date"}
}

// DefaultForbiddenPaths is the forbidden prefix list of a fresh install.
func DefaultForbiddenPaths() []string {
	return []string{
		"/etc", "/root", "/home", "/usr", "/bin", "/sbin", "/lib", "/opt", "/boot",
		"/dev", "/proc", "/sys", "/var", "/tmp",
		"~/.ssh", "~/.gnupg", "~/.aws", "~/.config",
	}
}

// DefaultConfig returns the supervised posture with conservative budgets.
func DefaultConfig(workspace string) Config {
	return Config{
		Level:                        LevelSupervised,
		WorkspaceDir:                 workspace,
		WorkspaceOnly:                true,
		AllowedCommands:              DefaultAllowedCommands(),
		ForbiddenPaths:               DefaultForbiddenPaths(),
		MaxActionsPerHour:            20,
		MaxCostPerDayCents:           500,
		RequireApprovalForMediumRisk: true,
		BlockHighRiskCommands:        true,
		AutoApprove:                  []string{"file_read", "memory_recall"},
	}
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate rejects settings the engine cannot enforce.
func (c Config) Validate() error {
	if _, err := ParseLevel(string(c.Level)); err != nil {
		return err
	}
	if strings.TrimSpace(c.WorkspaceDir) == "" {
		return fmt.Errorf("%w: workspace directory is required", ErrInvalidConfig)
	}
	if c.MaxActionsPerHour <= 0 {
		return fmt.Errorf("%w: max_actions_per_hour must be greater than 0", ErrInvalidConfig)
	}
	if c.MaxCostPerDayCents <= 0 {
		return fmt.Errorf("%w: max_cost_per_day_cents must be greater than 0", ErrInvalidConfig)
	}
	for _, cmd := range c.AllowedCommands {
		if strings.TrimSpace(cmd) == "" || strings.ContainsAny(cmd, " \t\n/") {
			return fmt.Errorf("%w: allowed command %q must be a bare executable name", ErrInvalidConfig, cmd)
		}
	}
	for _, name := range c.ShellEnvPassthrough {
		if !envName.MatchString(name) {
			return fmt.Errorf("%w: shell_env_passthrough entry %q is not a valid variable name", ErrInvalidConfig, name)
		}
	}
	for field, patterns := range map[string][]string{
		"auto_approve":           c.AutoApprove,
		"always_ask":             c.AlwaysAsk,
		"non_cli_excluded_tools": c.NonCLIExcludedTools,
	} {
		for _, pattern := range patterns {
			if !doublestar.ValidatePattern(normalizeToolName(pattern)) {
				return fmt.Errorf("%w: %s entry %q is not a valid pattern", ErrInvalidConfig, field, pattern)
			}
		}
	}
	return nil
}

// toolSet matches tool names against exact names and glob patterns.
type toolSet struct {
	exact    map[string]struct{}
	patterns []string
}

func newToolSet(entries []string) toolSet {
	set := toolSet{exact: make(map[string]struct{}, len(entries))}
	for _, entry := range entries {
		name := normalizeToolName(entry)
		if name == "" {
			continue
		}
		if strings.ContainsAny(name, "*?[{") {
			set.patterns = append(set.patterns, name)
			continue
		}
		set.exact[name] = struct{}{}
	}
	return set
}

func (s toolSet) contains(toolName string) bool {
	if _, ok := s.exact[toolName]; ok {
		return true
	}
	for _, pattern := range s.patterns {
		if ok, _ := doublestar.Match(pattern, toolName); ok {
			return true
		}
	}
	return false
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
