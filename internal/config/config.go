package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MEKXH/warden/internal/fsutil"
	"github.com/MEKXH/warden/internal/policy"
	"github.com/MEKXH/warden/internal/sandbox"
	"github.com/MEKXH/warden/internal/vault"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ErrInvalid marks a configuration the runtime refuses to start with.
var ErrInvalid = errors.New("invalid configuration")

// Config root configuration
type Config struct {
	Autonomy  AutonomyConfig            `mapstructure:"autonomy" json:"autonomy"`
	Secrets   SecretsConfig             `mapstructure:"secrets" json:"secrets"`
	Security  SecurityConfig            `mapstructure:"security" json:"security"`
	Gateway   GatewayConfig             `mapstructure:"gateway" json:"gateway"`
	Agents    AgentsConfig              `mapstructure:"agents" json:"agents"`
	Tools     ToolsConfig               `mapstructure:"tools" json:"tools"`
	Log       LogConfig                 `mapstructure:"log" json:"log"`
	Providers map[string]ProviderConfig `mapstructure:"providers" json:"providers"`
}

// AutonomyConfig is what the agent may do without asking.
type AutonomyConfig struct {
	Level                        string   `mapstructure:"level" json:"level"`
	WorkspaceOnly                bool     `mapstructure:"workspace_only" json:"workspace_only"`
	AllowedCommands              []string `mapstructure:"allowed_commands" json:"allowed_commands"`
	ForbiddenPaths               []string `mapstructure:"forbidden_paths" json:"forbidden_paths"`
	AllowedRoots                 []string `mapstructure:"allowed_roots" json:"allowed_roots"`
	MaxActionsPerHour            int      `mapstructure:"max_actions_per_hour" json:"max_actions_per_hour"`
	MaxCostPerDayCents           int      `mapstructure:"max_cost_per_day_cents" json:"max_cost_per_day_cents"`
	RequireApprovalForMediumRisk bool     `mapstructure:"require_approval_for_medium_risk" json:"require_approval_for_medium_risk"`
	BlockHighRiskCommands        bool     `mapstructure:"block_high_risk_commands" json:"block_high_risk_commands"`
	ShellEnvPassthrough          []string `mapstructure:"shell_env_passthrough" json:"shell_env_passthrough"`
	AutoApprove                  []string `mapstructure:"auto_approve" json:"auto_approve"`
	AlwaysAsk                    []string `mapstructure:"always_ask" json:"always_ask"`
	NonCLIExcludedTools          []string `mapstructure:"non_cli_excluded_tools" json:"non_cli_excluded_tools"`
}

// SecretsConfig controls encryption of credentials at rest.
type SecretsConfig struct {
	Encrypt bool `mapstructure:"encrypt" json:"encrypt"`
}

// SecurityConfig groups the audit and sandbox settings.
type SecurityConfig struct {
	Audit   AuditConfig   `mapstructure:"audit" json:"audit"`
	Sandbox SandboxConfig `mapstructure:"sandbox" json:"sandbox"`
}

// AuditConfig audit log settings. A relative LogPath is under ConfigDir.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled" json:"enabled"`
	LogPath    string `mapstructure:"log_path" json:"log_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	SignEvents bool   `mapstructure:"sign_events" json:"sign_events"`
}

// SandboxConfig selects the OS sandbox for spawned commands.
type SandboxConfig struct {
	Backend string `mapstructure:"backend" json:"backend"`
}

// GatewayConfig server settings
type GatewayConfig struct {
	Host                   string   `mapstructure:"host" json:"host"`
	Port                   int      `mapstructure:"port" json:"port"`
	RequirePairing         bool     `mapstructure:"require_pairing" json:"require_pairing"`
	PairedTokens           []string `mapstructure:"paired_tokens" json:"paired_tokens"`
	PairRateLimitPerMinute int      `mapstructure:"pair_rate_limit_per_minute" json:"pair_rate_limit_per_minute"`
	RateLimitMaxKeys       int      `mapstructure:"rate_limit_max_keys" json:"rate_limit_max_keys"`
}

// AgentsConfig agent settings
type AgentsConfig struct {
	Defaults AgentDefaults `mapstructure:"defaults" json:"defaults"`
}

// AgentDefaults default agent parameters
type AgentDefaults struct {
	Workspace     string `mapstructure:"workspace" json:"workspace"`
	WorkspaceMode string `mapstructure:"workspace_mode" json:"workspace_mode"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// ToolsConfig tool settings
type ToolsConfig struct {
	Exec ExecToolConfig `mapstructure:"exec" json:"exec"`
}

// ExecToolConfig shell exec settings
type ExecToolConfig struct {
	Timeout int `mapstructure:"timeout" json:"timeout"`
}

// ProviderConfig single provider settings. APIKey is stored encrypted when
// secrets.encrypt is on.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" json:"api_key"`
	BaseURL string `mapstructure:"base_url" json:"base_url,omitempty"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	pc := policy.DefaultConfig("")
	return &Config{
		Autonomy: AutonomyConfig{
			Level:                        string(pc.Level),
			WorkspaceOnly:                pc.WorkspaceOnly,
			AllowedCommands:              pc.AllowedCommands,
			ForbiddenPaths:               pc.ForbiddenPaths,
			AllowedRoots:                 []string{},
			MaxActionsPerHour:            pc.MaxActionsPerHour,
			MaxCostPerDayCents:           pc.MaxCostPerDayCents,
			RequireApprovalForMediumRisk: pc.RequireApprovalForMediumRisk,
			BlockHighRiskCommands:        pc.BlockHighRiskCommands,
			ShellEnvPassthrough:          []string{},
			AutoApprove:                  pc.AutoApprove,
			AlwaysAsk:                    []string{},
			NonCLIExcludedTools:          []string{},
		},
		Secrets: SecretsConfig{Encrypt: true},
		Security: SecurityConfig{
			Audit: AuditConfig{
				Enabled:   true,
				LogPath:   "audit.log",
				MaxSizeMB: 100,
			},
			Sandbox: SandboxConfig{Backend: sandbox.BackendAuto},
		},
		Gateway: GatewayConfig{
			Host:                   "127.0.0.1",
			Port:                   42617,
			RequirePairing:         true,
			PairedTokens:           []string{},
			PairRateLimitPerMinute: 10,
			RateLimitMaxKeys:       10000,
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				WorkspaceMode: "default",
			},
		},
		Tools: ToolsConfig{
			Exec: ExecToolConfig{Timeout: 60},
		},
		Log: LogConfig{
			Level: "info",
		},
		Providers: map[string]ProviderConfig{},
	}
}

// ConfigDir returns the warden config directory
func ConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return filepath.Join(homeDir, ".warden")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Vault returns the credential store for this config's directory.
func (c *Config) Vault() *vault.Store {
	return vault.NewStore(ConfigDir(), c.Secrets.Encrypt)
}

// Load loads config from file or writes and returns defaults. Encrypted
// provider keys are decrypted; a key that cannot be decrypted is an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	if err := cfg.decryptSecrets(cfg.Vault()); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save writes cfg with provider keys encrypted. The previous file is kept as
// config.json.bak and the new one replaces it atomically.
func Save(cfg *Config) error {
	configPath := ConfigPath()
	dir := filepath.Dir(configPath)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	out := *cfg
	if err := out.encryptSecrets(cfg.Vault()); err != nil {
		return err
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return err
	}

	if err := fsutil.WriteFileAtomic(configPath, data, 0600, true); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func (c *Config) encryptSecrets(store *vault.Store) error {
	providers := make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		if p.APIKey != "" && !vault.IsEncrypted(p.APIKey) {
			enc, err := store.Encrypt(p.APIKey)
			if err != nil {
				return fmt.Errorf("encrypt providers.%s.api_key: %w", name, err)
			}
			p.APIKey = enc
		}
		providers[name] = p
	}
	c.Providers = providers
	return nil
}

func (c *Config) decryptSecrets(store *vault.Store) error {
	for name, p := range c.Providers {
		plain, err := store.Decrypt(p.APIKey)
		if err != nil {
			return fmt.Errorf("decrypt providers.%s.api_key: %w", name, err)
		}
		p.APIKey = plain
		c.Providers[name] = p
	}
	return nil
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if _, err := policy.ParseLevel(c.Autonomy.Level); err != nil {
		return invalid("autonomy.level must be one of read_only, supervised, full; got %q", c.Autonomy.Level)
	}
	if c.Autonomy.MaxActionsPerHour <= 0 {
		return invalid("autonomy.max_actions_per_hour must be > 0, got %d", c.Autonomy.MaxActionsPerHour)
	}
	if c.Autonomy.MaxCostPerDayCents <= 0 {
		return invalid("autonomy.max_cost_per_day_cents must be > 0, got %d", c.Autonomy.MaxCostPerDayCents)
	}

	mode := strings.TrimSpace(c.Agents.Defaults.WorkspaceMode)
	if mode != "" {
		validModes := map[string]bool{"default": true, "cwd": true, "path": true}
		if !validModes[strings.ToLower(mode)] {
			return invalid("agents.defaults.workspace_mode must be one of: default, cwd, path; got %q", mode)
		}
		if strings.EqualFold(mode, "path") && strings.TrimSpace(c.Agents.Defaults.Workspace) == "" {
			return invalid("agents.defaults.workspace must be non-empty when workspace_mode is \"path\"")
		}
	}

	pc, err := c.policyConfig(".")
	if err != nil {
		return err
	}
	if err := pc.Validate(); err != nil {
		return fmt.Errorf("%w: autonomy: %w", ErrInvalid, err)
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return invalid("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if c.Gateway.PairRateLimitPerMinute < 0 {
		return invalid("gateway.pair_rate_limit_per_minute must not be negative, got %d", c.Gateway.PairRateLimitPerMinute)
	}
	if c.Gateway.RateLimitMaxKeys < 0 {
		return invalid("gateway.rate_limit_max_keys must not be negative, got %d", c.Gateway.RateLimitMaxKeys)
	}

	if c.Security.Audit.MaxSizeMB < 0 {
		return invalid("security.audit.max_size_mb must not be negative, got %d", c.Security.Audit.MaxSizeMB)
	}
	if c.Security.Audit.Enabled && strings.TrimSpace(c.Security.Audit.LogPath) == "" {
		return invalid("security.audit.log_path is required when audit is enabled")
	}

	backend := strings.ToLower(strings.TrimSpace(c.Security.Sandbox.Backend))
	if backend == "" {
		backend = sandbox.BackendAuto
	}
	if !sandbox.KnownBackend(backend) {
		return invalid("security.sandbox.backend must be one of %s; got %q", strings.Join(sandbox.BackendNames(), ", "), c.Security.Sandbox.Backend)
	}
	c.Security.Sandbox.Backend = backend

	if c.Tools.Exec.Timeout < 0 {
		return invalid("tools.exec.timeout must not be negative, got %d", c.Tools.Exec.Timeout)
	}
	if c.Tools.Exec.Timeout == 0 {
		c.Tools.Exec.Timeout = 60
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return invalid("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	return nil
}

// PolicyConfig builds the engine configuration for the resolved workspace.
func (c *Config) PolicyConfig() (policy.Config, error) {
	workspace, err := c.WorkspacePathChecked()
	if err != nil {
		return policy.Config{}, err
	}
	return c.policyConfig(workspace)
}

func (c *Config) policyConfig(workspace string) (policy.Config, error) {
	level, err := policy.ParseLevel(c.Autonomy.Level)
	if err != nil {
		return policy.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	a := c.Autonomy
	return policy.Config{
		Level:                        level,
		WorkspaceDir:                 workspace,
		WorkspaceOnly:                a.WorkspaceOnly,
		AllowedCommands:              a.AllowedCommands,
		ForbiddenPaths:               a.ForbiddenPaths,
		AllowedRoots:                 a.AllowedRoots,
		MaxActionsPerHour:            a.MaxActionsPerHour,
		MaxCostPerDayCents:           a.MaxCostPerDayCents,
		RequireApprovalForMediumRisk: a.RequireApprovalForMediumRisk,
		BlockHighRiskCommands:        a.BlockHighRiskCommands,
		ShellEnvPassthrough:          a.ShellEnvPassthrough,
		AutoApprove:                  a.AutoApprove,
		AlwaysAsk:                    a.AlwaysAsk,
		NonCLIExcludedTools:          a.NonCLIExcludedTools,
	}, nil
}

// AuditPath returns the absolute audit log path.
func (c *Config) AuditPath() string {
	path := strings.TrimSpace(c.Security.Audit.LogPath)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ConfigDir(), path)
}

// ProviderNames returns configured provider names in order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkspacePath returns the expanded workspace path
func (c *Config) WorkspacePath() string {
	path, err := c.WorkspacePathChecked()
	if err != nil {
		return filepath.Join(ConfigDir(), "workspace")
	}
	return path
}

// WorkspacePathChecked returns the expanded workspace path or an error if invalid.
func (c *Config) WorkspacePathChecked() (string, error) {
	mode := strings.TrimSpace(c.Agents.Defaults.WorkspaceMode)
	if mode == "" || strings.EqualFold(mode, "default") {
		return filepath.Join(ConfigDir(), "workspace"), nil
	}
	if strings.EqualFold(mode, "cwd") {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to resolve cwd: %w", err)
		}
		return wd, nil
	}
	if !strings.EqualFold(mode, "path") {
		return "", fmt.Errorf("unknown workspace_mode: %s", mode)
	}
	workspace := strings.TrimSpace(c.Agents.Defaults.Workspace)
	if workspace == "" {
		return "", fmt.Errorf("workspace is required when workspace_mode=path")
	}
	if workspace == "~" || strings.HasPrefix(workspace, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory for workspace path: %w", err)
		}
		return filepath.Join(homeDir, strings.TrimPrefix(workspace, "~")), nil
	}
	return filepath.Abs(workspace)
}
