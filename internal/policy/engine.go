// Package policy decides whether an agent action may run, needs a human, or is
// refused. Decisions are binding; callers must not act on anything but Allow.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Engine evaluates action requests against one autonomy configuration. It is
// safe for concurrent use; the only mutable state is the budget.
type Engine struct {
	cfg      Config
	boundary *Boundary
	allowed  map[string]struct{}

	autoApprove toolSet
	alwaysAsk   toolSet
	nonCLI      toolSet

	budget budget
	now    func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for budget windows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New validates cfg and builds an engine. The path boundary is canonicalized
// once here.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := ParseLevel(string(cfg.Level))
	cfg.Level = level

	boundary, err := NewBoundary(cfg.WorkspaceDir, cfg.WorkspaceOnly, cfg.AllowedRoots, cfg.ForbiddenPaths)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedCommands))
	for _, cmd := range cfg.AllowedCommands {
		allowed[strings.TrimSpace(cmd)] = struct{}{}
	}

	e := &Engine{
		cfg:         cfg,
		boundary:    boundary,
		allowed:     allowed,
		autoApprove: newToolSet(cfg.AutoApprove),
		alwaysAsk:   newToolSet(cfg.AlwaysAsk),
		nonCLI:      newToolSet(cfg.NonCLIExcludedTools),
		budget: budget{
			maxActions: cfg.MaxActionsPerHour,
			maxCost:    cfg.MaxCostPerDayCents,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if level == LevelFull {
		slog.Warn("autonomy level full: actions run without approval prompts")
	}
	return e, nil
}

// Level returns the configured autonomy level.
func (e *Engine) Level() Level {
	return e.cfg.Level
}

// Workspace returns the canonical workspace root.
func (e *Engine) Workspace() string {
	return e.boundary.Workspace()
}

// CheckPath resolves symlinks in an absolute, clean path and reports whether
// the boundary permits the result. Tools call it again right before touching
// the filesystem.
func (e *Engine) CheckPath(path string) (string, bool, error) {
	ok, resolved, err := e.boundary.Check(path)
	return resolved, ok, err
}

// Evaluate runs the ordered checks and returns the first non-allow result.
// A returned error means the request itself is malformed; no budget is spent.
func (e *Engine) Evaluate(ctx context.Context, req Request, session Session) (Decision, error) {
	return e.evaluate(ctx, req, session, false)
}

// EvaluateApproved evaluates a request a human has just approved. Only the
// approval gate is skipped: boundary, allowlist, high-risk and budget checks
// still apply.
func (e *Engine) EvaluateApproved(ctx context.Context, req Request, session Session) (Decision, error) {
	return e.evaluate(ctx, req, session, true)
}

func (e *Engine) evaluate(ctx context.Context, req Request, session Session, approved bool) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	toolName := normalizeToolName(req.ToolName)
	if err := validateRequest(toolName, req); err != nil {
		return Decision{}, err
	}

	if e.cfg.Level == LevelReadOnly && req.Risk > RiskLow {
		return deny(RuleLevel, "autonomy level read_only blocks %s-risk action %q", req.Risk, toolName), nil
	}

	if req.ResolvedPath != "" {
		ok, resolved, err := e.boundary.Check(req.ResolvedPath)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return deny(RulePathBoundary, "path %s is outside the permitted boundary", resolved), nil
		}
	}

	if req.IsShell() {
		if d, denied := e.checkCommand(req, !e.autoApprove.contains(toolName)); denied {
			return d, nil
		}
	}

	if req.Risk == RiskHigh && e.cfg.BlockHighRiskCommands {
		return deny(RuleHighRisk, "high-risk action %q is blocked by configuration", toolName), nil
	}

	if !approved && e.cfg.Level != LevelFull {
		if d, gated := e.approvalGate(toolName, req.Risk, session); gated {
			return d, nil
		}
	}

	if rule, ok := e.budget.reserve(e.now(), req.EstimatedCostCents); !ok {
		if rule == RuleHourlyBudget {
			return deny(rule, "hourly action limit of %d reached", e.cfg.MaxActionsPerHour), nil
		}
		return deny(rule, "daily cost limit of %d cents would be exceeded", e.cfg.MaxCostPerDayCents), nil
	}
	return allow(), nil
}

func validateRequest(toolName string, req Request) error {
	if toolName == "" {
		return malformed("tool name is empty")
	}
	if req.Risk < RiskLow || req.Risk > RiskHigh {
		return malformed("unknown risk tier %d", int(req.Risk))
	}
	if req.EstimatedCostCents < 0 {
		return malformed("negative cost %d", req.EstimatedCostCents)
	}
	if req.CommandName != "" && (strings.ContainsAny(req.CommandName, " \t\r\n") || strings.ContainsRune(req.CommandName, os.PathSeparator) || strings.ContainsRune(req.CommandName, '/')) {
		return malformed("command name %q must be a bare executable", req.CommandName)
	}
	return nil
}

// checkCommand validates a shell-class request. Auto-approved tools skip only
// the allowlist; the syntax and the files every segment may open are always
// checked.
func (e *Engine) checkCommand(req Request, enforceAllowlist bool) (Decision, bool) {
	if req.CommandName != "" && enforceAllowlist {
		if _, ok := e.allowed[req.CommandName]; !ok {
			return deny(RuleCommandAllowlist, "command %q is not in allowed_commands", req.CommandName), true
		}
	}
	if req.CommandLine == "" {
		return Decision{}, false
	}

	segments, err := splitCommandLine(req.CommandLine, e.shellLookup())
	if err != nil {
		return deny(RuleCommandSyntax, "command line rejected: %v", err), true
	}
	if len(segments) == 0 {
		return deny(RuleCommandSyntax, "command line names no executable"), true
	}

	// For shell requests ResolvedPath is the working directory.
	dir := req.ResolvedPath
	if dir == "" {
		dir = e.boundary.Workspace()
	}
	for _, seg := range segments {
		if enforceAllowlist {
			if _, ok := e.allowed[seg.executable]; !ok {
				return deny(RuleCommandAllowlist, "command %q is not in allowed_commands", seg.executable), true
			}
		}
		for _, op := range seg.operands {
			if d, denied := e.checkOperand(dir, op); denied {
				return d, true
			}
		}
	}
	return Decision{}, false
}

// checkOperand treats a word as a path relative to dir, whether or not the
// command reads it as one, and denies it when it lands outside the boundary.
// Flags are judged by their value (--file=x, -f/x).
func (e *Engine) checkOperand(dir string, op operand) (Decision, bool) {
	text := op.text
	if strings.HasPrefix(text, "-") {
		if _, value, ok := strings.Cut(text, "="); ok {
			text = value
		} else if i := strings.IndexAny(text, "/~"); i >= 0 {
			text = text[i:]
		} else {
			return Decision{}, false
		}
	}
	if text == "" {
		return Decision{}, false
	}

	if strings.HasPrefix(text, "~") {
		if text != "~" && !strings.HasPrefix(text, "~/") {
			return deny(RuleCommandSyntax, "argument %q uses another user's home directory", op.text), true
		}
		expanded, err := expandHome(text)
		if err != nil {
			return deny(RulePathBoundary, "argument %q cannot be resolved", op.text), true
		}
		text = expanded
	}
	if !filepath.IsAbs(text) {
		text = dir + string(filepath.Separator) + text
	}

	candidates := []string{text}
	if op.glob {
		for _, part := range strings.Split(text, string(filepath.Separator)) {
			if strings.HasPrefix(part, ".") && strings.ContainsAny(part, "*?[") {
				return deny(RulePathBoundary, "pattern %q may match parent directories", op.text), true
			}
		}
		matches, err := filepath.Glob(text)
		if err != nil {
			return deny(RuleCommandSyntax, "argument %q is not a valid pattern", op.text), true
		}
		candidates = append(candidates, matches...)
	}

	for _, candidate := range candidates {
		physical, err := physicalPath(candidate)
		if err != nil {
			return deny(RulePathBoundary, "argument %q cannot be resolved", op.text), true
		}
		ok, resolved, err := e.boundary.Check(physical)
		if err != nil || !ok {
			return deny(RulePathBoundary, "argument %q reaches %s outside the permitted boundary", op.text, resolved), true
		}
	}
	return Decision{}, false
}

// shellLookup resolves variables the way the spawned shell will see them.
func (e *Engine) shellLookup() func(string) string {
	env := make(map[string]string)
	for _, kv := range e.ShellEnv(os.Environ()) {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return func(name string) string { return env[name] }
}

func (e *Engine) approvalGate(toolName string, risk Risk, session Session) (Decision, bool) {
	if e.alwaysAsk.contains(toolName) {
		return requireApproval(RuleAlwaysAsk, "tool %q always requires approval", toolName), true
	}
	if e.autoApprove.contains(toolName) || session.alwaysAllowed(toolName) {
		return Decision{}, false
	}
	switch {
	case risk == RiskMedium && e.cfg.RequireApprovalForMediumRisk:
		return requireApproval(RuleMediumRisk, "medium-risk action %q requires approval", toolName), true
	case risk == RiskHigh:
		return requireApproval(RuleHighRisk, "high-risk action %q requires approval", toolName), true
	}
	return Decision{}, false
}

// Usage reports the current budget windows.
func (e *Engine) Usage() Usage {
	return e.budget.usage(e.now())
}

// Snapshot is the engine state shown by status commands.
type Snapshot struct {
	Level           Level    `json:"level" yaml:"level"`
	Workspace       string   `json:"workspace" yaml:"workspace"`
	WorkspaceOnly   bool     `json:"workspace_only" yaml:"workspace_only"`
	AllowedCommands []string `json:"allowed_commands" yaml:"allowed_commands"`
	AutoApprove     []string `json:"auto_approve" yaml:"auto_approve"`
	AlwaysAsk       []string `json:"always_ask" yaml:"always_ask"`
	Usage           Usage    `json:"usage" yaml:"usage"`
}

// Snapshot returns the configuration summary and current usage.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Level:           e.cfg.Level,
		Workspace:       e.Workspace(),
		WorkspaceOnly:   e.cfg.WorkspaceOnly,
		AllowedCommands: append([]string(nil), e.cfg.AllowedCommands...),
		AutoApprove:     append([]string(nil), e.cfg.AutoApprove...),
		AlwaysAsk:       append([]string(nil), e.cfg.AlwaysAsk...),
		Usage:           e.Usage(),
	}
}

// IsMalformed reports whether err came from a malformed request.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedRequest)
}

func (e *Engine) String() string {
	return fmt.Sprintf("policy(level=%s workspace=%s)", e.cfg.Level, e.Workspace())
}
