package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Action is the policy decision for a proposed agent action.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionRequireApproval Action = "require_approval"
)

// Level is the process-wide autonomy posture.
type Level string

const (
	LevelReadOnly   Level = "read_only"
	LevelSupervised Level = "supervised"
	LevelFull       Level = "full"
)

// ParseLevel accepts the canonical names plus "readonly" and "read-only".
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "read_only", "readonly", "read-only":
		return LevelReadOnly, nil
	case "", "supervised":
		return LevelSupervised, nil
	case "full":
		return LevelFull, nil
	default:
		return "", fmt.Errorf("%w: unknown autonomy level %q", ErrInvalidConfig, raw)
	}
}

// Risk is the tier a tool assigns to its own action. It is trusted input:
// a tool that under-reports its risk is outside what this package can detect.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
)

func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseRisk converts a tier name. Unrecognized values are treated as high.
func ParseRisk(raw string) Risk {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Rule names the check that produced a non-allow decision.
type Rule string

const (
	RuleLevel            Rule = "level"
	RulePathBoundary     Rule = "path_boundary"
	RuleCommandAllowlist Rule = "command_allowlist"
	RuleCommandSyntax    Rule = "command_syntax"
	RuleHighRisk         Rule = "high_risk"
	RuleAlwaysAsk        Rule = "always_ask"
	RuleMediumRisk       Rule = "medium_risk"
	RuleHourlyBudget     Rule = "hourly_budget"
	RuleDailyBudget      Rule = "daily_budget"
)

// Request describes one action a tool wants to perform.
type Request struct {
	ToolName string
	Risk     Risk
	// ResolvedPath must already be absolute and clean. Symlinks are resolved
	// here, not by the caller.
	ResolvedPath string
	// CommandName is the bare executable of a shell-class action.
	CommandName string
	// CommandLine is the full shell line; every segment is checked.
	CommandLine        string
	EstimatedCostCents int
}

// IsShell reports whether the request spawns a shell-class process.
func (r Request) IsShell() bool {
	return r.CommandName != "" || r.CommandLine != ""
}

// Decision is the binding policy result.
type Decision struct {
	Action Action
	Rule   Rule
	Reason string
}

// Allowed reports whether the caller may proceed.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

func (d Decision) String() string {
	if d.Action == ActionAllow {
		return string(d.Action)
	}
	return fmt.Sprintf("%s (%s): %s", d.Action, d.Rule, d.Reason)
}

// Grants answers whether an operator chose "always allow" for a tool during
// the current session.
type Grants interface {
	AlwaysAllowed(toolName string) bool
}

// Session identifies the conversation a request belongs to.
type Session struct {
	ID      string
	Channel string
	Grants  Grants
}

func (s Session) alwaysAllowed(toolName string) bool {
	return s.Grants != nil && s.Grants.AlwaysAllowed(toolName)
}

var (
	// ErrMalformedRequest marks a caller programming error, such as a path that
	// was not canonicalized. It is never reported as a denial.
	ErrMalformedRequest = errors.New("malformed action request")
	// ErrInvalidConfig marks configuration the engine refuses to start with.
	ErrInvalidConfig = errors.New("invalid policy configuration")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRequest, fmt.Sprintf(format, args...))
}

func deny(rule Rule, format string, args ...any) Decision {
	return Decision{Action: ActionDeny, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

func requireApproval(rule Rule, format string, args ...any) Decision {
	return Decision{Action: ActionRequireApproval, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

func allow() Decision {
	return Decision{Action: ActionAllow}
}
