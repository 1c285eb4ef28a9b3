package policy

import "strings"

// ChannelCLI is the local terminal channel; every other channel is remote.
const ChannelCLI = "cli"

var baselineEnv = []string{"PATH", "HOME", "TERM", "LANG", "LC_ALL", "LC_CTYPE", "USER", "SHELL", "TMPDIR"}

// ShellEnv filters base, given as KEY=VALUE pairs, down to the safe baseline
// plus the configured passthrough names.
func (e *Engine) ShellEnv(base []string) []string {
	keep := make(map[string]struct{}, len(baselineEnv)+len(e.cfg.ShellEnvPassthrough))
	for _, name := range baselineEnv {
		keep[name] = struct{}{}
	}
	for _, name := range e.cfg.ShellEnvPassthrough {
		keep[name] = struct{}{}
	}

	out := make([]string, 0, len(keep))
	for _, kv := range base {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, wanted := keep[name]; wanted {
			out = append(out, kv)
		}
	}
	return out
}

// ToolExposed reports whether a tool may be offered on channel.
func (e *Engine) ToolExposed(channel, toolName string) bool {
	if channel == "" || strings.EqualFold(channel, ChannelCLI) {
		return true
	}
	return !e.nonCLI.contains(normalizeToolName(toolName))
}

// FilterTools returns the subset of names exposed on channel, in order.
func (e *Engine) FilterTools(channel string, names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if e.ToolExposed(channel, name) {
			out = append(out, name)
		}
	}
	return out
}
