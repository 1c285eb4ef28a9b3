// Package sandbox wraps about-to-spawn shell processes with OS-level isolation.
//
// Isolation is defense in depth: WrapCommand runs before every shell spawn
// regardless of the policy decision, and never replaces the policy check.
package sandbox

import (
	"errors"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrUnavailable reports that a backend cannot wrap commands on this host.
var ErrUnavailable = errors.New("sandbox unavailable")

// Backend names accepted in configuration.
const (
	BackendAuto       = "auto"
	BackendFirejail   = "firejail"
	BackendBubblewrap = "bubblewrap"
	BackendNone       = "none"
)

// BackendNames lists every configurable backend name.
func BackendNames() []string {
	return []string{BackendAuto, BackendFirejail, BackendBubblewrap, BackendNone}
}

// KnownBackend reports whether name is a configurable backend.
func KnownBackend(name string) bool {
	for _, known := range BackendNames() {
		if strings.EqualFold(strings.TrimSpace(name), known) {
			return true
		}
	}
	return false
}

// Sandbox is one isolation backend.
type Sandbox interface {
	// Name identifies the backend in logs and config ("firejail", "none").
	Name() string
	// Description summarizes the isolation guarantees for status output.
	Description() string
	// IsAvailable reports whether the backend can run here. Probed once.
	IsAvailable() bool
	// WrapCommand rewrites cmd in place so it runs under the backend. It
	// only touches cmd and is safe to call concurrently for different commands.
	WrapCommand(cmd *exec.Cmd) error
}

// Options select and configure a backend.
type Options struct {
	// Backend is "auto", "firejail", "bubblewrap" or "none".
	Backend string
	// Workspace is the only host directory exposed writable.
	Workspace string

	lookPath func(string) (string, error)
}

// Detect returns the first available backend in priority order. An explicit
// backend that is unavailable degrades to Noop with a warning.
func Detect(opts Options) Sandbox {
	if opts.lookPath == nil {
		opts.lookPath = exec.LookPath
	}

	candidates := Backends(opts)
	requested := strings.ToLower(strings.TrimSpace(opts.Backend))

	switch requested {
	case "", BackendAuto:
		for _, sb := range candidates {
			if sb.IsAvailable() {
				slog.Info("sandbox selected", "backend", sb.Name())
				return sb
			}
		}
		return Noop{}
	case BackendNone:
		return Noop{}
	}

	for _, sb := range candidates {
		if sb.Name() != requested {
			continue
		}
		if sb.IsAvailable() {
			slog.Info("sandbox selected", "backend", sb.Name())
			return sb
		}
		slog.Warn("configured sandbox backend unavailable, running without OS isolation",
			"backend", requested,
			"fallback", Noop{}.Name(),
		)
		return Noop{}
	}

	slog.Warn("unknown sandbox backend, running without OS isolation", "backend", requested)
	return Noop{}
}

// Backends lists every known backend in priority order. Noop is always last.
func Backends(opts Options) []Sandbox {
	if opts.lookPath == nil {
		opts.lookPath = exec.LookPath
	}
	return []Sandbox{
		newFirejail(opts.Workspace, opts.lookPath),
		newBubblewrap(opts.Workspace, opts.lookPath),
		Noop{},
	}
}

// Noop provides no OS isolation; security relies on the policy engine alone.
type Noop struct{}

func (Noop) Name() string { return BackendNone }

func (Noop) Description() string {
	return "No sandboxing (application-layer security only)"
}

func (Noop) IsAvailable() bool { return true }

func (Noop) WrapCommand(*exec.Cmd) error { return nil }
