package sandbox

import (
	"fmt"
	"os/exec"
	"sync"
)

// wrapper runs the target under an external isolation binary.
type wrapper struct {
	name        string
	binary      string
	description string
	flags       func() []string
	lookPath    func(string) (string, error)

	once      sync.Once
	available bool
}

func (w *wrapper) Name() string        { return w.name }
func (w *wrapper) Description() string { return w.description }

func (w *wrapper) IsAvailable() bool {
	w.once.Do(func() {
		_, err := w.lookPath(w.binary)
		w.available = err == nil
	})
	return w.available
}

func (w *wrapper) WrapCommand(cmd *exec.Cmd) error {
	if cmd == nil {
		return fmt.Errorf("%w: %s: nil command", ErrUnavailable, w.name)
	}
	if !w.IsAvailable() {
		return fmt.Errorf("%w: %s not installed", ErrUnavailable, w.binary)
	}
	// Re-resolve: the binary may have vanished since the cached probe.
	path, err := w.lookPath(w.binary)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, w.binary, err)
	}

	target := cmd.Path
	if target == "" && len(cmd.Args) > 0 {
		target = cmd.Args[0]
	}
	if target == "" {
		return fmt.Errorf("%w: %s: command has no program", ErrUnavailable, w.name)
	}

	args := make([]string, 0, len(cmd.Args)+8)
	args = append(args, path)
	args = append(args, w.flags()...)
	args = append(args, "--", target)
	if len(cmd.Args) > 1 {
		args = append(args, cmd.Args[1:]...)
	}

	cmd.Path = path
	cmd.Args = args
	cmd.Err = nil
	return nil
}

func newFirejail(workspace string, lookPath func(string) (string, error)) *wrapper {
	return &wrapper{
		name:        BackendFirejail,
		binary:      "firejail",
		description: "Linux namespaces + seccomp via firejail (private /tmp, no network, no new privileges)",
		lookPath:    lookPath,
		flags: func() []string {
			flags := []string{
				"--quiet",
				"--noprofile",
				"--private-tmp",
				"--private-dev",
				"--net=none",
				"--nonewprivs",
				"--noroot",
				"--caps.drop=all",
				"--seccomp",
			}
			if workspace != "" {
				flags = append(flags, "--whitelist="+workspace)
			}
			return flags
		},
	}
}

func newBubblewrap(workspace string, lookPath func(string) (string, error)) *wrapper {
	return &wrapper{
		name:        BackendBubblewrap,
		binary:      "bwrap",
		description: "Unprivileged user namespaces via bubblewrap (read-only system, writable workspace only)",
		lookPath:    lookPath,
		flags: func() []string {
			flags := []string{
				"--ro-bind", "/usr", "/usr",
				"--ro-bind-try", "/bin", "/bin",
				"--ro-bind-try", "/lib", "/lib",
				"--ro-bind-try", "/lib64", "/lib64",
				"--ro-bind-try", "/etc/alternatives", "/etc/alternatives",
				"--proc", "/proc",
				"--dev", "/dev",
				"--tmpfs", "/tmp",
				"--unshare-all",
				"--die-with-parent",
				"--new-session",
			}
			if workspace != "" {
				flags = append(flags, "--bind", workspace, workspace, "--chdir", workspace)
			}
			return flags
		},
	}
}
