package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MEKXH/warden/internal/policy"
	"github.com/MEKXH/warden/internal/sandbox"
)

type failingSandbox struct{}

func (failingSandbox) Name() string                { return "broken" }
func (failingSandbox) Description() string         { return "always fails to wrap" }
func (failingSandbox) IsAvailable() bool           { return true }
func (failingSandbox) WrapCommand(*exec.Cmd) error { return sandbox.ErrUnavailable }

func runExec(t *testing.T, reg *Registry, args string) ExecOutput {
	t.Helper()
	result, err := reg.Execute(context.Background(), cliSession, ExecToolName, args)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	var out ExecOutput
	if err := json.Unmarshal([]byte(result), &out); err != nil {
		t.Fatalf("unmarshal exec output %q: %v", result, err)
	}
	return out
}

func newExecRegistry(t *testing.T, engine *policy.Engine, sb sandbox.Sandbox) *Registry {
	t.Helper()
	execTool, classify, err := NewExecTool(engine, sb, 10)
	if err != nil {
		t.Fatalf("NewExecTool error: %v", err)
	}
	reg := NewRegistry(engine, nil, nil)
	if err := reg.Register(execTool, classify); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	return reg
}

func TestExecTool_RunsInWorkspace(t *testing.T) {
	engine := newTestEngine(t, nil)
	reg := newExecRegistry(t, engine, sandbox.Noop{})

	out := runExec(t, reg, `{"command": "pwd"}`)
	if strings.TrimSpace(out.Stdout) != engine.Workspace() {
		t.Fatalf("expected cwd %q, got %q", engine.Workspace(), out.Stdout)
	}
	if out.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d: %s", out.ExitCode, out.Stderr)
	}
}

func TestExecTool_SanitizesEnvironment(t *testing.T) {
	t.Setenv("WARDEN_TEST_SECRET", "leaked")
	t.Setenv("WARDEN_TEST_SHARED", "shared")
	engine := newTestEngine(t, func(c *policy.Config) {
		c.ShellEnvPassthrough = []string{"WARDEN_TEST_SHARED"}
	})
	reg := newExecRegistry(t, engine, sandbox.Noop{})

	out := runExec(t, reg, `{"command": "echo $WARDEN_TEST_SECRET:$WARDEN_TEST_SHARED"}`)
	if got := strings.TrimSpace(out.Stdout); got != ":shared" {
		t.Fatalf("expected only passthrough variable, got %q", got)
	}
}

func TestExecTool_DeniesUnlistedCommand(t *testing.T) {
	reg := newExecRegistry(t, newTestEngine(t, nil), sandbox.Noop{})

	cases := []string{
		"curl http://example.com",
		"ls && python3 -c 'print(1)'",
		"echo $(whoami)",
		"echo hi > out.txt",
	}
	for _, cmd := range cases {
		_, err := reg.Execute(context.Background(), cliSession, ExecToolName, fmt.Sprintf(`{"command": %q}`, cmd))
		if !errors.Is(err, ErrDenied) {
			t.Errorf("%q: expected ErrDenied, got %v", cmd, err)
		}
	}
}

func TestExecTool_HighRiskBlocked(t *testing.T) {
	reg := newExecRegistry(t, newTestEngine(t, func(c *policy.Config) {
		c.AllowedCommands = append(c.AllowedCommands, "rm")
	}), sandbox.Noop{})

	_, err := reg.Execute(context.Background(), cliSession, ExecToolName, `{"command": "rm -rf build"}`)
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Decision.Rule != policy.RuleHighRisk {
		t.Fatalf("expected high-risk deny, got %v", err)
	}
}

func TestExecTool_SandboxFailureAbortsSpawn(t *testing.T) {
	engine := newTestEngine(t, nil)
	reg := newExecRegistry(t, engine, failingSandbox{})

	_, err := reg.Execute(context.Background(), cliSession, ExecToolName, `{"command": "echo hi"}`)
	if err == nil || !strings.Contains(err.Error(), "sandbox broken") {
		t.Fatalf("expected sandbox error, got %v", err)
	}
}

func TestExecTool_WorkingDirOutsideBoundary(t *testing.T) {
	engine := newTestEngine(t, nil)
	reg := newExecRegistry(t, engine, sandbox.Noop{})

	outside := t.TempDir()
	_, err := reg.Execute(context.Background(), cliSession, ExecToolName,
		fmt.Sprintf(`{"command": "ls", "working_dir": %q}`, outside))
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Decision.Rule != policy.RulePathBoundary {
		t.Fatalf("expected path boundary deny, got %v", err)
	}

	_, err = reg.Execute(context.Background(), cliSession, ExecToolName,
		fmt.Sprintf(`{"command": "ls", "working_dir": %q}`, filepath.Join("..", filepath.Base(outside))))
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected relative escape denied, got %v", err)
	}
}

func TestExecTool_RejectsEmptyCommand(t *testing.T) {
	reg := newExecRegistry(t, newTestEngine(t, nil), sandbox.Noop{})

	if _, err := reg.Execute(context.Background(), cliSession, ExecToolName, `{"command": "  "}`); err == nil {
		t.Fatal("expected empty command rejected")
	}
}

func TestExecTool_ArgumentsOutsideBoundaryNeverRun(t *testing.T) {
	engine := newTestEngine(t, nil)
	reg := newExecRegistry(t, engine, sandbox.Noop{})

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret")
	if err := os.WriteFile(secret, []byte("TOPSECRET\n"), 0600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(engine.Workspace(), "escape")); err != nil {
		t.Fatalf("Symlink error: %v", err)
	}

	for _, cmd := range []string{
		"cat " + secret,
		"cat < " + secret,
		"cat escape/secret",
		"cat *",
		"PATH=. git status",
	} {
		result, err := reg.Execute(context.Background(), cliSession, ExecToolName, fmt.Sprintf(`{"command": %q}`, cmd))
		if !errors.Is(err, ErrDenied) {
			t.Errorf("%q: expected ErrDenied, got %v (result %q)", cmd, err, result)
		}
		if strings.Contains(result, "TOPSECRET") {
			t.Errorf("%q: secret leaked", cmd)
		}
	}
}

func TestExecTool_ReadsWorkspaceFiles(t *testing.T) {
	engine := newTestEngine(t, nil)
	reg := newExecRegistry(t, engine, sandbox.Noop{})
	if err := os.WriteFile(filepath.Join(engine.Workspace(), "notes.txt"), []byte("hello\n"), 0600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	out := runExec(t, reg, `{"command": "cat < notes.txt"}`)
	if out.Stdout != "hello\n" {
		t.Fatalf("expected workspace file read, got %q (stderr %q)", out.Stdout, out.Stderr)
	}
}
