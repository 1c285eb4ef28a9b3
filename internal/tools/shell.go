package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/MEKXH/warden/internal/policy"
	"github.com/MEKXH/warden/internal/sandbox"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
)

// ExecToolName is the registered name of the shell tool.
const ExecToolName = "exec"

// ExecInput parameters for exec tool
type ExecInput struct {
	Command    string `json:"command" jsonschema:"required,description=Shell command to execute"`
	WorkingDir string `json:"working_dir" jsonschema:"description=Working directory inside the workspace"`
}

// ExecOutput result of exec tool
type ExecOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// PathChecker resolves an absolute path and reports whether it is permitted.
type PathChecker func(path string) (string, bool, error)

type execToolImpl struct {
	timeout   time.Duration
	workspace string
	env       func([]string) []string
	check     PathChecker
	sandbox   sandbox.Sandbox
}

func (e *execToolImpl) execute(ctx context.Context, input *ExecInput) (*ExecOutput, error) {
	if strings.TrimSpace(input.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}
	workDir, err := resolvePermitted(e.check, e.workspace, input.WorkingDir)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, "sh", "-c", input.Command)
	cmd.Dir = workDir
	cmd.Env = e.env(os.Environ())
	if err := e.sandbox.WrapCommand(cmd); err != nil {
		return nil, fmt.Errorf("sandbox %s: %w", e.sandbox.Name(), err)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	meta := InvocationFromContext(ctx)
	slog.Debug("exec tool spawn", "sandbox", e.sandbox.Name(), "session", meta.SessionID, "dir", workDir)

	err = cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return &ExecOutput{
				Stderr:   err.Error(),
				ExitCode: 1,
			}, nil
		}
		exitCode = exitErr.ExitCode()
		if timeoutCtx.Err() == context.DeadlineExceeded {
			stderr.WriteString(fmt.Sprintf("\ncommand timed out after %s", e.timeout))
		}
	}

	return &ExecOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

// NewExecTool creates the exec tool. Commands run under sh in the workspace
// with the engine's sanitized environment, wrapped by sb; a wrap failure
// aborts the spawn.
func NewExecTool(engine *policy.Engine, sb sandbox.Sandbox, timeoutSec int) (tool.InvokableTool, Classifier, error) {
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	impl := &execToolImpl{
		timeout:   time.Duration(timeoutSec) * time.Second,
		workspace: engine.Workspace(),
		env:       engine.ShellEnv,
		check:     engine.CheckPath,
		sandbox:   sb,
	}
	t, err := utils.InferTool(ExecToolName, "Execute a shell command in the workspace", impl.execute)
	if err != nil {
		return nil, nil, err
	}
	return t, impl.classify, nil
}

func (e *execToolImpl) classify(argsJSON string) (policy.Request, error) {
	var input ExecInput
	if err := json.Unmarshal([]byte(argsJSON), &input); err != nil {
		return policy.Request{}, err
	}
	if strings.TrimSpace(input.Command) == "" {
		return policy.Request{}, fmt.Errorf("command is required")
	}
	req := policy.Request{
		Risk:        policy.CommandRisk(input.Command),
		CommandLine: input.Command,
	}
	if input.WorkingDir != "" {
		dir, err := absInWorkspace(e.workspace, input.WorkingDir)
		if err != nil {
			return policy.Request{}, err
		}
		req.ResolvedPath = dir
	}
	return req, nil
}

// absInWorkspace makes path absolute against workspace without judging it.
func absInWorkspace(workspace, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return workspace, nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	return filepath.Clean(path), nil
}

// resolvePermitted is the tool-side check run right before the filesystem is
// touched: the target must still be inside the boundary once symlinks are
// resolved.
func resolvePermitted(check PathChecker, workspace, path string) (string, error) {
	abs, err := absInWorkspace(workspace, path)
	if err != nil {
		return "", err
	}
	resolved, ok, err := check(abs)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("access denied: path %q is outside the permitted boundary", abs)
	}
	return resolved, nil
}
