package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MEKXH/warden/internal/policy"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
)

// Registered names of the filesystem tools.
const (
	ReadFileToolName  = "file_read"
	WriteFileToolName = "file_write"
	ListDirToolName   = "list_dir"
)

// ReadFileInput parameters for file_read tool
type ReadFileInput struct {
	Path   string `json:"path" jsonschema:"required,description=Path to the file, relative to the workspace or absolute"`
	Offset int    `json:"offset" jsonschema:"description=Starting line number (0-based)"`
	Limit  int    `json:"limit" jsonschema:"description=Maximum number of lines to read"`
}

// ReadFileOutput result of file_read tool
type ReadFileOutput struct {
	Content    string `json:"content"`
	TotalLines int    `json:"total_lines"`
}

// WriteFileInput parameters for file_write tool
type WriteFileInput struct {
	Path    string `json:"path" jsonschema:"required,description=Path to the file, relative to the workspace or absolute"`
	Content string `json:"content" jsonschema:"required,description=Content to write"`
}

// ListDirInput parameters for list_dir tool
type ListDirInput struct {
	Path string `json:"path" jsonschema:"description=Directory to list, defaults to the workspace"`
}

// fsTool holds what every filesystem tool needs to re-check its target.
type fsTool struct {
	workspace string
	check     PathChecker
}

func newFSTool(engine *policy.Engine) fsTool {
	return fsTool{workspace: engine.Workspace(), check: engine.CheckPath}
}

// classifier builds the request for a call whose only side is one path.
func (f fsTool) classifier(risk policy.Risk) Classifier {
	return func(argsJSON string) (policy.Request, error) {
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return policy.Request{}, err
		}
		path, err := absInWorkspace(f.workspace, args.Path)
		if err != nil {
			return policy.Request{}, err
		}
		return policy.Request{Risk: risk, ResolvedPath: path}, nil
	}
}

func (f fsTool) readFile(ctx context.Context, input *ReadFileInput) (*ReadFileOutput, error) {
	if strings.TrimSpace(input.Path) == "" {
		return nil, fmt.Errorf("path is required")
	}
	path, err := resolvePermitted(f.check, f.workspace, input.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	totalLines := len(lines)

	if input.Offset > 0 {
		if input.Offset >= len(lines) {
			lines = []string{}
		} else {
			lines = lines[input.Offset:]
		}
	}
	if input.Limit > 0 && input.Limit < len(lines) {
		lines = lines[:input.Limit]
	}

	return &ReadFileOutput{
		Content:    strings.Join(lines, "\n"),
		TotalLines: totalLines,
	}, nil
}

func (f fsTool) writeFile(ctx context.Context, input *WriteFileInput) (string, error) {
	if strings.TrimSpace(input.Path) == "" {
		return "", fmt.Errorf("path is required")
	}
	path, err := resolvePermitted(f.check, f.workspace, input.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(input.Content), 0644); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(input.Content), path), nil
}

func (f fsTool) listDir(ctx context.Context, input *ListDirInput) ([]string, error) {
	path, err := resolvePermitted(f.check, f.workspace, input.Path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		result = append(result, name)
	}
	return result, nil
}

// NewReadFileTool creates the file_read tool. Reads are low risk.
func NewReadFileTool(engine *policy.Engine) (tool.InvokableTool, Classifier, error) {
	f := newFSTool(engine)
	t, err := utils.InferTool(ReadFileToolName, "Read the contents of a file", f.readFile)
	if err != nil {
		return nil, nil, err
	}
	return t, f.classifier(policy.RiskLow), nil
}

// NewWriteFileTool creates the file_write tool. Writes are medium risk.
func NewWriteFileTool(engine *policy.Engine) (tool.InvokableTool, Classifier, error) {
	f := newFSTool(engine)
	t, err := utils.InferTool(WriteFileToolName, "Write content to a file", f.writeFile)
	if err != nil {
		return nil, nil, err
	}
	return t, f.classifier(policy.RiskMedium), nil
}

// NewListDirTool creates the list_dir tool
func NewListDirTool(engine *policy.Engine) (tool.InvokableTool, Classifier, error) {
	f := newFSTool(engine)
	t, err := utils.InferTool(ListDirToolName, "List contents of a directory", f.listDir)
	if err != nil {
		return nil, nil, err
	}
	return t, f.classifier(policy.RiskLow), nil
}

// RegisterDefaults registers the filesystem tools and the exec tool.
func RegisterDefaults(r *Registry, exec tool.InvokableTool, execClassify Classifier) error {
	builders := []func(*policy.Engine) (tool.InvokableTool, Classifier, error){
		NewReadFileTool,
		NewWriteFileTool,
		NewListDirTool,
	}
	for _, build := range builders {
		t, classify, err := build(r.engine)
		if err != nil {
			return err
		}
		if err := r.Register(t, classify); err != nil {
			return err
		}
	}
	if exec == nil {
		return nil
	}
	return r.Register(exec, execClassify)
}
