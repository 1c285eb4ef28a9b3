package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MEKXH/warden/internal/approval"
	"github.com/MEKXH/warden/internal/audit"
	"github.com/MEKXH/warden/internal/config"
	"github.com/MEKXH/warden/internal/policy"
	"github.com/MEKXH/warden/internal/sandbox"
	"github.com/MEKXH/warden/internal/tools"
	"github.com/MEKXH/warden/internal/vault"
)

// runtime is the assembled trust boundary for one process.
type runtime struct {
	cfg     *config.Config
	engine  *policy.Engine
	audit   *audit.Logger
	sandbox sandbox.Sandbox
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	pc, err := cfg.PolicyConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(pc.WorkspaceDir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	engine, err := policy.New(pc)
	if err != nil {
		return nil, err
	}
	auditLog, err := newAuditLogger(cfg)
	if err != nil {
		return nil, err
	}
	sb := sandbox.Detect(sandbox.Options{
		Backend:   cfg.Security.Sandbox.Backend,
		Workspace: engine.Workspace(),
	})
	return &runtime{cfg: cfg, engine: engine, audit: auditLog, sandbox: sb}, nil
}

func newAuditLogger(cfg *config.Config) (*audit.Logger, error) {
	ac := cfg.Security.Audit
	auditCfg := audit.Config{
		Enabled:    ac.Enabled,
		Path:       cfg.AuditPath(),
		MaxSizeMB:  ac.MaxSizeMB,
		SignEvents: ac.SignEvents,
	}
	if ac.Enabled && ac.SignEvents {
		key, err := loadAuditKey()
		if err != nil {
			return nil, err
		}
		auditCfg.Key = key
	}
	return audit.New(auditCfg)
}

func loadAuditKey() ([]byte, error) {
	return vault.LoadOrCreateKey(filepath.Join(config.ConfigDir(), audit.KeyFileName))
}

// registry wires the built-in tools behind the engine.
func (rt *runtime) registry(approver approval.Approver) (*tools.Registry, error) {
	reg := tools.NewRegistry(rt.engine, rt.audit, approver)
	execTool, classify, err := tools.NewExecTool(rt.engine, rt.sandbox, rt.cfg.Tools.Exec.Timeout)
	if err != nil {
		return nil, err
	}
	if err := tools.RegisterDefaults(reg, execTool, classify); err != nil {
		return nil, err
	}
	return reg, nil
}

func (rt *runtime) Close(ctx context.Context) error {
	return rt.audit.Close(ctx)
}
