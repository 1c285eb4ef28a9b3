package commands

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/MEKXH/warden/internal/audit"
	"github.com/MEKXH/warden/internal/config"
)

func writeSignedAudit(t *testing.T) string {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	logger, err := newAuditLogger(cfg)
	if err != nil {
		t.Fatalf("newAuditLogger: %v", err)
	}
	for _, action := range []string{"policy_decision", "approval_answer"} {
		if err := logger.Record(context.Background(), audit.Entry{Actor: "cli", Action: action, Tool: "exec", Decision: "allow"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := logger.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return cfg.AuditPath()
}

func TestAuditVerify_SignedLog(t *testing.T) {
	prepareWorkspace(t, func(cfg *config.Config) {
		cfg.Security.Audit.Enabled = true
		cfg.Security.Audit.SignEvents = true
	})
	path := writeSignedAudit(t)

	output := captureOutput(t, func() {
		if err := runAuditVerify(nil, nil); err != nil {
			t.Fatalf("runAuditVerify: %v", err)
		}
	})
	if !strings.Contains(output, "Signed: 2") || !strings.Contains(output, "Status: OK") {
		t.Fatalf("unexpected verify output: %s", output)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	tampered := strings.Replace(string(data), `"decision":"allow"`, `"decision":"deny"`, 1)
	if err := os.WriteFile(path, []byte(tampered), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	captureOutput(t, func() {
		if err := runAuditVerify(nil, nil); err == nil {
			t.Fatal("expected tampered log to fail verification")
		}
	})
}
