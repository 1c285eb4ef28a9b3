package approval

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func newClockedService(t *testing.T, at time.Time) (*Service, *time.Time) {
	t.Helper()
	now := at
	svc := NewService(t.TempDir())
	svc.now = func() time.Time { return now }
	return svc, &now
}

func mustCreate(t *testing.T, svc *Service, in CreateInput) Request {
	t.Helper()
	req, err := svc.Create(in)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	return req
}

func mustApprove(t *testing.T, svc *Service, id string) Request {
	t.Helper()
	req, err := svc.Approve(id, DecisionInput{DecidedBy: "owner"})
	if err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	return req
}

func TestService_CreateAssignsSequentialIDsAndTTL(t *testing.T) {
	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	svc, _ := newClockedService(t, at)

	first := mustCreate(t, svc, CreateInput{ToolName: " exec ", ArgsJSON: ` {"command":"ls"} `, TTL: 5 * time.Minute})
	second := mustCreate(t, svc, CreateInput{ToolName: "write_file", ArgsJSON: `{}`})

	if first.ID != "1" || second.ID != "2" {
		t.Fatalf("expected ids 1 and 2, got %q and %q", first.ID, second.ID)
	}
	if first.ToolName != "exec" || first.ArgsJSON != `{"command":"ls"}` {
		t.Fatalf("expected trimmed fields, got %+v", first)
	}
	if first.Status != StatusPending || !first.RequestedAt.Equal(at) {
		t.Fatalf("unexpected new request: %+v", first)
	}
	if !first.ExpiresAt.Equal(at.Add(5 * time.Minute)) {
		t.Fatalf("expected explicit ttl, got %s", first.ExpiresAt)
	}
	if !second.ExpiresAt.Equal(at.Add(defaultTTL)) {
		t.Fatalf("expected default ttl, got %s", second.ExpiresAt)
	}

	if _, err := svc.Create(CreateInput{ToolName: "   "}); err == nil {
		t.Fatal("expected empty tool name to be rejected")
	}
}

func TestService_DecisionsArePersistedWithBackup(t *testing.T) {
	workspace := t.TempDir()
	svc := NewService(workspace)
	req := mustCreate(t, svc, CreateInput{ToolName: "exec", ArgsJSON: `{"command":"make"}`, Session: "s1"})

	rejected, err := svc.Reject(req.ID, DecisionInput{DecidedBy: "owner", Note: "not today"})
	if err != nil {
		t.Fatalf("Reject error: %v", err)
	}
	if rejected.Status != StatusRejected || rejected.DecisionNote != "not today" || rejected.DecidedAt.IsZero() {
		t.Fatalf("unexpected rejected request: %+v", rejected)
	}

	reloaded, err := NewService(workspace).List(Query{ID: req.ID})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(reloaded) != 1 || reloaded[0].Status != StatusRejected || reloaded[0].DecidedBy != "owner" {
		t.Fatalf("expected rejection to survive reload, got %+v", reloaded)
	}

	path := filepath.Join(workspace, "state", "approvals.json")
	raw, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("expected backup of the previous ledger: %v", err)
	}
	var previous ledger
	if err := json.Unmarshal(raw, &previous); err != nil {
		t.Fatalf("backup is not a ledger: %v", err)
	}
	if len(previous.Requests) != 1 || previous.Requests[0].Status != StatusPending {
		t.Fatalf("expected backup to hold the pending request, got %+v", previous.Requests)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat ledger: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Fatalf("expected ledger mode 0600, got %o", info.Mode().Perm())
		}
	}
}

func TestService_DecideRequiresLivePendingRequest(t *testing.T) {
	at := time.Date(2026, 2, 15, 13, 0, 0, 0, time.UTC)
	svc, now := newClockedService(t, at)
	decided := mustCreate(t, svc, CreateInput{ToolName: "exec", TTL: time.Minute})
	stale := mustCreate(t, svc, CreateInput{ToolName: "exec", ArgsJSON: `{"x":1}`, TTL: time.Minute})
	mustApprove(t, svc, decided.ID)

	cases := map[string]string{
		"already decided": decided.ID,
		"unknown":         "99",
		"blank":           "  ",
	}
	for name, id := range cases {
		if _, err := svc.Approve(id, DecisionInput{}); err == nil {
			t.Fatalf("%s: expected approve to fail", name)
		}
	}

	*now = at.Add(2 * time.Minute)
	if _, err := svc.Approve(stale.ID, DecisionInput{DecidedBy: "owner"}); err == nil {
		t.Fatal("expected approve of an expired request to fail")
	}
}

func TestService_ExpirePendingLeavesDecidedRequests(t *testing.T) {
	at := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	svc, now := newClockedService(t, at)
	short := mustCreate(t, svc, CreateInput{ToolName: "exec", ArgsJSON: `{"command":"ls"}`, TTL: 30 * time.Second})
	long := mustCreate(t, svc, CreateInput{ToolName: "exec", ArgsJSON: `{"command":"pwd"}`, TTL: 5 * time.Minute})
	approved := mustCreate(t, svc, CreateInput{ToolName: "exec", ArgsJSON: `{"command":"id"}`, TTL: 30 * time.Second})
	mustApprove(t, svc, approved.ID)

	*now = at.Add(31 * time.Second)
	expired, err := svc.ExpirePending()
	if err != nil {
		t.Fatalf("ExpirePending error: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != short.ID {
		t.Fatalf("expected only %s to expire, got %+v", short.ID, expired)
	}
	if expired[0].Status != StatusExpired || expired[0].DecidedBy != "system" || expired[0].DecisionNote == "" {
		t.Fatalf("unexpected expired record: %+v", expired[0])
	}

	pending, err := svc.List(Query{Status: StatusPending})
	if err != nil || len(pending) != 1 || pending[0].ID != long.ID {
		t.Fatalf("expected %s still pending, got %+v err=%v", long.ID, pending, err)
	}
	again, err := svc.ExpirePending()
	if err != nil || len(again) != 0 {
		t.Fatalf("expected nothing left to expire, got %d err=%v", len(again), err)
	}
}

func TestService_ListFilters(t *testing.T) {
	svc, _ := newClockedService(t, time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC))
	mustCreate(t, svc, CreateInput{ToolName: "exec", Session: "a"})
	mustCreate(t, svc, CreateInput{ToolName: "write_file", Session: "a"})
	third := mustCreate(t, svc, CreateInput{ToolName: "exec", Session: "b"})
	mustApprove(t, svc, third.ID)

	cases := []struct {
		name  string
		query Query
		want  int
	}{
		{"all", Query{}, 3},
		{"by tool ignores case", Query{ToolName: "EXEC"}, 2},
		{"by session", Query{Session: "a"}, 2},
		{"by status", Query{Status: StatusApproved}, 1},
		{"by id", Query{ID: third.ID}, 1},
		{"combined", Query{ToolName: "exec", Session: "a", Status: StatusPending}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.List(tc.query)
			if err != nil {
				t.Fatalf("List error: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("expected %d requests, got %d", tc.want, len(got))
			}
		})
	}
}

func TestService_ConsumeIsBoundToExactActionAndOnce(t *testing.T) {
	svc, _ := newClockedService(t, time.Date(2026, 2, 15, 15, 0, 0, 0, time.UTC))
	req := mustCreate(t, svc, CreateInput{
		ToolName: "exec",
		ArgsJSON: `{"command":"git push"}`,
		Session:  "webhook:abc",
		Rule:     "medium_risk",
		TTL:      time.Hour,
	})

	if _, ok, err := svc.Consume("exec", `{"command":"git push"}`, "webhook:abc"); err != nil || ok {
		t.Fatalf("pending request must not be consumable, ok=%v err=%v", ok, err)
	}
	mustApprove(t, svc, req.ID)

	mismatches := map[string][3]string{
		"other session": {"exec", `{"command":"git push"}`, "webhook:other"},
		"other args":    {"exec", `{"command":"git push --force"}`, "webhook:abc"},
		"other tool":    {"write_file", `{"command":"git push"}`, "webhook:abc"},
	}
	for name, m := range mismatches {
		if _, ok, _ := svc.Consume(m[0], m[1], m[2]); ok {
			t.Fatalf("%s: approval must not match", name)
		}
	}

	found, ok, err := svc.FindApproved("EXEC", ` {"command":"git push"} `, "webhook:abc")
	if err != nil || !ok || found.ID != req.ID {
		t.Fatalf("expected FindApproved to match %s, got %+v ok=%v err=%v", req.ID, found, ok, err)
	}
	if _, ok, _ := svc.FindApproved("exec", `{"command":"git push"}`, "webhook:abc"); !ok {
		t.Fatal("FindApproved must not spend the approval")
	}

	consumed, ok, err := svc.Consume("EXEC", `{"command":"git push"}`, "webhook:abc")
	if err != nil || !ok {
		t.Fatalf("expected consume to succeed, ok=%v err=%v", ok, err)
	}
	if consumed.ID != req.ID || consumed.Status != StatusConsumed || consumed.Rule != "medium_risk" {
		t.Fatalf("unexpected consumed request: %+v", consumed)
	}
	if _, ok, _ := svc.Consume("exec", `{"command":"git push"}`, "webhook:abc"); ok {
		t.Fatal("an approval authorizes a single run")
	}
}

func TestService_ConsumePicksOldestLiveApproval(t *testing.T) {
	at := time.Date(2026, 2, 15, 16, 0, 0, 0, time.UTC)
	svc, now := newClockedService(t, at)
	in := CreateInput{ToolName: "exec", ArgsJSON: `{"command":"make"}`}

	in.TTL = time.Minute
	short := mustCreate(t, svc, in)
	in.TTL = time.Hour
	first := mustCreate(t, svc, in)
	second := mustCreate(t, svc, in)
	for _, r := range []Request{short, first, second} {
		mustApprove(t, svc, r.ID)
	}

	*now = at.Add(2 * time.Minute)
	for _, want := range []string{first.ID, second.ID} {
		got, ok, err := svc.Consume("exec", `{"command":"make"}`, "")
		if err != nil || !ok || got.ID != want {
			t.Fatalf("expected to consume %s, got %+v ok=%v err=%v", want, got, ok, err)
		}
	}
	if _, ok, _ := svc.Consume("exec", `{"command":"make"}`, ""); ok {
		t.Fatal("expired approval must not be consumed")
	}
}

func TestService_CorruptLedgerIsAnError(t *testing.T) {
	workspace := t.TempDir()
	path := filepath.Join(workspace, "state", "approvals.json")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatalf("MkdirAll error: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	svc := NewService(workspace)
	if _, err := svc.List(Query{}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := svc.Create(CreateInput{ToolName: "exec"}); err == nil {
		t.Fatal("expected create against a corrupt ledger to fail")
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != "{not json" {
		t.Fatal("corrupt ledger must be left untouched")
	}
}

func TestService_NextIDRecoveredFromRequests(t *testing.T) {
	workspace := t.TempDir()
	path := filepath.Join(workspace, "state", "approvals.json")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatalf("MkdirAll error: %v", err)
	}
	seed := `{"version":1,"requests":[{"id":"7","tool_name":"exec","status":"rejected"}]}`
	if err := os.WriteFile(path, []byte(seed), 0600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	req := mustCreate(t, NewService(workspace), CreateInput{ToolName: "exec"})
	if req.ID != "8" {
		t.Fatalf("expected id 8 after seeded 7, got %q", req.ID)
	}
}

func TestQueueApprover_AskQueuesThenCommitSpendsApproval(t *testing.T) {
	svc := NewService(t.TempDir())
	q := NewQueueApprover(svc)
	prompt := Prompt{ToolName: "exec", ArgsJSON: `{"command":"git commit"}`, Session: "s1", Rule: "medium_risk"}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		answer, err := q.Ask(ctx, prompt)
		if err != nil || answer != AnswerPending {
			t.Fatalf("ask %d: expected pending, got %q err=%v", i, answer, err)
		}
	}
	pending, err := svc.List(Query{Status: StatusPending})
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one queued request, got %d err=%v", len(pending), err)
	}
	if err := q.Commit(ctx, prompt); !errors.Is(err, ErrNoApproval) {
		t.Fatalf("expected commit without approval to fail, got %v", err)
	}
	mustApprove(t, svc, pending[0].ID)

	for i := 0; i < 2; i++ {
		answer, err := q.Ask(ctx, prompt)
		if err != nil || answer != AnswerYes {
			t.Fatalf("ask %d after approval: expected yes, got %q err=%v", i, answer, err)
		}
	}
	if err := q.Commit(ctx, prompt); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if err := q.Commit(ctx, prompt); !errors.Is(err, ErrNoApproval) {
		t.Fatalf("expected second commit to fail, got %v", err)
	}

	answer, err := q.Ask(ctx, prompt)
	if err != nil || answer != AnswerPending {
		t.Fatalf("expected a fresh request after the run, got %q err=%v", answer, err)
	}
}

func TestQueueApprover_CancelledContext(t *testing.T) {
	q := NewQueueApprover(NewService(t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if answer, err := q.Ask(ctx, Prompt{ToolName: "exec"}); !errors.Is(err, context.Canceled) || answer != AnswerNo {
		t.Fatalf("expected cancelled ask to answer no, got %q err=%v", answer, err)
	}
	if err := q.Commit(ctx, Prompt{ToolName: "exec"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled commit to fail, got %v", err)
	}
}
