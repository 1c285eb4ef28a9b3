// Package tools dispatches agent tool calls through the policy engine. No
// tool runs unless the engine returns Allow for it.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/MEKXH/warden/internal/approval"
	"github.com/MEKXH/warden/internal/audit"
	"github.com/MEKXH/warden/internal/policy"
	"github.com/cloudwego/eino/components/tool"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrDenied      = errors.New("action denied")
)

// DeniedError carries the decision that refused a call.
type DeniedError struct {
	Tool     string
	Decision policy.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Decision)
}

func (e *DeniedError) Unwrap() error { return ErrDenied }

// Classifier turns a call's JSON arguments into the request the engine judges.
type Classifier func(argsJSON string) (policy.Request, error)

type entry struct {
	tool     tool.InvokableTool
	classify Classifier
}

// Registry manages tools by name and gates every call.
type Registry struct {
	engine   *policy.Engine
	audit    *audit.Logger
	approver approval.Approver

	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates a registry. auditLog and approver may be nil: with no
// approver every RequireApproval is reported as pending.
func NewRegistry(engine *policy.Engine, auditLog *audit.Logger, approver approval.Approver) *Registry {
	return &Registry{
		engine:   engine,
		audit:    auditLog,
		approver: approver,
		tools:    make(map[string]entry),
	}
}

// Register adds a tool with the classifier that describes its calls.
func (r *Registry) Register(t tool.InvokableTool, classify Classifier) error {
	info, err := t.Info(context.Background())
	if err != nil {
		return err
	}
	if info == nil || info.Name == "" {
		return fmt.Errorf("tool info missing name")
	}
	if classify == nil {
		return fmt.Errorf("tool %s: classifier is required", info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[info.Name]; exists {
		return fmt.Errorf("tool already registered: %s", info.Name)
	}
	r.tools[info.Name] = entry{tool: t, classify: classify}
	return nil
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (tool.InvokableTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	return e.tool, ok
}

// Names returns the sorted tool names offered on channel.
func (r *Registry) Names(channel string) []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return r.engine.FilterTools(channel, names)
}

// Execute evaluates and, when allowed, runs one tool call. A pending approval
// is reported in the result, not as an error.
func (r *Registry) Execute(ctx context.Context, session policy.Session, name, argsJSON string) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if !r.engine.ToolExposed(session.Channel, name) {
		return "", fmt.Errorf("%w: %s is not available on channel %s", ErrUnknownTool, name, session.Channel)
	}

	req, err := e.classify(argsJSON)
	if err != nil {
		return "", fmt.Errorf("%s: invalid arguments: %w", name, err)
	}
	req.ToolName = name

	decision, err := r.engine.Evaluate(ctx, req, session)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	r.record(ctx, session, name, "policy_decision", decision)

	switch decision.Action {
	case policy.ActionAllow:
	case policy.ActionDeny:
		return "", &DeniedError{Tool: name, Decision: decision}
	case policy.ActionRequireApproval:
		result, proceed, err := r.seekApproval(ctx, session, req, argsJSON, decision)
		if err != nil || !proceed {
			return result, err
		}
	default:
		return "", fmt.Errorf("%s: unexpected policy action %q", name, decision.Action)
	}

	ctx = WithInvocationContext(ctx, InvocationContext{
		Channel:   session.Channel,
		SessionID: session.ID,
	})
	return e.tool.InvokableRun(ctx, argsJSON)
}

func (r *Registry) seekApproval(ctx context.Context, session policy.Session, req policy.Request, argsJSON string, gated policy.Decision) (string, bool, error) {
	if r.approver == nil {
		return pendingResult(gated.Reason), false, nil
	}

	prompt := approval.Prompt{
		ToolName: req.ToolName,
		ArgsJSON: strings.TrimSpace(argsJSON),
		Summary:  summarize(req),
		Session:  session.ID,
		Risk:     req.Risk.String(),
		Rule:     string(gated.Rule),
		Reason:   gated.Reason,
	}
	answer, err := r.approver.Ask(ctx, prompt)
	if err != nil {
		return "", false, fmt.Errorf("%s: approval: %w", req.ToolName, err)
	}
	r.recordAnswer(ctx, session, req.ToolName, answer)

	switch answer {
	case approval.AnswerYes, approval.AnswerAlways:
	case approval.AnswerPending:
		return pendingResult(gated.Reason), false, nil
	default:
		return "", false, &DeniedError{Tool: req.ToolName, Decision: policy.Decision{
			Action: policy.ActionDeny,
			Rule:   gated.Rule,
			Reason: "operator declined",
		}}
	}

	decision, err := r.engine.EvaluateApproved(ctx, req, session)
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", req.ToolName, err)
	}
	r.record(ctx, session, req.ToolName, "approved_decision", decision)
	if !decision.Allowed() {
		return "", false, &DeniedError{Tool: req.ToolName, Decision: decision}
	}
	if c, ok := r.approver.(approval.Committer); ok {
		if err := c.Commit(ctx, prompt); err != nil {
			return "", false, fmt.Errorf("%s: approval: %w", req.ToolName, err)
		}
	}
	return "", true, nil
}

func pendingResult(reason string) string {
	return fmt.Sprintf("Tool execution pending approval: %s", reason)
}

func summarize(req policy.Request) string {
	switch {
	case req.CommandLine != "":
		return req.CommandLine
	case req.ResolvedPath != "":
		return req.ResolvedPath
	default:
		return req.ToolName
	}
}

func (r *Registry) record(ctx context.Context, session policy.Session, toolName, action string, d policy.Decision) {
	if d.Action != policy.ActionAllow {
		slog.Info("tool call gated", "tool", toolName, "action", d.Action, "rule", d.Rule, "session", session.ID)
	}
	if r.audit == nil {
		return
	}
	_ = r.audit.Record(context.WithoutCancel(ctx), audit.Entry{
		Actor:    actor(session),
		Action:   action,
		Tool:     toolName,
		Decision: string(d.Action),
		Rule:     string(d.Rule),
		Reason:   d.Reason,
		Session:  session.ID,
	})
}

func (r *Registry) recordAnswer(ctx context.Context, session policy.Session, toolName string, answer approval.Answer) {
	if r.audit == nil {
		return
	}
	_ = r.audit.Record(context.WithoutCancel(ctx), audit.Entry{
		Actor:    actor(session),
		Action:   "approval_answer",
		Tool:     toolName,
		Decision: string(answer),
		Session:  session.ID,
	})
}

func actor(session policy.Session) string {
	if session.Channel == "" {
		return policy.ChannelCLI
	}
	return session.Channel
}
