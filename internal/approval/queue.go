package approval

import (
	"context"
	"fmt"
	"log/slog"
)

// QueueApprover answers prompts from the persisted queue. An action approved
// out of band is answered yes and spent by Commit; anything else is queued
// and reported as pending.
type QueueApprover struct {
	svc *Service
}

// NewQueueApprover wraps svc.
func NewQueueApprover(svc *Service) *QueueApprover {
	return &QueueApprover{svc: svc}
}

// Ask implements Approver. It never spends an approval.
func (q *QueueApprover) Ask(ctx context.Context, prompt Prompt) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return AnswerNo, err
	}
	if _, err := q.svc.ExpirePending(); err != nil {
		return AnswerNo, err
	}

	if req, ok, err := q.svc.FindApproved(prompt.ToolName, prompt.ArgsJSON, prompt.Session); err != nil {
		return AnswerNo, err
	} else if ok {
		slog.Info("approval found", "id", req.ID, "tool", req.ToolName, "decided_by", req.DecidedBy)
		return AnswerYes, nil
	}

	if req, ok, err := q.svc.FindPending(prompt.ToolName, prompt.ArgsJSON, prompt.Session); err != nil {
		return AnswerNo, err
	} else if ok {
		slog.Info("approval still pending", "id", req.ID, "tool", req.ToolName)
		return AnswerPending, nil
	}

	req, err := q.svc.Create(CreateInput{
		ToolName: prompt.ToolName,
		ArgsJSON: prompt.ArgsJSON,
		Session:  prompt.Session,
		Risk:     prompt.Risk,
		Rule:     prompt.Rule,
		Reason:   prompt.Reason,
	})
	if err != nil {
		return AnswerNo, err
	}
	slog.Info("approval queued", "id", req.ID, "tool", req.ToolName, "rule", req.Rule)
	return AnswerPending, nil
}

// Commit implements Committer by consuming the approval Ask found.
func (q *QueueApprover) Commit(ctx context.Context, prompt Prompt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req, ok, err := q.svc.Consume(prompt.ToolName, prompt.ArgsJSON, prompt.Session)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", prompt.ToolName, ErrNoApproval)
	}
	slog.Info("approval consumed", "id", req.ID, "tool", req.ToolName)
	return nil
}
