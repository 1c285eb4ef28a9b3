package approval

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultTTL = 15 * time.Minute

// ErrNoApproval is returned by Consume-based commits when no approved,
// unexpired request matches the action any more.
var ErrNoApproval = errors.New("no usable approval")

// Service is the persisted approval queue used when no operator is at a
// terminal. A request moves from pending to approved, rejected or expired.
// An approved request is consumed by the single action it names, keyed on
// tool, arguments and session.
type Service struct {
	store      *Store
	defaultTTL time.Duration
	now        func() time.Time
}

// NewService creates a service backed by <workspace>/state/approvals.json.
func NewService(workspace string) *Service {
	return &Service{
		store:      NewStore(workspace),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Create queues a pending request.
func (s *Service) Create(input CreateInput) (Request, error) {
	toolName := strings.TrimSpace(input.ToolName)
	if toolName == "" {
		return Request{}, fmt.Errorf("tool_name is required")
	}
	ttl := input.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now().UTC()

	var created Request
	err := s.store.update(func(l *ledger) (bool, error) {
		created = l.add(Request{
			ToolName:    toolName,
			ArgsJSON:    strings.TrimSpace(input.ArgsJSON),
			Session:     strings.TrimSpace(input.Session),
			Risk:        strings.TrimSpace(input.Risk),
			Rule:        strings.TrimSpace(input.Rule),
			Reason:      strings.TrimSpace(input.Reason),
			Status:      StatusPending,
			RequestedAt: now,
			ExpiresAt:   now.Add(ttl),
		})
		return true, nil
	})
	if err != nil {
		return Request{}, err
	}
	return created, nil
}

// Approve marks a pending request as approved.
func (s *Service) Approve(id string, decision DecisionInput) (Request, error) {
	return s.decide(id, StatusApproved, decision, "approved")
}

// Reject marks a pending request as rejected.
func (s *Service) Reject(id string, decision DecisionInput) (Request, error) {
	return s.decide(id, StatusRejected, decision, "rejected")
}

// List returns requests in creation order, filtered by query.
func (s *Service) List(query Query) ([]Request, error) {
	id := strings.TrimSpace(query.ID)
	tool := strings.TrimSpace(query.ToolName)
	session := strings.TrimSpace(query.Session)

	var out []Request
	err := s.store.view(func(l *ledger) error {
		out = make([]Request, 0, len(l.Requests))
		for _, req := range l.Requests {
			switch {
			case id != "" && req.ID != id:
			case query.Status != "" && req.Status != query.Status:
			case tool != "" && !strings.EqualFold(req.ToolName, tool):
			case session != "" && req.Session != session:
			default:
				out = append(out, req)
			}
		}
		return nil
	})
	return out, err
}

// ExpirePending moves pending requests past their TTL to expired and returns
// them.
func (s *Service) ExpirePending() ([]Request, error) {
	now := s.now().UTC()
	var expired []Request
	err := s.store.update(func(l *ledger) (bool, error) {
		for i := range l.Requests {
			req := &l.Requests[i]
			if req.Status != StatusPending || !req.expiredAt(now) {
				continue
			}
			req.Status = StatusExpired
			req.DecidedAt = now
			req.DecidedBy = "system"
			if req.DecisionNote == "" {
				req.DecisionNote = "expired by ttl"
			}
			expired = append(expired, *req)
		}
		return len(expired) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// FindApproved reports the approved, unexpired request for this exact action
// without using it up.
func (s *Service) FindApproved(toolName, argsJSON, session string) (Request, bool, error) {
	return s.find(keyFor(toolName, argsJSON, session), StatusApproved)
}

// FindPending reports the pending request for this exact action.
func (s *Service) FindPending(toolName, argsJSON, session string) (Request, bool, error) {
	return s.find(keyFor(toolName, argsJSON, session), StatusPending)
}

// Consume marks the approved request for this exact action as consumed so it
// authorizes one run. ok is false when nothing matched.
func (s *Service) Consume(toolName, argsJSON, session string) (Request, bool, error) {
	k := keyFor(toolName, argsJSON, session)
	now := s.now().UTC()

	var consumed Request
	var ok bool
	err := s.store.update(func(l *ledger) (bool, error) {
		req, found := l.match(k, StatusApproved, now)
		if !found {
			return false, nil
		}
		req.Status = StatusConsumed
		consumed, ok = *req, true
		return true, nil
	})
	if err != nil {
		return Request{}, false, err
	}
	return consumed, ok, nil
}

func (s *Service) find(k actionKey, status RequestStatus) (Request, bool, error) {
	now := s.now().UTC()
	var found Request
	var ok bool
	err := s.store.view(func(l *ledger) error {
		if req, hit := l.match(k, status, now); hit {
			found, ok = *req, true
		}
		return nil
	})
	return found, ok, err
}

func (s *Service) decide(id string, status RequestStatus, decision DecisionInput, defaultNote string) (Request, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Request{}, fmt.Errorf("id is required")
	}
	decidedBy := strings.TrimSpace(decision.DecidedBy)
	if decidedBy == "" {
		decidedBy = "unknown"
	}
	note := strings.TrimSpace(decision.Note)
	if note == "" {
		note = defaultNote
	}
	now := s.now().UTC()

	var decided Request
	err := s.store.update(func(l *ledger) (bool, error) {
		req, ok := l.get(id)
		if !ok {
			return false, fmt.Errorf("request not found: %s", id)
		}
		if req.Status != StatusPending {
			return false, fmt.Errorf("request %s is %s, not pending", id, req.Status)
		}
		if req.expiredAt(now) {
			return false, fmt.Errorf("request %s expired at %s", id, req.ExpiresAt.Format(time.RFC3339))
		}
		req.Status = status
		req.DecidedAt = now
		req.DecidedBy = decidedBy
		req.DecisionNote = note
		decided = *req
		return true, nil
	})
	if err != nil {
		return Request{}, err
	}
	return decided, nil
}
