package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/warden/internal/fsutil"
)

const ledgerVersion = 1

// actionKey identifies the exact action a request authorizes.
type actionKey struct {
	tool    string
	args    string
	session string
}

func keyFor(toolName, argsJSON, session string) actionKey {
	return actionKey{
		tool:    strings.ToLower(strings.TrimSpace(toolName)),
		args:    strings.TrimSpace(argsJSON),
		session: strings.TrimSpace(session),
	}
}

// ledger is the on-disk approval queue plus lookup indexes rebuilt on load.
type ledger struct {
	Version  int       `json:"version"`
	NextID   int64     `json:"next_id"`
	Requests []Request `json:"requests"`

	byID     map[string]int
	byAction map[actionKey][]int
}

func (l *ledger) index() {
	if l.Version <= 0 {
		l.Version = ledgerVersion
	}
	l.byID = make(map[string]int, len(l.Requests))
	l.byAction = make(map[actionKey][]int)
	var maxID int64
	for i, req := range l.Requests {
		l.byID[req.ID] = i
		k := keyFor(req.ToolName, req.ArgsJSON, req.Session)
		l.byAction[k] = append(l.byAction[k], i)
		if id, err := strconv.ParseInt(req.ID, 10, 64); err == nil && id > maxID {
			maxID = id
		}
	}
	if l.NextID <= maxID {
		l.NextID = maxID + 1
	}
}

func (l *ledger) add(req Request) Request {
	req.ID = strconv.FormatInt(l.NextID, 10)
	l.NextID++
	l.Requests = append(l.Requests, req)
	i := len(l.Requests) - 1
	l.byID[req.ID] = i
	k := keyFor(req.ToolName, req.ArgsJSON, req.Session)
	l.byAction[k] = append(l.byAction[k], i)
	return req
}

func (l *ledger) get(id string) (*Request, bool) {
	i, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return &l.Requests[i], true
}

// match returns the oldest request for k in status that has not expired at now.
func (l *ledger) match(k actionKey, status RequestStatus, now time.Time) (*Request, bool) {
	for _, i := range l.byAction[k] {
		req := &l.Requests[i]
		if req.Status == status && !req.expiredAt(now) {
			return req, true
		}
	}
	return nil, false
}

// Store persists the ledger as JSON. Every operation re-reads the file so a
// CLI decision is visible to a running gateway.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates an approval store under <workspace>/state/approvals.json.
func NewStore(workspace string) *Store {
	return &Store{path: filepath.Join(workspace, "state", "approvals.json")}
}

func (s *Store) view(fn func(*ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.load()
	if err != nil {
		return err
	}
	return fn(l)
}

// update runs fn against the current ledger and writes it back when fn
// reports a change.
func (s *Store) update(fn func(*ledger) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(l)
	if err != nil || !changed {
		return err
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval store: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0600, true); err != nil {
		return fmt.Errorf("save approval store: %w", err)
	}
	return nil
}

func (s *Store) load() (*ledger, error) {
	l := &ledger{Requests: []Request{}}
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read approval store: %w", err)
	default:
		if err := json.Unmarshal(data, l); err != nil {
			return nil, fmt.Errorf("parse approval store: %w", err)
		}
		if l.Requests == nil {
			l.Requests = []Request{}
		}
	}
	l.index()
	return l, nil
}
