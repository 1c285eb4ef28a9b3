package approval

import (
	"strings"
	"sync"
)

// Grants records tools an operator answered "always" for, per session. It
// lives only in memory: a restart asks again.
type Grants struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{}
}

// NewGrants returns an empty grant set.
func NewGrants() *Grants {
	return &Grants{sessions: make(map[string]map[string]struct{})}
}

// Allow records an always-allow for toolName in session.
func (g *Grants) Allow(session, toolName string) {
	toolName = strings.ToLower(strings.TrimSpace(toolName))
	if toolName == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	tools, ok := g.sessions[session]
	if !ok {
		tools = make(map[string]struct{})
		g.sessions[session] = tools
	}
	tools[toolName] = struct{}{}
}

// Clear drops every grant of session.
func (g *Grants) Clear(session string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, session)
}

// For returns the view of one session's grants the policy engine consults.
func (g *Grants) For(session string) SessionGrants {
	return SessionGrants{grants: g, session: session}
}

// SessionGrants is one session's slice of a Grants set.
type SessionGrants struct {
	grants  *Grants
	session string
}

// AlwaysAllowed reports whether toolName was granted in this session.
func (s SessionGrants) AlwaysAllowed(toolName string) bool {
	if s.grants == nil {
		return false
	}
	toolName = strings.ToLower(strings.TrimSpace(toolName))
	s.grants.mu.RLock()
	defer s.grants.mu.RUnlock()
	_, ok := s.grants.sessions[s.session][toolName]
	return ok
}
