package session

import (
	"sort"
	"sync"

	"github.com/oriole-im/oriole/consts"
	"github.com/oriole-im/oriole/pkg/metrics"
	"github.com/oriole-im/oriole/xmpp"
)

// Manager is the registry of local client sessions, keyed by username and
// resource.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]map[string]*Session),
	}
}

// AddSession registers a session. Registering a second session for the same
// full JID replaces the first.
func (m *Manager) AddSession(s *Session) {
	jid := s.Address()

	m.mu.Lock()
	defer m.mu.Unlock()

	byResource, ok := m.sessions[jid.Node]
	if !ok {
		byResource = make(map[string]*Session)
		m.sessions[jid.Node] = byResource
	}
	if _, replaced := byResource[jid.Resource]; !replaced {
		metrics.SessionsCurrent.Inc()
	}
	byResource[jid.Resource] = s
}

// RemoveSession unregisters the session bound to the given full JID and
// returns it. Returns consts.ErrSessionNotFound when no such session exists.
func (m *Manager) RemoveSession(jid xmpp.JID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byResource, ok := m.sessions[jid.Node]
	if !ok {
		return nil, consts.ErrSessionNotFound
	}
	s, ok := byResource[jid.Resource]
	if !ok {
		return nil, consts.ErrSessionNotFound
	}

	delete(byResource, jid.Resource)
	if len(byResource) == 0 {
		delete(m.sessions, jid.Node)
	}
	metrics.SessionsCurrent.Dec()
	return s, nil
}

// GetSession returns the session bound to the given full JID, or nil.
func (m *Manager) GetSession(jid xmpp.JID) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byResource, ok := m.sessions[jid.Node]
	if !ok {
		return nil
	}
	return byResource[jid.Resource]
}

// GetSessions returns all sessions of a user ordered by resource, so
// repeated enumerations visit sessions in a stable order.
func (m *Manager) GetSessions(username string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byResource, ok := m.sessions[username]
	if !ok {
		return nil
	}

	resources := make([]string, 0, len(byResource))
	for r := range byResource {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	sessions := make([]*Session, 0, len(resources))
	for _, r := range resources {
		sessions = append(sessions, byResource[r])
	}
	return sessions
}

// SessionCount returns the number of sessions a user has, regardless of
// presence state.
func (m *Manager) SessionCount(username string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[username])
}

// ActiveSessionCount returns the number of a user's sessions whose current
// presence is available.
func (m *Manager) ActiveSessionCount(username string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.sessions[username] {
		if s.IsAvailable() {
			count++
		}
	}
	return count
}

// ForEachSession visits every registered session. The visit order is stable
// within a user but unspecified across users.
func (m *Manager) ForEachSession(fn func(*Session)) {
	m.mu.RLock()
	usernames := make([]string, 0, len(m.sessions))
	for u := range m.sessions {
		usernames = append(usernames, u)
	}
	m.mu.RUnlock()

	for _, u := range usernames {
		for _, s := range m.GetSessions(u) {
			fn(s)
		}
	}
}

// TotalCount returns the number of registered sessions.
func (m *Manager) TotalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, byResource := range m.sessions {
		total += len(byResource)
	}
	return total
}
