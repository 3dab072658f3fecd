package privacy

import (
	"sync"

	"github.com/oriole-im/oriole/xmpp"
)

// List is a named privacy list that decides whether outgoing presence may
// reach a user. Blocked JIDs are matched on their bare form.
type List struct {
	Name        string
	blockedBare map[string]struct{}
}

// NewList creates a privacy list blocking the given JIDs.
func NewList(name string, blocked ...xmpp.JID) *List {
	l := &List{
		Name:        name,
		blockedBare: make(map[string]struct{}, len(blocked)),
	}
	for _, jid := range blocked {
		l.blockedBare[jid.BareString()] = struct{}{}
	}
	return l
}

// ShouldBlock reports whether presence involving the given JID must be
// suppressed.
func (l *List) ShouldBlock(p *xmpp.Presence) bool {
	if l == nil {
		return false
	}
	if _, ok := l.blockedBare[p.To.BareString()]; ok {
		return true
	}
	_, ok := l.blockedBare[p.From.BareString()]
	return ok
}

// Manager resolves privacy lists per user. A nil list result means no
// filtering applies.
type Manager struct {
	mu       sync.RWMutex
	lists    map[string]map[string]*List // username -> list name -> list
	defaults map[string]string           // username -> default list name
}

func NewManager() *Manager {
	return &Manager{
		lists:    make(map[string]map[string]*List),
		defaults: make(map[string]string),
	}
}

// SetList installs a named list for a user.
func (m *Manager) SetList(username string, list *List) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byName, ok := m.lists[username]
	if !ok {
		byName = make(map[string]*List)
		m.lists[username] = byName
	}
	byName[list.Name] = list
}

// SetDefaultList marks one of the user's lists as the default.
func (m *Manager) SetDefaultList(username, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[username] = name
}

// List returns the user's list with the given name, or nil.
func (m *Manager) List(username, name string) *List {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lists[username][name]
}

// DefaultList returns the user's default list, or nil when none is set.
func (m *Manager) DefaultList(username string) *List {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.defaults[username]
	if !ok {
		return nil
	}
	return m.lists[username][name]
}
