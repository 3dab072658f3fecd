package session

import (
	"sync"
	"time"

	"github.com/oriole-im/oriole/xmpp"
)

// Session is the server-side state of one bound client resource. All
// mutators are safe for concurrent use.
type Session struct {
	mu sync.RWMutex

	jid       xmpp.JID
	anonymous bool

	presence *xmpp.Presence

	// initialized is set once the resource is bound and the session may
	// receive stanzas.
	initialized bool

	// wasAvailable stays true after the first initial presence, even if
	// the session later becomes unavailable again.
	wasAvailable bool

	// offlineFloodStopped marks that stored offline messages were already
	// flushed to this session.
	offlineFloodStopped bool

	activeListName  string
	defaultListName string

	lastActive time.Time
}

// New creates a session for a bound full JID. The initial presence is
// unavailable until the client sends its first presence stanza.
func New(jid xmpp.JID, anonymous bool) *Session {
	return &Session{
		jid:       jid,
		anonymous: anonymous,
		presence:  &xmpp.Presence{Type: xmpp.PresenceUnavailable, From: jid},
		lastActive: time.Now(),
	}
}

// Address returns the full JID the session is bound to.
func (s *Session) Address() xmpp.JID {
	return s.jid
}

// Username returns the node part of the session's JID.
func (s *Session) Username() string {
	return s.jid.Node
}

// IsAnonymous reports whether the session was authenticated anonymously.
func (s *Session) IsAnonymous() bool {
	return s.anonymous
}

// Presence returns the session's current presence.
func (s *Session) Presence() *xmpp.Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence
}

// SetPresence replaces the session's presence and returns the prior one.
func (s *Session) SetPresence(p *xmpp.Presence) *xmpp.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.presence
	s.presence = p
	if p.IsAvailable() {
		s.wasAvailable = true
	}
	s.lastActive = time.Now()
	return prior
}

// IsAvailable reports whether the session's current presence is available.
func (s *Session) IsAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence.IsAvailable()
}

// WasAvailable reports whether the session ever sent an initial presence.
func (s *Session) WasAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wasAvailable
}

// Priority returns the priority of the session's current presence.
func (s *Session) Priority() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence.Priority
}

// IsInitialized reports whether the session finished resource binding.
func (s *Session) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// SetInitialized marks the session as fully bound.
func (s *Session) SetInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
}

// OfflineFloodStopped reports whether offline messages were already
// delivered to this session.
func (s *Session) OfflineFloodStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offlineFloodStopped
}

// StopOfflineFlood marks offline messages as delivered.
func (s *Session) StopOfflineFlood() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offlineFloodStopped = true
}

// ActiveListName returns the privacy list name active for this session, or
// empty when the default applies.
func (s *Session) ActiveListName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeListName
}

// SetActiveListName sets the session's active privacy list.
func (s *Session) SetActiveListName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeListName = name
}

// DefaultListName returns the user's default privacy list name as seen by
// this session.
func (s *Session) DefaultListName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultListName
}

// SetDefaultListName records the user's default privacy list name.
func (s *Session) SetDefaultListName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultListName = name
}

// LastActive returns the time of the session's last presence change.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}
