package presence

import (
	"context"
	"time"

	"github.com/oriole-im/oriole/config"
	"github.com/oriole-im/oriole/logger"
	"github.com/oriole-im/oriole/pkg/metrics"
	"github.com/oriole-im/oriole/privacy"
	"github.com/oriole-im/oriole/roster"
	"github.com/oriole-im/oriole/session"
	"github.com/oriole-im/oriole/xmpp"
)

// Router is the slice of the routing layer the manager delivers through.
type Router interface {
	RoutePacket(to xmpp.JID, p *xmpp.Presence, bypassInterceptors bool)
	HasComponentRoute(jid xmpp.JID) bool
}

// Manager tracks user availability, answers probes, and persists offline
// presence. All methods are best-effort: routing and storage failures are
// logged, never propagated to the connection handling the triggering
// stanza.
type Manager struct {
	cfg      *config.Config
	sessions *session.Manager
	rosters  roster.Manager
	privacy  *privacy.Manager
	router   Router
	cache    *Cache
	directed *DirectedRegistry
	pending  *pendingProbeRegistry
}

func NewManager(cfg *config.Config, sessions *session.Manager, rosters roster.Manager,
	lists *privacy.Manager, router Router, cache *Cache, directed *DirectedRegistry) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		rosters:  rosters,
		privacy:  lists,
		router:   router,
		cache:    cache,
		directed: directed,
		pending:  newPendingProbeRegistry(),
	}
}

// Directed returns the directed-presence registry.
func (m *Manager) Directed() *DirectedRegistry {
	return m.directed
}

// IsAvailable reports whether the user has at least one available session.
// Answered from the session registry, never from the offline cache.
func (m *Manager) IsAvailable(username string) bool {
	return m.sessions.ActiveSessionCount(username) > 0
}

// GetPresence aggregates the user's sessions into one representative
// presence: the highest show rank wins, and among equal ranks the first
// session in enumeration order is kept. Returns nil when the user has no
// available session.
func (m *Manager) GetPresence(username string) *xmpp.Presence {
	var best *xmpp.Presence
	for _, s := range m.sessions.GetSessions(username) {
		p := s.Presence()
		if !p.IsAvailable() {
			continue
		}
		if best == nil || p.Show.Rank() > best.Show.Rank() {
			best = p
		}
	}
	return best
}

// LastActivity returns how long ago the user was last seen.
func (m *Manager) LastActivity(ctx context.Context, username string) (time.Duration, bool) {
	return m.cache.LastActivity(ctx, username)
}

// LastPresenceStatus returns the status text of the user's last
// unavailable presence.
func (m *Manager) LastPresenceStatus(ctx context.Context, username string) (string, bool) {
	return m.cache.LastPresenceStatus(ctx, username)
}

// localRegisteredSender returns the session behind an initial presence when
// the stanza is addressed to the server and comes from a local registered
// user. Anything else returns nil: directed presence and foreign senders
// are not availability transitions.
func (m *Manager) localRegisteredSender(p *xmpp.Presence) *session.Session {
	if !p.To.IsZero() {
		return nil
	}
	if !m.cfg.IsUserDomain(p.From.Domain) {
		return nil
	}
	s := m.sessions.GetSession(p.From)
	if s == nil || s.IsAnonymous() {
		return nil
	}
	return s
}

// UserAvailable handles a user's transition to available. On the user's
// first session the persisted offline presence is deleted and the cached
// record evicted; later sessions skip the delete, it already happened.
func (m *Manager) UserAvailable(ctx context.Context, p *xmpp.Presence) {
	s := m.localRegisteredSender(p)
	if s == nil {
		return
	}
	username := s.Username()
	if m.sessions.SessionCount(username) > 1 {
		return
	}
	m.cache.Delete(ctx, username)
}

// UserUnavailable handles a user's transition to unavailable. Only once the
// last available session is gone does the offline presence get recorded:
// the stanza's child content when it has any, otherwise a bare sign-off
// timestamp.
func (m *Manager) UserUnavailable(ctx context.Context, p *xmpp.Presence) {
	s := m.localRegisteredSender(p)
	if s == nil {
		return
	}
	username := s.Username()
	if m.sessions.ActiveSessionCount(username) > 0 {
		return
	}

	var presenceXML *string
	if p.HasChildElements() {
		serialized := p.ToXML()
		presenceXML = &serialized
	}
	m.cache.Put(ctx, username, presenceXML, time.Now())
}

// CloseSession finalizes a disconnecting session. Its unavailable
// transition is processed while the session is still registered, the
// directed presences it sent are withdrawn, and only then is the registry
// entry removed.
func (m *Manager) CloseSession(ctx context.Context, jid xmpp.JID) {
	s := m.sessions.GetSession(jid)
	if s == nil {
		return
	}
	if s.Presence().IsAvailable() {
		p := &xmpp.Presence{Type: xmpp.PresenceUnavailable, From: jid}
		s.SetPresence(p)
		m.UserUnavailable(ctx, p)
	}
	m.directed.RemoveSender(jid.String())
	if _, err := m.sessions.RemoveSession(jid); err != nil {
		logger.Warnf("failed to remove session %s: %v", jid, err)
	}
}

// RemoteSessionLost records the sign-off of a session hosted on a departed
// cluster node. No final presence stanza exists for it, so only the
// sign-off time is persisted, and only for registered local users.
func (m *Manager) RemoteSessionLost(ctx context.Context, jid xmpp.JID) {
	if !m.cfg.IsUserDomain(jid.Domain) {
		return
	}
	if m.sessions.ActiveSessionCount(jid.Node) > 0 {
		return
	}
	m.cache.Put(ctx, jid.Node, nil, time.Now())
}

// HandleProbe authorizes and answers a presence probe. The reply, success
// or error, is always addressed from the probee to the prober.
func (m *Manager) HandleProbe(ctx context.Context, probe *xmpp.Presence) {
	prober := probe.From
	probee := probe.To

	r, err := m.rosters.GetRoster(ctx, probee.Node)
	if err != nil {
		metrics.PresenceProbes.WithLabelValues("forbidden").Inc()
		m.sendProbeError(probee, prober, xmpp.ConditionForbidden)
		return
	}

	item, err := r.GetItem(prober)
	if err != nil {
		metrics.PresenceProbes.WithLabelValues("forbidden").Inc()
		m.sendProbeError(probee, prober, xmpp.ConditionForbidden)
		return
	}

	if item.Subscription.SharesPresenceWithOwner() {
		metrics.PresenceProbes.WithLabelValues("ok").Inc()
		m.ProbePresence(ctx, prober, probee)
		return
	}

	// A pending inbound subscription will eventually authorize the prober;
	// until then the precise refusal differs from a flat forbidden.
	if item.RecvAsk == roster.AskSubscribe {
		metrics.PresenceProbes.WithLabelValues("not_authorized").Inc()
		m.sendProbeError(probee, prober, xmpp.ConditionNotAuthorized)
		return
	}
	metrics.PresenceProbes.WithLabelValues("forbidden").Inc()
	m.sendProbeError(probee, prober, xmpp.ConditionForbidden)
}

func (m *Manager) sendProbeError(probee, prober xmpp.JID, condition xmpp.Condition) {
	reply := &xmpp.Presence{
		Type:  xmpp.PresenceError,
		From:  probee,
		To:    prober,
		Error: condition,
	}
	m.router.RoutePacket(prober, reply, true)
}

// ProbePresence answers an authorized probe. Local probees are answered
// from live sessions or the cached offline presence; remote probees get
// the probe forwarded toward whoever can answer it.
func (m *Manager) ProbePresence(ctx context.Context, prober, probee xmpp.JID) {
	if m.cfg.IsUserDomain(probee.Domain) {
		m.probeLocal(ctx, prober, probee)
		return
	}

	probe := &xmpp.Presence{Type: xmpp.PresenceProbe, From: prober, To: probee}
	switch {
	case m.router.HasComponentRoute(probee):
		// The component is connected: route the probe to it directly.
		m.router.RoutePacket(probee, probe, true)
	case m.cfg.IsComponentDomain(probee.Domain):
		// Configured component, not connected yet. Hold the probe so the
		// component can answer it when it comes online.
		m.pending.register(prober, probee)
	default:
		probe.To = probee.Bare()
		m.router.RoutePacket(probe.To, probe, true)
	}
}

func (m *Manager) probeLocal(ctx context.Context, prober, probee xmpp.JID) {
	recipients := m.proberAddresses(prober)

	available := make([]*session.Session, 0, 2)
	for _, s := range m.sessions.GetSessions(probee.Node) {
		if s.IsAvailable() {
			available = append(available, s)
		}
	}

	if len(available) == 0 {
		last, ok := m.cache.LastPresence(ctx, probee.Node)
		if !ok {
			return
		}
		list := m.privacy.DefaultList(probee.Node)
		for _, recipient := range recipients {
			answer := last.Copy()
			answer.Type = xmpp.PresenceUnavailable
			answer.From = probee.Bare()
			answer.To = recipient
			if list.ShouldBlock(answer) {
				continue
			}
			m.router.RoutePacket(recipient, answer, true)
		}
		return
	}

	for _, s := range available {
		list := m.sessionList(s)
		for _, recipient := range recipients {
			answer := s.Presence().Copy()
			answer.From = s.Address()
			answer.To = recipient
			if list.ShouldBlock(answer) {
				continue
			}
			m.router.RoutePacket(recipient, answer, true)
		}
	}
}

// proberAddresses expands a bare local prober to every one of its active
// sessions; a full or remote prober receives the answer at the address
// given.
func (m *Manager) proberAddresses(prober xmpp.JID) []xmpp.JID {
	if !prober.IsBare() || !m.cfg.IsUserDomain(prober.Domain) {
		return []xmpp.JID{prober}
	}
	sessions := m.sessions.GetSessions(prober.Node)
	if len(sessions) == 0 {
		return []xmpp.JID{prober}
	}
	addrs := make([]xmpp.JID, 0, len(sessions))
	for _, s := range sessions {
		addrs = append(addrs, s.Address())
	}
	return addrs
}

// sessionList resolves the privacy list applying to a session: the active
// override if set, else the session's default, else the user's default.
func (m *Manager) sessionList(s *session.Session) *privacy.List {
	username := s.Username()
	if name := s.ActiveListName(); name != "" {
		if list := m.privacy.List(username, name); list != nil {
			return list
		}
	}
	if name := s.DefaultListName(); name != "" {
		if list := m.privacy.List(username, name); list != nil {
			return list
		}
	}
	return m.privacy.DefaultList(username)
}

// SendUnavailableFromSessions synthesizes unavailable presence from each of
// the user's available sessions to the recipient, fanned out over the
// recipient's sessions when local. Sessions that addressed the recipient
// with directed presence are skipped: a blanket unavailable must not undo
// an explicit one.
func (m *Manager) SendUnavailableFromSessions(recipient xmpp.JID, username string) {
	recipients := m.proberAddresses(recipient)
	for _, s := range m.sessions.GetSessions(username) {
		if !s.IsAvailable() {
			continue
		}
		if m.directed != nil && m.directed.HasDirectPresence(s.Address().String(), recipient.String()) {
			continue
		}
		for _, to := range recipients {
			p := &xmpp.Presence{
				Type: xmpp.PresenceUnavailable,
				From: s.Address(),
				To:   to,
			}
			m.router.RoutePacket(to, p, true)
		}
	}
}

// SendUnavailable delivers unavailable presence from a departed sender to
// each receiver. Invoked by cluster cleanup for entities whose node is
// gone.
func (m *Manager) SendUnavailable(sender string, receivers []string) {
	from, err := xmpp.ParseJID(sender)
	if err != nil {
		logger.Warnf("skipping unavailable broadcast from malformed JID %q", sender)
		return
	}
	for _, receiver := range receivers {
		to, err := xmpp.ParseJID(receiver)
		if err != nil {
			continue
		}
		p := &xmpp.Presence{Type: xmpp.PresenceUnavailable, From: from, To: to}
		m.router.RoutePacket(to, p, true)
	}
}

// ComponentAvailable flushes probes that were held while the component was
// offline.
func (m *Manager) ComponentAvailable(ctx context.Context, domain string) {
	for _, pending := range m.pending.take(domain) {
		m.ProbePresence(ctx, pending.Prober, pending.Probee)
	}
}

// ServerStopping persists a sign-off for every registered user still
// online so last-activity survives the restart.
func (m *Manager) ServerStopping(ctx context.Context) {
	now := time.Now()
	seen := make(map[string]struct{})
	m.sessions.ForEachSession(func(s *session.Session) {
		if s.IsAnonymous() {
			return
		}
		username := s.Username()
		if _, done := seen[username]; done {
			return
		}
		seen[username] = struct{}{}
		m.cache.Put(ctx, username, nil, now)
	})
}
