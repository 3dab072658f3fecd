// Package routing maintains the cluster-wide route table: which node owns
// each client session, component domain, and server connection.
package routing

import (
	"fmt"
	"sync"

	"github.com/oriole-im/oriole/cluster"
	"github.com/oriole-im/oriole/logger"
	"github.com/oriole-im/oriole/pkg/metrics"
	"github.com/oriole-im/oriole/xmpp"
)

// Deliverer performs the actual stanza delivery once the table has resolved
// a route.
type Deliverer interface {
	// DeliverLocal hands a stanza to a session hosted on this node.
	DeliverLocal(p *xmpp.Presence) error
	// DeliverToComponent hands a stanza to a connected external component.
	DeliverToComponent(domain string, p *xmpp.Presence) error
	// DeliverToServer sends a stanza to a remote server over S2S.
	DeliverToServer(domain string, p *xmpp.Presence) error
	// ForwardToNode relays a stanza to the cluster node owning the route.
	ForwardToNode(node cluster.NodeID, p *xmpp.Presence) error
}

// Interceptor may veto a stanza before it is routed. Returning false drops
// the stanza.
type Interceptor func(p *xmpp.Presence) bool

// Table resolves JIDs to routes. All route state lives in the replicated
// caches, so every node resolves against the same table.
type Table struct {
	localNode cluster.NodeID

	clientRoutes    *cluster.Cache[cluster.ClientRoute]
	componentRoutes *cluster.Cache[cluster.NodeIDSet]
	serverOut       *cluster.Cache[cluster.NodeID]
	serverIn        *cluster.Cache[cluster.NodeID]

	deliverer Deliverer

	mu           sync.RWMutex
	interceptors []Interceptor
}

func NewTable(localNode cluster.NodeID, caches cluster.Caches, deliverer Deliverer) *Table {
	return &Table{
		localNode:       localNode,
		clientRoutes:    caches.ClientRoutes,
		componentRoutes: caches.ComponentRoutes,
		serverOut:       caches.ServerRoutesOut,
		serverIn:        caches.ServerRoutesIn,
		deliverer:       deliverer,
	}
}

// AddInterceptor installs a routing interceptor.
func (t *Table) AddInterceptor(i Interceptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interceptors = append(t.interceptors, i)
}

// AddClientRoute publishes a client session route owned by this node.
func (t *Table) AddClientRoute(jid xmpp.JID, anonymous bool, priority int, available bool) {
	t.clientRoutes.Put(jid.String(), cluster.ClientRoute{
		Node:      t.localNode,
		Anonymous: anonymous,
		Priority:  priority,
		Available: available,
	})
}

// RemoveClientRoute withdraws a client session route. Removing an absent
// route is a no-op.
func (t *Table) RemoveClientRoute(jid xmpp.JID) {
	t.clientRoutes.Remove(jid.String())
}

// GetClientRoute returns the route record for a full JID.
func (t *Table) GetClientRoute(jid xmpp.JID) (cluster.ClientRoute, bool) {
	return t.clientRoutes.Get(jid.String())
}

// ClientRouteKeys returns all registered full-JID route keys.
func (t *Table) ClientRouteKeys() []string {
	return t.clientRoutes.Keys()
}

// AddComponentRoute records this node as an owner of a component domain.
func (t *Table) AddComponentRoute(domain string) {
	owners, ok := t.componentRoutes.Get(domain)
	if !ok {
		owners = cluster.NewNodeIDSet()
	} else {
		owners = owners.Copy()
	}
	owners[t.localNode] = struct{}{}
	t.componentRoutes.Put(domain, owners)
}

// RemoveComponentRoute removes one node from a component domain's owner
// set, dropping the route entirely when no owners remain.
func (t *Table) RemoveComponentRoute(domain string, node cluster.NodeID) {
	owners, ok := t.componentRoutes.Get(domain)
	if !ok {
		return
	}
	if !owners.Contains(node) {
		return
	}
	owners = owners.Copy()
	delete(owners, node)
	if len(owners) == 0 {
		t.componentRoutes.Remove(domain)
		return
	}
	t.componentRoutes.Put(domain, owners)
}

// HasComponentRoute reports whether the JID's domain is served by a
// connected component.
func (t *Table) HasComponentRoute(jid xmpp.JID) bool {
	_, ok := t.componentRoutes.Get(jid.Domain)
	return ok
}

// AddServerRoute records an outgoing server connection owned by this node.
func (t *Table) AddServerRoute(domain string) {
	t.serverOut.Put(domain, t.localNode)
}

// RemoveServerRoute withdraws a server route, outgoing or incoming.
func (t *Table) RemoveServerRoute(domain string) {
	t.serverOut.Remove(domain)
	t.serverIn.Remove(domain)
}

// HasRoute reports whether any route at all exists for the JID: a client
// session, a component domain, or a server connection.
func (t *Table) HasRoute(jid string) bool {
	if _, ok := t.clientRoutes.Get(jid); ok {
		return true
	}
	parsed, err := xmpp.ParseJID(jid)
	if err != nil {
		return false
	}
	if _, ok := t.componentRoutes.Get(parsed.Domain); ok {
		return true
	}
	if _, ok := t.serverOut.Get(parsed.Domain); ok {
		return true
	}
	_, ok := t.serverIn.Get(parsed.Domain)
	return ok
}

// IsLocalRoute reports whether the JID resolves to this node: a client
// session hosted here, or a component domain this node serves.
func (t *Table) IsLocalRoute(jid string) bool {
	if route, ok := t.clientRoutes.Get(jid); ok {
		return route.Node == t.localNode
	}
	parsed, err := xmpp.ParseJID(jid)
	if err != nil {
		return false
	}
	if owners, ok := t.componentRoutes.Get(parsed.Domain); ok {
		return owners.Contains(t.localNode)
	}
	return false
}

// RoutePacket resolves the stanza's destination and delivers it. Component
// routes win over client routes, and anything unresolved goes out over
// S2S. Delivery failures are logged and swallowed so one bad recipient
// never aborts a fan-out.
func (t *Table) RoutePacket(to xmpp.JID, p *xmpp.Presence, bypassInterceptors bool) {
	if !bypassInterceptors && !t.runInterceptors(p) {
		metrics.StanzasDelivered.WithLabelValues("intercepted").Inc()
		return
	}

	if err := t.route(to, p); err != nil {
		metrics.StanzasDelivered.WithLabelValues("failed").Inc()
		logger.Debugf("failed to route stanza to %s: %v", to, err)
		return
	}
	metrics.StanzasDelivered.WithLabelValues("ok").Inc()
}

func (t *Table) route(to xmpp.JID, p *xmpp.Presence) error {
	if t.HasComponentRoute(to) {
		return t.deliverer.DeliverToComponent(to.Domain, p)
	}

	if route, ok := t.clientRoutes.Get(to.String()); ok {
		if route.Node == t.localNode {
			return t.deliverer.DeliverLocal(p)
		}
		return t.deliverer.ForwardToNode(route.Node, p)
	}

	if node, ok := t.serverOut.Get(to.Domain); ok {
		if node == t.localNode {
			return t.deliverer.DeliverToServer(to.Domain, p)
		}
		return t.deliverer.ForwardToNode(node, p)
	}

	return t.deliverer.DeliverToServer(to.Domain, p)
}

func (t *Table) runInterceptors(p *xmpp.Presence) bool {
	t.mu.RLock()
	interceptors := make([]Interceptor, len(t.interceptors))
	copy(interceptors, t.interceptors)
	t.mu.RUnlock()

	for _, i := range interceptors {
		if !i(p) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer for logging.
func (t *Table) String() string {
	return fmt.Sprintf("routing table (node %s, %d client routes)",
		t.localNode, t.clientRoutes.Len())
}
