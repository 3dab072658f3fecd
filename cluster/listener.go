package cluster

import (
	"sync"

	"github.com/oriole-im/oriole/logger"
	"github.com/oriole-im/oriole/pkg/metrics"
)

// Membership answers who this node is and whether it is the senior member.
type Membership interface {
	LocalNodeID() NodeID
	IsSenior() bool
}

// RoutingTable is the slice of the routing layer the listener needs for
// departed-node cleanup. All removals are idempotent.
type RoutingTable interface {
	RemoveComponentRoute(domain string, node NodeID)
	RemoveServerRoute(domain string)
	IsLocalRoute(jid string) bool
}

// SessionCleaner tears down sessions that were lost together with their
// node, synthesizing the unavailable presence their contacts expect.
type SessionCleaner interface {
	TerminateRemoteSession(jid string, anonymous bool)
	RemoveComponentSession(jid string)
	RemoveMultiplexerSession(jid string)
}

// PresenceRouter delivers unavailable presence on behalf of entities that
// can no longer speak for themselves.
type PresenceRouter interface {
	SendUnavailable(sender string, receivers []string)
}

// DirectedPresencePurger drops directed-presence entries whose handlers no
// longer have a route.
type DirectedPresencePurger interface {
	RemoveExpired()
}

// Caches bundles the replicated caches the listener observes.
type Caches struct {
	ClientRoutes     *Cache[ClientRoute]
	ComponentRoutes  *Cache[NodeIDSet]
	ServerRoutesOut  *Cache[NodeID]
	ServerRoutesIn   *Cache[NodeID]
	ComponentOrigins *Cache[NodeID]
	Multiplexers     *Cache[NodeID]
	DirectedPresence *Cache[[]DirectedPresence]
}

type inventoryKind int

const (
	invRegisteredSessions inventoryKind = iota
	invAnonymousSessions
	invOutgoingServerSessions
	invIncomingServerSessions
	invComponentRoutes
	invComponentSessions
	invMultiplexerSessions
	numInventories
)

type nodeInventory [numInventories]map[string]struct{}

func newNodeInventory() *nodeInventory {
	var inv nodeInventory
	for i := range inv {
		inv[i] = make(map[string]struct{})
	}
	return &inv
}

// Listener maintains per-node reverse indexes over the replicated caches so
// that a node departure can be cleaned up from local state alone. The
// indexes are derived data: they are rebuildable by replaying the caches
// and are never consulted to answer presence queries.
type Listener struct {
	membership Membership
	routing    RoutingTable
	sessions   SessionCleaner
	presence   PresenceRouter
	purger     DirectedPresencePurger
	caches     Caches

	mu sync.Mutex
	// nodeRoutes holds, per known node, the keys of everything that node
	// owns in each route cache.
	nodeRoutes map[NodeID]*nodeInventory
	// nodePresences holds, per node, the directed presences its entities
	// sent toward locally hosted handlers: sender to receivers.
	nodePresences map[NodeID]map[string][]string

	// done is set once local-leave cleanup has completed. The server must
	// not swap clustered caches for standalone ones before it is set.
	done bool
}

// NewListener builds a listener over the given caches and collaborators.
// Call JoinCluster to subscribe and build the initial index.
func NewListener(membership Membership, routing RoutingTable, sessions SessionCleaner,
	presence PresenceRouter, purger DirectedPresencePurger, caches Caches) *Listener {
	return &Listener{
		membership:    membership,
		routing:       routing,
		sessions:      sessions,
		presence:      presence,
		purger:        purger,
		caches:        caches,
		nodeRoutes:    make(map[NodeID]*nodeInventory),
		nodePresences: make(map[NodeID]map[string][]string),
	}
}

// JoinCluster subscribes the listener to every cache and replays their
// current contents, so a node joining an established cluster starts with a
// complete reverse index.
func (l *Listener) JoinCluster() {
	clientRoutes := &clientRouteListener{l}
	componentRoutes := &componentListener{l}
	directed := &directedPresenceListener{l}
	serverOut := &nodeRouteListener{l, invOutgoingServerSessions}
	serverIn := &nodeRouteListener{l, invIncomingServerSessions}
	componentSessions := &nodeRouteListener{l, invComponentSessions}
	multiplexers := &nodeRouteListener{l, invMultiplexerSessions}

	l.caches.ClientRoutes.AddListener(clientRoutes)
	l.caches.ComponentRoutes.AddListener(componentRoutes)
	l.caches.DirectedPresence.AddListener(directed)
	l.caches.ServerRoutesOut.AddListener(serverOut)
	l.caches.ServerRoutesIn.AddListener(serverIn)
	l.caches.ComponentOrigins.AddListener(componentSessions)
	l.caches.Multiplexers.AddListener(multiplexers)

	l.caches.ClientRoutes.SimulateInserts(clientRoutes)
	l.caches.ComponentRoutes.SimulateInserts(componentRoutes)
	l.caches.DirectedPresence.SimulateInserts(directed)
	l.caches.ServerRoutesOut.SimulateInserts(serverOut)
	l.caches.ServerRoutesIn.SimulateInserts(serverIn)
	l.caches.ComponentOrigins.SimulateInserts(componentSessions)
	l.caches.Multiplexers.SimulateInserts(multiplexers)
}

// Done reports whether local-leave cleanup has completed.
func (l *Listener) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// MemberJoined handles a node joining the cluster. For remote nodes the
// per-node bookkeeping is created up front, so a node that departs before
// gossiping any routes still gets its (empty) cleanup pass.
func (l *Listener) MemberJoined(isLocal bool, node NodeID) {
	if isLocal {
		logger.Infof("joined cluster as node %s", node)
		return
	}
	logger.Infof("cluster node %s joined", node)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.inventory(node)
	if _, ok := l.nodePresences[node]; !ok {
		l.nodePresences[node] = make(map[string][]string)
	}
}

// MemberLeft handles a node leaving the cluster.
//
// When the local node leaves, every other member becomes unreachable from
// this node's perspective: their sessions get unavailable presence
// synthesized and their routes dropped, node by node, before the done flag
// is raised.
//
// When a remote node leaves, directed presences involving it are cleaned up
// on every surviving node, but the full route cleanup runs only on the
// senior member so the cluster produces the unavailable storm exactly once.
func (l *Listener) MemberLeft(isLocal bool, node NodeID) {
	if isLocal {
		l.leaveCluster()
		return
	}

	logger.Infof("cluster node %s left", node)
	l.cleanupDirectedPresences(node)

	if l.membership.IsSenior() {
		l.cleanupNode(node)
		metrics.ClusterNodeCleanups.Inc()
	}

	// Runs last: route removal above must land first so expiry sees the
	// final route table.
	l.purger.RemoveExpired()

	l.forgetNode(node)
}

func (l *Listener) leaveCluster() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	local := l.membership.LocalNodeID()
	nodes := make([]NodeID, 0, len(l.nodeRoutes)+len(l.nodePresences))
	seen := make(map[NodeID]struct{})
	for n := range l.nodeRoutes {
		if n != local {
			nodes = append(nodes, n)
			seen[n] = struct{}{}
		}
	}
	for n := range l.nodePresences {
		if _, dup := seen[n]; !dup && n != local {
			nodes = append(nodes, n)
		}
	}
	l.mu.Unlock()

	logger.Infof("leaving cluster, cleaning up %d remote nodes", len(nodes))
	for _, n := range nodes {
		l.cleanupDirectedPresences(n)
		l.cleanupNode(n)
		l.forgetNode(n)
	}

	l.mu.Lock()
	l.done = true
	l.mu.Unlock()
}

// cleanupDirectedPresences synthesizes unavailable presence for every
// directed presence the departed node's entities had sent to locally hosted
// handlers.
func (l *Listener) cleanupDirectedPresences(node NodeID) {
	l.mu.Lock()
	senders := l.nodePresences[node]
	delete(l.nodePresences, node)
	l.mu.Unlock()

	for sender, receivers := range senders {
		l.presence.SendUnavailable(sender, receivers)
	}
}

// cleanupNode removes everything the departed node owned from the shared
// route and session state. Each item is popped from the index before its
// cleanup side effect runs, so a replayed event cannot re-add it mid-flight.
func (l *Listener) cleanupNode(node NodeID) {
	l.mu.Lock()
	inv, ok := l.nodeRoutes[node]
	if !ok {
		l.mu.Unlock()
		return
	}
	snapshot := newNodeInventory()
	for kind := range inv {
		snapshot[kind], inv[kind] = inv[kind], make(map[string]struct{})
	}
	l.mu.Unlock()

	logger.Infof("cleaning up departed node %s", node)

	for jid := range snapshot[invRegisteredSessions] {
		l.sessions.TerminateRemoteSession(jid, false)
	}
	for jid := range snapshot[invAnonymousSessions] {
		l.sessions.TerminateRemoteSession(jid, true)
	}
	for domain := range snapshot[invOutgoingServerSessions] {
		l.routing.RemoveServerRoute(domain)
	}
	for domain := range snapshot[invIncomingServerSessions] {
		l.routing.RemoveServerRoute(domain)
	}
	for domain := range snapshot[invComponentRoutes] {
		l.routing.RemoveComponentRoute(domain, node)
	}
	for jid := range snapshot[invComponentSessions] {
		l.sessions.RemoveComponentSession(jid)
	}
	for jid := range snapshot[invMultiplexerSessions] {
		l.sessions.RemoveMultiplexerSession(jid)
	}
}

// forgetNode drops the node's bookkeeping. Called only after the node's
// cleanup has completed.
func (l *Listener) forgetNode(node NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodeRoutes, node)
	delete(l.nodePresences, node)
}

func (l *Listener) inventory(node NodeID) *nodeInventory {
	inv, ok := l.nodeRoutes[node]
	if !ok {
		inv = newNodeInventory()
		l.nodeRoutes[node] = inv
	}
	return inv
}

func (l *Listener) addToInventory(node NodeID, kind inventoryKind, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inventory(node)[kind][key] = struct{}{}
}

func (l *Listener) removeFromInventory(node NodeID, kind inventoryKind, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if inv, ok := l.nodeRoutes[node]; ok {
		delete(inv[kind], key)
	}
}

// inventorySize is used by tests and the admin API to inspect the index.
func (l *Listener) inventorySize(node NodeID, kind inventoryKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.nodeRoutes[node]
	if !ok {
		return 0
	}
	return len(inv[kind])
}

// nodeRouteListener handles caches whose value is the owning NodeID
// itself.
type nodeRouteListener struct {
	l    *Listener
	kind inventoryKind
}

func (n *nodeRouteListener) EntryInserted(key string, value NodeID) {
	n.l.addToInventory(value, n.kind, key)
}

func (n *nodeRouteListener) EntryUpdated(key string, oldValue, newValue NodeID) {
	if oldValue != newValue {
		n.l.removeFromInventory(oldValue, n.kind, key)
	}
	n.l.addToInventory(newValue, n.kind, key)
}

func (n *nodeRouteListener) EntryDeleted(key string, oldValue NodeID) {
	n.l.removeFromInventory(oldValue, n.kind, key)
}

// clientRouteListener handles the client route cache, whose value carries
// the owning node as a field and distinguishes registered from anonymous
// sessions.
type clientRouteListener struct {
	l *Listener
}

func sessionKind(route ClientRoute) inventoryKind {
	if route.Anonymous {
		return invAnonymousSessions
	}
	return invRegisteredSessions
}

func (c *clientRouteListener) EntryInserted(key string, value ClientRoute) {
	c.l.addToInventory(value.Node, sessionKind(value), key)
}

func (c *clientRouteListener) EntryUpdated(key string, oldValue, newValue ClientRoute) {
	c.l.removeFromInventory(oldValue.Node, sessionKind(oldValue), key)
	c.l.addToInventory(newValue.Node, sessionKind(newValue), key)
}

func (c *clientRouteListener) EntryDeleted(key string, oldValue ClientRoute) {
	c.l.removeFromInventory(oldValue.Node, sessionKind(oldValue), key)
}

// directedPresenceListener handles the directed presence cache. An entry's
// tuples all originate from the same node, so the owning node is taken from
// the first tuple.
type directedPresenceListener struct {
	l *Listener
}

// localReceivers collects the receivers of tuples whose handler is hosted
// on this node. Only those need cleanup here when the sender's node dies.
func (d *directedPresenceListener) localReceivers(tuples []DirectedPresence) []string {
	var receivers []string
	for _, t := range tuples {
		if d.l.routing.IsLocalRoute(t.Handler) {
			receivers = append(receivers, t.Receivers...)
		}
	}
	return receivers
}

func (d *directedPresenceListener) reconcile(sender string, tuples []DirectedPresence) {
	if len(tuples) == 0 {
		return
	}
	node := tuples[0].Node
	receivers := d.localReceivers(tuples)

	d.l.mu.Lock()
	defer d.l.mu.Unlock()
	if len(receivers) == 0 {
		if senders, ok := d.l.nodePresences[node]; ok {
			delete(senders, sender)
		}
		return
	}
	senders, ok := d.l.nodePresences[node]
	if !ok {
		senders = make(map[string][]string)
		d.l.nodePresences[node] = senders
	}
	senders[sender] = receivers
}

func (d *directedPresenceListener) EntryInserted(key string, value []DirectedPresence) {
	d.reconcile(key, value)
}

func (d *directedPresenceListener) EntryUpdated(key string, oldValue, newValue []DirectedPresence) {
	d.reconcile(key, newValue)
}

func (d *directedPresenceListener) EntryDeleted(key string, oldValue []DirectedPresence) {
	// Guard against replayed deletes whose old value was already empty.
	if len(oldValue) == 0 {
		return
	}
	node := oldValue[0].Node

	d.l.mu.Lock()
	defer d.l.mu.Unlock()
	if senders, ok := d.l.nodePresences[node]; ok {
		delete(senders, key)
	}
}

// componentListener handles the component route cache, whose value is the
// set of nodes serving a component domain. The local node's own writes are
// not indexed: they are not foreign state to clean up on a remote
// departure.
type componentListener struct {
	l *Listener
}

func (c *componentListener) addOwners(domain string, owners NodeIDSet) {
	local := c.l.membership.LocalNodeID()
	for node := range owners {
		if node == local {
			continue
		}
		c.l.addToInventory(node, invComponentRoutes, domain)
	}
}

func (c *componentListener) EntryInserted(key string, value NodeIDSet) {
	c.addOwners(key, value)
}

func (c *componentListener) EntryUpdated(key string, oldValue, newValue NodeIDSet) {
	// Ownership may have moved between nodes: clear the domain from every
	// node's index, then rebuild from the new owner set.
	c.l.mu.Lock()
	for _, inv := range c.l.nodeRoutes {
		delete(inv[invComponentRoutes], key)
	}
	c.l.mu.Unlock()

	c.addOwners(key, newValue)
}

func (c *componentListener) EntryDeleted(key string, oldValue NodeIDSet) {
	local := c.l.membership.LocalNodeID()
	for node := range oldValue {
		if node == local {
			continue
		}
		c.l.removeFromInventory(node, invComponentRoutes, key)
	}
}
