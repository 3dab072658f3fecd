package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriole-im/oriole/cluster"
	"github.com/oriole-im/oriole/xmpp"
)

type recordingDeliverer struct {
	local      []*xmpp.Presence
	components []string
	servers    []string
	forwarded  []cluster.NodeID
}

func (r *recordingDeliverer) DeliverLocal(p *xmpp.Presence) error {
	r.local = append(r.local, p)
	return nil
}

func (r *recordingDeliverer) DeliverToComponent(domain string, p *xmpp.Presence) error {
	r.components = append(r.components, domain)
	return nil
}

func (r *recordingDeliverer) DeliverToServer(domain string, p *xmpp.Presence) error {
	r.servers = append(r.servers, domain)
	return nil
}

func (r *recordingDeliverer) ForwardToNode(node cluster.NodeID, p *xmpp.Presence) error {
	r.forwarded = append(r.forwarded, node)
	return nil
}

func newTestTable(local cluster.NodeID) (*Table, *recordingDeliverer) {
	caches := cluster.Caches{
		ClientRoutes:     cluster.NewCache[cluster.ClientRoute](cluster.CacheClientRoutes),
		ComponentRoutes:  cluster.NewCache[cluster.NodeIDSet](cluster.CacheComponentRoutes),
		ServerRoutesOut:  cluster.NewCache[cluster.NodeID](cluster.CacheServerRoutesOut),
		ServerRoutesIn:   cluster.NewCache[cluster.NodeID](cluster.CacheServerRoutesIn),
		ComponentOrigins: cluster.NewCache[cluster.NodeID](cluster.CacheComponentOrigins),
		Multiplexers:     cluster.NewCache[cluster.NodeID](cluster.CacheMultiplexers),
		DirectedPresence: cluster.NewCache[[]cluster.DirectedPresence](cluster.CacheDirectedPresence),
	}
	d := &recordingDeliverer{}
	return NewTable(local, caches, d), d
}

func TestRouteToLocalClient(t *testing.T) {
	table, d := newTestTable("node-a")
	jid := xmpp.MustParseJID("alice@example.org/desktop")
	table.AddClientRoute(jid, false, 1, true)

	table.RoutePacket(jid, &xmpp.Presence{To: jid}, false)
	require.Len(t, d.local, 1)
	assert.True(t, table.IsLocalRoute(jid.String()))
}

func TestRouteToRemoteClientForwards(t *testing.T) {
	table, d := newTestTable("node-a")
	jid := xmpp.MustParseJID("bob@example.org/phone")
	table.clientRoutes.Put(jid.String(), cluster.ClientRoute{Node: "node-b"})

	table.RoutePacket(jid, &xmpp.Presence{To: jid}, false)
	assert.Empty(t, d.local)
	assert.Equal(t, []cluster.NodeID{"node-b"}, d.forwarded)
	assert.False(t, table.IsLocalRoute(jid.String()))
}

func TestComponentRouteWinsOverClientRoute(t *testing.T) {
	table, d := newTestTable("node-a")
	jid := xmpp.MustParseJID("room@muc.example.org/nick")
	table.AddComponentRoute("muc.example.org")
	table.AddClientRoute(jid, false, 0, true)

	table.RoutePacket(jid, &xmpp.Presence{To: jid}, false)
	assert.Equal(t, []string{"muc.example.org"}, d.components)
	assert.Empty(t, d.local)
}

func TestUnresolvedRouteGoesToServer(t *testing.T) {
	table, d := newTestTable("node-a")
	jid := xmpp.MustParseJID("carol@remote.example.net")

	table.RoutePacket(jid, &xmpp.Presence{To: jid}, false)
	assert.Equal(t, []string{"remote.example.net"}, d.servers)
}

func TestComponentRouteOwnerSetShrinks(t *testing.T) {
	table, _ := newTestTable("node-a")
	table.AddComponentRoute("muc.example.org")
	table.componentRoutes.Put("muc.example.org", cluster.NewNodeIDSet("node-a", "node-b"))

	table.RemoveComponentRoute("muc.example.org", "node-b")
	owners, ok := table.componentRoutes.Get("muc.example.org")
	require.True(t, ok)
	assert.True(t, owners.Contains("node-a"))
	assert.False(t, owners.Contains("node-b"))

	table.RemoveComponentRoute("muc.example.org", "node-a")
	assert.False(t, table.HasComponentRoute(xmpp.MustParseJID("room@muc.example.org")))

	// Removing from an absent route is a no-op.
	table.RemoveComponentRoute("muc.example.org", "node-a")
}

func TestInterceptorVeto(t *testing.T) {
	table, d := newTestTable("node-a")
	jid := xmpp.MustParseJID("alice@example.org/desktop")
	table.AddClientRoute(jid, false, 0, true)
	table.AddInterceptor(func(p *xmpp.Presence) bool { return false })

	table.RoutePacket(jid, &xmpp.Presence{To: jid}, false)
	assert.Empty(t, d.local)

	table.RoutePacket(jid, &xmpp.Presence{To: jid}, true)
	assert.Len(t, d.local, 1)
}
