package cluster

import "encoding/gob"

func init() {
	gob.Register(NodeID(""))
	gob.Register(ClientRoute{})
	gob.Register([]DirectedPresence(nil))
	gob.Register(NodeIDSet(nil))
}

// ClientRoute is the replicated route record of one client session.
type ClientRoute struct {
	Node      NodeID
	Anonymous bool
	Priority  int
	Available bool
}

// DirectedPresence records presence a sender addressed explicitly to a
// handler on a specific node, with the receiver addresses the handler
// forwards to. One cache entry holds all tuples for one sender, and all
// tuples of an entry originate from the same node.
type DirectedPresence struct {
	Handler   string
	Node      NodeID
	Receivers []string
}

// NodeIDSet is the owner set of a component route. A component domain may
// be served redundantly from several nodes.
type NodeIDSet map[NodeID]struct{}

// NewNodeIDSet builds a set from the given nodes.
func NewNodeIDSet(nodes ...NodeID) NodeIDSet {
	s := make(NodeIDSet, len(nodes))
	for _, n := range nodes {
		s[n] = struct{}{}
	}
	return s
}

// Contains reports set membership.
func (s NodeIDSet) Contains(n NodeID) bool {
	_, ok := s[n]
	return ok
}

// Copy returns an independent copy of the set.
func (s NodeIDSet) Copy() NodeIDSet {
	c := make(NodeIDSet, len(s))
	for n := range s {
		c[n] = struct{}{}
	}
	return c
}
