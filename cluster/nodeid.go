package cluster

// NodeID identifies a cluster node. It is a value type with structural
// equality, usable directly as a map key.
type NodeID string

// NodeIDFromBytes builds a NodeID from its wire representation.
func NodeIDFromBytes(b []byte) NodeID {
	return NodeID(b)
}

func (n NodeID) Bytes() []byte {
	return []byte(n)
}

func (n NodeID) String() string {
	return string(n)
}

// IsZero reports whether the NodeID is unset.
func (n NodeID) IsZero() bool {
	return n == ""
}
