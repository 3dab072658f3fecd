// Package cluster provides distributed coordination using HashiCorp
// memberlist: membership tracking, senior-member election, and replication
// of the route and presence caches.
package cluster

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/oriole-im/oriole/config"
	"github.com/oriole-im/oriole/logger"
	"github.com/oriole-im/oriole/pkg/metrics"
)

// nodeMeta is carried in each member's memberlist metadata. JoinedAt drives
// senior-member election: the longest-joined member is senior.
type nodeMeta struct {
	ID       string
	JoinedAt int64
}

// cacheEvent is one replicated cache write, gossiped to all members.
type cacheEvent struct {
	Cache  string
	Op     uint8
	Key    string
	Value  any
	Origin string
}

// Manager handles cluster membership, senior-member election, and cache
// event gossip.
type Manager struct {
	config     config.ClusterConfig
	memberlist *memberlist.Memberlist
	delegate   *clusterDelegate
	broadcasts *memberlist.TransmitLimitedQueue

	nodeID   NodeID
	joinedAt int64

	mu       sync.RWMutex
	isSenior bool
	seniorID NodeID

	cacheMu sync.RWMutex
	caches  map[string]remoteApplier

	callbackMu            sync.RWMutex
	memberJoinedCallbacks []func(isLocal bool, node NodeID)
	memberLeftCallbacks   []func(isLocal bool, node NodeID)
	seniorChangeCallbacks []func(isSenior bool, seniorID NodeID)
}

// clusterDelegate implements memberlist.Delegate and
// memberlist.EventDelegate.
type clusterDelegate struct {
	meta    []byte
	manager *Manager
}

// New creates a cluster manager and joins the configured peers.
func New(cfg config.ClusterConfig) (*Manager, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("cluster mode is not enabled")
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname for node ID: %w", err)
		}
		nodeID = hostname
	}

	m := &Manager{
		config:   cfg,
		nodeID:   NodeID(nodeID),
		joinedAt: time.Now().UnixNano(),
		caches:   make(map[string]remoteApplier),
	}

	meta, err := encodeNodeMeta(nodeMeta{ID: nodeID, JoinedAt: m.joinedAt})
	if err != nil {
		return nil, fmt.Errorf("failed to encode node metadata: %w", err)
	}
	m.delegate = &clusterDelegate{meta: meta, manager: m}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.Delegate = m.delegate

	if cfg.SecretKey != "" {
		keyBytes, err := base64.StdEncoding.DecodeString(cfg.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decode cluster secret_key: %w", err)
		}
		if len(keyBytes) != 32 {
			return nil, fmt.Errorf("cluster secret_key must be 32 bytes (got %d bytes)", len(keyBytes))
		}
		mlConfig.SecretKey = keyBytes
		logger.Info("cluster encryption enabled")
	} else {
		logger.Warn("cluster encryption disabled, secret_key not configured")
	}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.memberlist = ml
	// Create fires NotifyJoin for the local node synchronously, which
	// would reach electSenior before m.memberlist is assigned. Install
	// the event delegate only now that the manager is usable; memberlist
	// reads it from the retained config at event time.
	mlConfig.Events = m.delegate

	m.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       ml.NumMembers,
		RetransmitMult: 3,
	}

	// A node must never list itself as a peer.
	filteredPeers := make([]string, 0, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		if peer == nodeID {
			logger.Warnf("ignoring self-reference %q in cluster peers list", peer)
			continue
		}
		filteredPeers = append(filteredPeers, peer)
	}

	if len(filteredPeers) > 0 {
		n, err := ml.Join(filteredPeers)
		if err != nil {
			logger.Warnf("failed to join cluster peers: %v (will retry via gossip)", err)
		} else {
			logger.Infof("joined cluster with %d peers", n)
		}
	}

	m.electSenior()
	logger.Infof("cluster manager started: node_id=%s, bind=%s:%d, peers=%v",
		nodeID, cfg.BindAddr, cfg.BindPort, filteredPeers)
	return m, nil
}

func encodeNodeMeta(meta nodeMeta) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeNodeMeta(data []byte) (nodeMeta, error) {
	var meta nodeMeta
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&meta)
	return meta, err
}

// AttachCache wires a cache into the manager: local writes on the cache are
// gossiped, remote events are applied, and the cache's current contents are
// included in full-state sync with joining nodes.
func AttachCache[V any](m *Manager, c *Cache[V]) {
	m.cacheMu.Lock()
	m.caches[c.name] = c
	m.cacheMu.Unlock()

	c.publish = m.publishCacheEvent
}

func (m *Manager) publishCacheEvent(cache string, op cacheOp, key string, value any) {
	event := cacheEvent{
		Cache:  cache,
		Op:     uint8(op),
		Key:    key,
		Value:  value,
		Origin: m.nodeID.String(),
	}

	var buf bytes.Buffer
	buf.WriteByte('C')
	buf.WriteByte('E')
	if err := gob.NewEncoder(&buf).Encode(&event); err != nil {
		logger.Error("failed to encode cache event", err)
		return
	}

	m.broadcasts.QueueBroadcast(&cacheBroadcast{msg: buf.Bytes()})
}

func (m *Manager) handleCacheEvent(data []byte) {
	var event cacheEvent
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&event); err != nil {
		logger.Error("failed to decode cache event", err)
		return
	}
	if event.Origin == m.nodeID.String() {
		return
	}

	m.cacheMu.RLock()
	applier := m.caches[event.Cache]
	m.cacheMu.RUnlock()
	if applier == nil {
		logger.Debugf("cache event for unknown cache %q dropped", event.Cache)
		return
	}
	applier.applyRemote(cacheOp(event.Op), event.Key, event.Value)
}

// cacheBroadcast adapts one encoded cache event to memberlist's broadcast
// queue.
type cacheBroadcast struct {
	msg []byte
}

func (b *cacheBroadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (b *cacheBroadcast) Message() []byte                       { return b.msg }
func (b *cacheBroadcast) Finished()                             {}

// electSenior recomputes the senior member: longest-joined wins, node ID
// breaks ties. All nodes agree without coordination.
func (m *Manager) electSenior() {
	var members []*memberlist.Node
	if m.memberlist != nil {
		members = m.memberlist.Members()
	}
	metrics.ClusterMembers.Set(float64(len(members)))

	seniorID := m.nodeID
	seniorJoined := m.joinedAt
	for _, member := range members {
		meta, err := decodeNodeMeta(member.Meta)
		if err != nil {
			logger.Debugf("skipping member %s with undecodable metadata", member.Name)
			continue
		}
		if meta.JoinedAt < seniorJoined ||
			(meta.JoinedAt == seniorJoined && meta.ID < seniorID.String()) {
			seniorID = NodeID(meta.ID)
			seniorJoined = meta.JoinedAt
		}
	}

	m.mu.Lock()
	oldSenior := m.seniorID
	oldIsSenior := m.isSenior
	m.seniorID = seniorID
	m.isSenior = seniorID == m.nodeID
	newIsSenior := m.isSenior
	m.mu.Unlock()

	if oldSenior == seniorID && oldIsSenior == newIsSenior {
		return
	}
	logger.Infof("cluster senior member changed: %s -> %s (this node is senior: %v)",
		oldSenior, seniorID, newIsSenior)

	m.callbackMu.RLock()
	callbacks := make([]func(bool, NodeID), len(m.seniorChangeCallbacks))
	copy(callbacks, m.seniorChangeCallbacks)
	m.callbackMu.RUnlock()
	for _, cb := range callbacks {
		cb(newIsSenior, seniorID)
	}
}

// OnMemberJoined registers a callback fired when a node joins.
func (m *Manager) OnMemberJoined(cb func(isLocal bool, node NodeID)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.memberJoinedCallbacks = append(m.memberJoinedCallbacks, cb)
}

// OnMemberLeft registers a callback fired when a node leaves or fails.
func (m *Manager) OnMemberLeft(cb func(isLocal bool, node NodeID)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.memberLeftCallbacks = append(m.memberLeftCallbacks, cb)
}

// OnSeniorChange registers a callback fired when the senior member changes.
func (m *Manager) OnSeniorChange(cb func(isSenior bool, seniorID NodeID)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.seniorChangeCallbacks = append(m.seniorChangeCallbacks, cb)
}

func (m *Manager) notifyMemberJoined(node NodeID) {
	m.callbackMu.RLock()
	callbacks := make([]func(bool, NodeID), len(m.memberJoinedCallbacks))
	copy(callbacks, m.memberJoinedCallbacks)
	m.callbackMu.RUnlock()

	isLocal := node == m.nodeID
	for _, cb := range callbacks {
		cb(isLocal, node)
	}
}

func (m *Manager) notifyMemberLeft(node NodeID) {
	m.callbackMu.RLock()
	callbacks := make([]func(bool, NodeID), len(m.memberLeftCallbacks))
	copy(callbacks, m.memberLeftCallbacks)
	m.callbackMu.RUnlock()

	isLocal := node == m.nodeID
	for _, cb := range callbacks {
		cb(isLocal, node)
	}
}

// LocalNodeID returns this node's ID.
func (m *Manager) LocalNodeID() NodeID {
	return m.nodeID
}

// IsSenior reports whether this node is the senior cluster member.
func (m *Manager) IsSenior() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isSenior
}

// SeniorID returns the current senior member's node ID.
func (m *Manager) SeniorID() NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seniorID
}

// MemberCount returns the number of nodes in the cluster.
func (m *Manager) MemberCount() int {
	return m.memberlist.NumMembers()
}

// MemberInfo describes one cluster member.
type MemberInfo struct {
	ID     NodeID
	Addr   string
	Port   uint16
	Senior bool
}

// Members returns all current cluster members.
func (m *Manager) Members() []MemberInfo {
	seniorID := m.SeniorID()
	members := m.memberlist.Members()
	result := make([]MemberInfo, 0, len(members))
	for _, member := range members {
		id := NodeID(member.Name)
		result = append(result, MemberInfo{
			ID:     id,
			Addr:   member.Addr.String(),
			Port:   member.Port,
			Senior: id == seniorID,
		})
	}
	return result
}

// Shutdown leaves the cluster gracefully. Local-leave callbacks run before
// the leave broadcast so cleanup finishes while remote state is still
// known.
func (m *Manager) Shutdown() error {
	logger.Info("shutting down cluster manager")

	m.notifyMemberLeft(m.nodeID)

	if m.memberlist != nil {
		if err := m.memberlist.Leave(5 * time.Second); err != nil {
			logger.Warnf("error leaving cluster: %v", err)
		}
		if err := m.memberlist.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown memberlist: %w", err)
		}
	}

	logger.Info("cluster manager shutdown complete")
	return nil
}

// memberlist.Delegate implementation

func (d *clusterDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return d.meta[:limit]
	}
	return d.meta
}

func (d *clusterDelegate) NotifyMsg(msg []byte) {
	if len(msg) < 2 {
		return
	}
	if msg[0] == 'C' && msg[1] == 'E' {
		d.manager.handleCacheEvent(msg[2:])
	} else {
		logger.Debugf("received unknown cluster message type: 0x%02x%02x (len=%d)",
			msg[0], msg[1], len(msg))
	}
}

func (d *clusterDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.manager.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState snapshots every attached cache for full-state sync with a
// joining node.
func (d *clusterDelegate) LocalState(join bool) []byte {
	m := d.manager
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	snapshot := make(map[string]map[string]any, len(m.caches))
	for name, applier := range m.caches {
		snapshot[name] = applier.snapshot()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot); err != nil {
		logger.Error("failed to encode cluster state snapshot", err)
		return nil
	}
	return buf.Bytes()
}

func (d *clusterDelegate) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	var snapshot map[string]map[string]any
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&snapshot); err != nil {
		logger.Error("failed to decode cluster state snapshot", err)
		return
	}

	m := d.manager
	for name, entries := range snapshot {
		m.cacheMu.RLock()
		applier := m.caches[name]
		m.cacheMu.RUnlock()
		if applier == nil {
			continue
		}
		for key, value := range entries {
			applier.applyRemote(opPut, key, value)
		}
	}
}

// memberlist.EventDelegate implementation

func (d *clusterDelegate) NotifyJoin(node *memberlist.Node) {
	logger.Infof("cluster member joined: %s (%s:%d)", node.Name, node.Addr, node.Port)
	d.manager.notifyMemberJoined(NodeID(node.Name))
	d.manager.electSenior()
}

func (d *clusterDelegate) NotifyLeave(node *memberlist.Node) {
	logger.Infof("cluster member left: %s (%s:%d)", node.Name, node.Addr, node.Port)
	// Seniority must be recomputed before departure listeners run: when
	// the departed node was the senior, the promoted survivor has to see
	// itself as senior while cleaning up, or the cleanup happens nowhere.
	d.manager.electSenior()
	d.manager.notifyMemberLeft(NodeID(node.Name))
}

func (d *clusterDelegate) NotifyUpdate(node *memberlist.Node) {}
