package cluster

import (
	"sync"

	"github.com/oriole-im/oriole/pkg/metrics"
)

// Names of the replicated caches. The routing and presence layers write to
// these, and the Listener subscribes to all of them.
const (
	CacheClientRoutes     = "client-routes"
	CacheComponentRoutes  = "component-routes"
	CacheServerRoutesOut  = "server-routes-out"
	CacheServerRoutesIn   = "server-routes-in"
	CacheComponentOrigins = "component-origins"
	CacheMultiplexers     = "multiplexers"
	CacheDirectedPresence = "directed-presence"
)

type cacheOp uint8

const (
	opPut cacheOp = iota
	opRemove
)

// EntryListener observes entry change events on a replicated cache.
type EntryListener[V any] interface {
	EntryInserted(key string, value V)
	EntryUpdated(key string, oldValue, newValue V)
	EntryDeleted(key string, oldValue V)
}

// remoteApplier lets the Manager feed remote events into a cache without
// knowing its value type.
type remoteApplier interface {
	cacheName() string
	applyRemote(op cacheOp, key string, value any)
	snapshot() map[string]any
}

// Cache is a replicated key/value map. Local writes are applied
// immediately, broadcast to the rest of the cluster, and reported to
// registered listeners. Remote writes arrive through the Manager.
type Cache[V any] struct {
	name string

	mu      sync.RWMutex
	entries map[string]V

	listenerMu sync.RWMutex
	listeners  []EntryListener[V]

	// publish broadcasts a local write to the cluster. Nil when running
	// standalone.
	publish func(cache string, op cacheOp, key string, value any)
}

// NewCache creates a standalone cache. Attach it to a Manager to replicate.
func NewCache[V any](name string) *Cache[V] {
	return &Cache[V]{
		name:    name,
		entries: make(map[string]V),
	}
}

// AddListener subscribes a listener to entry events.
func (c *Cache[V]) AddListener(l EntryListener[V]) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Get returns the value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Put stores a value, replicates it, and fires inserted or updated events.
func (c *Cache[V]) Put(key string, value V) {
	c.apply(opPut, key, value, true)
}

// Remove deletes a key, replicates the deletion, and fires a deleted event.
// Removing an absent key is a no-op.
func (c *Cache[V]) Remove(key string) {
	var zero V
	c.apply(opRemove, key, zero, true)
}

// Keys returns a snapshot of the cache's keys.
func (c *Cache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Entries returns a snapshot of the cache's contents.
func (c *Cache[V]) Entries() map[string]V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]V, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	return snapshot
}

// Len returns the number of entries.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// SimulateInserts replays the cache's current contents to a listener as
// insert events. A listener joining an established cluster uses this to
// build its index from scratch.
func (c *Cache[V]) SimulateInserts(l EntryListener[V]) {
	for key, value := range c.Entries() {
		l.EntryInserted(key, value)
	}
}

func (c *Cache[V]) cacheName() string {
	return c.name
}

func (c *Cache[V]) snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]any, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	return snapshot
}

func (c *Cache[V]) applyRemote(op cacheOp, key string, value any) {
	if op == opRemove {
		var zero V
		c.apply(op, key, zero, false)
		return
	}
	v, ok := value.(V)
	if !ok {
		return
	}
	c.apply(op, key, v, false)
}

func (c *Cache[V]) apply(op cacheOp, key string, value V, local bool) {
	c.mu.Lock()
	oldValue, existed := c.entries[key]
	switch op {
	case opPut:
		c.entries[key] = value
	case opRemove:
		if !existed {
			c.mu.Unlock()
			return
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if local && c.publish != nil {
		c.publish(c.name, op, key, value)
	}

	c.listenerMu.RLock()
	listeners := make([]EntryListener[V], len(c.listeners))
	copy(listeners, c.listeners)
	c.listenerMu.RUnlock()

	for _, l := range listeners {
		switch {
		case op == opRemove:
			metrics.ClusterCacheEvents.WithLabelValues(c.name, "deleted").Inc()
			l.EntryDeleted(key, oldValue)
		case existed:
			metrics.ClusterCacheEvents.WithLabelValues(c.name, "updated").Inc()
			l.EntryUpdated(key, oldValue, value)
		default:
			metrics.ClusterCacheEvents.WithLabelValues(c.name, "inserted").Inc()
			l.EntryInserted(key, value)
		}
	}
}
