package presence

import (
	"github.com/oriole-im/oriole/cluster"
	"github.com/oriole-im/oriole/logger"
)

// RouteChecker answers whether a handler address still has a live route.
type RouteChecker interface {
	IsLocalRoute(jid string) bool
	HasRoute(jid string) bool
}

// DirectedRegistry tracks presences a sender addressed explicitly to
// specific handlers, backed by the replicated directed-presence cache. The
// cache is the source of truth; node-departure cleanup works off the
// cluster listener's derived index, not this registry.
type DirectedRegistry struct {
	localNode cluster.NodeID
	cache     *cluster.Cache[[]cluster.DirectedPresence]
	routes    RouteChecker
}

func NewDirectedRegistry(localNode cluster.NodeID, cache *cluster.Cache[[]cluster.DirectedPresence], routes RouteChecker) *DirectedRegistry {
	return &DirectedRegistry{
		localNode: localNode,
		cache:     cache,
		routes:    routes,
	}
}

// Add records that sender delivered directed presence to receiver through
// handler.
func (r *DirectedRegistry) Add(sender, handler, receiver string) {
	tuples, _ := r.cache.Get(sender)
	updated := make([]cluster.DirectedPresence, 0, len(tuples)+1)

	found := false
	for _, t := range tuples {
		if t.Handler == handler {
			found = true
			if !containsString(t.Receivers, receiver) {
				t.Receivers = append(append([]string(nil), t.Receivers...), receiver)
			}
		}
		updated = append(updated, t)
	}
	if !found {
		updated = append(updated, cluster.DirectedPresence{
			Handler:   handler,
			Node:      r.localNode,
			Receivers: []string{receiver},
		})
	}
	r.cache.Put(sender, updated)
}

// Remove forgets a directed presence from sender to receiver, dropping the
// sender's entry entirely when nothing remains.
func (r *DirectedRegistry) Remove(sender, receiver string) {
	tuples, ok := r.cache.Get(sender)
	if !ok {
		return
	}

	updated := make([]cluster.DirectedPresence, 0, len(tuples))
	for _, t := range tuples {
		remaining := make([]string, 0, len(t.Receivers))
		for _, rcv := range t.Receivers {
			if rcv != receiver {
				remaining = append(remaining, rcv)
			}
		}
		if len(remaining) > 0 {
			t.Receivers = remaining
			updated = append(updated, t)
		}
	}

	if len(updated) == 0 {
		r.cache.Remove(sender)
		return
	}
	r.cache.Put(sender, updated)
}

// RemoveSender forgets every directed presence the sender had outstanding.
func (r *DirectedRegistry) RemoveSender(sender string) {
	r.cache.Remove(sender)
}

// HasDirectPresence reports whether sender addressed directed presence to
// receiver.
func (r *DirectedRegistry) HasDirectPresence(sender, receiver string) bool {
	tuples, ok := r.cache.Get(sender)
	if !ok {
		return false
	}
	for _, t := range tuples {
		if containsString(t.Receivers, receiver) {
			return true
		}
	}
	return false
}

// RemoveExpired purges directed-presence entries whose handler no longer
// has a route. Runs after node-departure route cleanup so "no route" is
// final, not transient.
func (r *DirectedRegistry) RemoveExpired() {
	for sender, tuples := range r.cache.Entries() {
		live := make([]cluster.DirectedPresence, 0, len(tuples))
		for _, t := range tuples {
			if r.routes.HasRoute(t.Handler) {
				live = append(live, t)
			}
		}
		if len(live) == len(tuples) {
			continue
		}
		logger.Debugf("purging %d expired directed presences for %s", len(tuples)-len(live), sender)
		if len(live) == 0 {
			r.cache.Remove(sender)
		} else {
			r.cache.Put(sender, live)
		}
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
