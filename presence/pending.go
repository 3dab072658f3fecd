package presence

import (
	"sync"

	"github.com/oriole-im/oriole/xmpp"
)

// pendingProbe is a probe held back because its target component is
// configured but not yet connected.
type pendingProbe struct {
	Prober xmpp.JID
	Probee xmpp.JID
}

// pendingProbeRegistry queues probes per component domain until the
// component comes online and can answer them retroactively.
type pendingProbeRegistry struct {
	mu     sync.Mutex
	probes map[string][]pendingProbe // keyed by component domain
}

func newPendingProbeRegistry() *pendingProbeRegistry {
	return &pendingProbeRegistry{probes: make(map[string][]pendingProbe)}
}

func (r *pendingProbeRegistry) register(prober, probee xmpp.JID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.probes[probee.Domain] {
		if p.Prober.Equal(prober) && p.Probee.Equal(probee) {
			return
		}
	}
	r.probes[probee.Domain] = append(r.probes[probee.Domain], pendingProbe{
		Prober: prober,
		Probee: probee,
	})
}

// take removes and returns all probes queued for a component domain.
func (r *pendingProbeRegistry) take(domain string) []pendingProbe {
	r.mu.Lock()
	defer r.mu.Unlock()
	probes := r.probes[domain]
	delete(r.probes, domain)
	return probes
}

func (r *pendingProbeRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, probes := range r.probes {
		total += len(probes)
	}
	return total
}
