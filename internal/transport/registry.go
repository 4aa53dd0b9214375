package transport

import (
	"sync"

	"github.com/swarmctl/swarmctl/internal/metrics"
)

// Registry tracks live connections for one channel, keyed by routing
// identity. It is safe for concurrent use: the channel's own event loop
// only ever reads from it, while arbitrary goroutines accepting new
// connections write to it.
type Registry struct {
	channel string

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry returns an empty registry for the named channel (used as the
// "channel" label on the controller_connections_active gauge).
func NewRegistry(channel string) *Registry {
	return &Registry{channel: channel, conns: make(map[string]*Conn)}
}

// Register adds or replaces the connection for identity.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.conns[c.Identity]
	r.conns[c.Identity] = c
	if !existed {
		metrics.ConnectionsActive.WithLabelValues(r.channel).Inc()
	}
}

// Unregister removes identity's connection only if conn is still the
// registered one, so a stale connection's deferred cleanup can't evict a
// newer replacement. Reports whether it removed anything.
func (r *Registry) Unregister(identity string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[identity] == conn {
		delete(r.conns, identity)
		metrics.ConnectionsActive.WithLabelValues(r.channel).Dec()
		return true
	}
	return false
}

// Get returns identity's connection, or nil if not connected.
func (r *Registry) Get(identity string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[identity]
}

// IsOnline reports whether identity currently has a live connection.
func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[identity]
	return ok
}

// Identities returns every currently connected identity.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// Broadcast sends frames to every registered connection, collecting
// per-identity errors without aborting on the first failure — used by the
// controller's heartbeat broadcaster for each beacon. Notification events
// are not sent through it: the Hub's Sender sends them one identity at a
// time.
func (r *Registry) Broadcast(send func(*Conn) error) map[string]error {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	errs := make(map[string]error)
	for _, c := range conns {
		if err := send(c); err != nil {
			errs[c.Identity] = err
		}
	}
	return errs
}
