// Package registry tracks the live WebSocket connections of the relay and
// enforces idle timeouts.
//
// Membership only: each entry maps one connection ID to the closer of its
// transport. The registry never looks inside a session. The WebSocket handler
// calls Touch on every inbound frame; an idle goroutine per entry closes
// connections that have been silent for longer than the idle timeout.
package registry

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/websoft9/webssh/internal/metrics"
)

// DefaultIdleTimeout applies when New is given a non-positive timeout.
const DefaultIdleTimeout = 30 * time.Minute

// Conn describes one accepted transport connection.
type Conn struct {
	// ID is the connection's unique identifier.
	ID string
	// RemoteAddr is the client address as seen by the HTTP server.
	RemoteAddr string
	// ConnectedAt is the UTC time the connection was accepted.
	ConnectedAt time.Time
	// Closer shuts the transport down. Closing it makes the connection's
	// handler unregister itself.
	Closer io.Closer
}

type entry struct {
	conn    *Conn
	lastMsg time.Time
	done    chan struct{} // closed by Unregister to stop the idle goroutine immediately
}

// Registry is a thread-safe, in-memory set of live connections.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*entry
	idleTimeout time.Duration
	checkEvery  time.Duration
}

// New returns an empty Registry that closes connections idle for idleTimeout.
func New(idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	check := time.Minute
	if idleTimeout < 4*check {
		check = idleTimeout / 4
	}
	return &Registry{
		conns:       make(map[string]*entry),
		idleTimeout: idleTimeout,
		checkEvery:  check,
	}
}

// Register adds a connection and starts idle monitoring for it.
// Registering an ID twice replaces the earlier entry without closing it.
func (r *Registry) Register(c *Conn) {
	done := make(chan struct{})
	r.mu.Lock()
	if old, ok := r.conns[c.ID]; ok {
		close(old.done)
	}
	r.conns[c.ID] = &entry{conn: c, lastMsg: time.Now(), done: done}
	n := len(r.conns)
	r.mu.Unlock()
	metrics.ActiveConnections.Set(float64(n))

	go r.watchIdle(c.ID, done)
}

func (r *Registry) watchIdle(id string, done <-chan struct{}) {
	ticker := time.NewTicker(r.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return // Unregister called; exit immediately
		case <-ticker.C:
			r.mu.RLock()
			e, ok := r.conns[id]
			idle := ok && time.Since(e.lastMsg) >= r.idleTimeout
			r.mu.RUnlock()
			if !ok {
				return
			}
			if idle {
				log.Info().Str("conn_id", id).Dur("idle_timeout", r.idleTimeout).Msg("Closing idle terminal connection")
				// The handler's teardown unregisters the entry.
				_ = e.conn.Closer.Close()
				return
			}
		}
	}
}

// Touch updates the last-activity timestamp for the connection, resetting
// the idle timer.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if e, ok := r.conns[id]; ok {
		e.lastMsg = time.Now()
	}
	r.mu.Unlock()
}

// Unregister removes the connection from the registry. It does NOT close the
// connection itself; the caller is responsible for that.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		close(e.done)
	}
	n := len(r.conns)
	r.mu.Unlock()
	metrics.ActiveConnections.Set(float64(n))
}

// Get returns the connection for id, or (nil, false) when not found.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns a snapshot of all registered connections.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	out := make([]*Conn, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.conn)
	}
	r.mu.RUnlock()
	return out
}

// CloseAll closes every registered connection. Used on shutdown; entries are
// removed by their handlers as they exit.
func (r *Registry) CloseAll() {
	for _, c := range r.All() {
		_ = c.Closer.Close()
	}
}
