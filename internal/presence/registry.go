// Package presence tracks which users currently hold a live connection.
// The registry is process-wide, in-memory and intentionally transient:
// reconnecting clients re-register after a restart.
package presence

import (
	"sync"

	"go.uber.org/zap"
)

// Registry maps a user ID to its single live connection ID. A user has at
// most one entry: a later Connect displaces the earlier connection
// (last connect wins), and the displaced connection ID is returned to the
// caller so the transport can close it.
type Registry struct {
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	conns map[string]string

	// onChange is invoked outside the lock after a genuine online/offline
	// transition. Reconnects that merely replace a connection do not fire it.
	onChange func(userID string, online bool)
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		logger: logger,
		conns:  make(map[string]string),
	}
}

// SetOnChange registers the presence-change hook. Must be called before the
// registry starts receiving connection events.
func (r *Registry) SetOnChange(fn func(userID string, online bool)) {
	r.onChange = fn
}

// Connect registers the mapping userID -> connID. If the user already has a
// connection, it is overwritten and the previous connection ID is returned
// with replaced=true.
func (r *Registry) Connect(userID, connID string) (prev string, replaced bool) {
	r.mu.Lock()
	prev, replaced = r.conns[userID]
	r.conns[userID] = connID
	r.mu.Unlock()

	r.logger.Debugw("presence connect", "user_id", userID, "conn_id", connID, "replaced", replaced)

	if !replaced && r.onChange != nil {
		r.onChange(userID, true)
	}
	return prev, replaced
}

// Disconnect removes the mapping for userID, but only if it still points at
// connID: a stale disconnect from a displaced connection must not knock a
// newer connection offline. Idempotent.
func (r *Registry) Disconnect(userID, connID string) bool {
	r.mu.Lock()
	current, ok := r.conns[userID]
	removed := ok && current == connID
	if removed {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	if removed {
		r.logger.Debugw("presence disconnect", "user_id", userID, "conn_id", connID)
		if r.onChange != nil {
			r.onChange(userID, false)
		}
	}
	return removed
}

// IsOnline reports whether the user has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// LookupConnection returns the live connection ID for the user, if any.
func (r *Registry) LookupConnection(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.conns[userID]
	return connID, ok
}

// Snapshot returns a copy of the current userID -> connID mapping.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.conns))
	for u, c := range r.conns {
		out[u] = c
	}
	return out
}
