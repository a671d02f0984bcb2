// Package registry tracks live authenticated sessions and derives the
// online set from them.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/parley-chat/parley/internal/wire"
)

// Session is the transport surface the registry tracks. Push must be safe
// for concurrent use and must fail fast once the session is torn down.
type Session interface {
	ID() string
	Identity() string
	Push(frame *wire.Frame) error
}

var ErrInvalidSession = errors.New("session id and identity are required")

// Registry maps identity -> set of live sessions. Multiple concurrent
// sessions per identity are allowed; all of them receive messages addressed
// to that identity. All operations are linearizable under one lock.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]map[string]Session
	limit      int
}

// New creates a registry with an optional per-identity session limit; zero
// means unbounded.
func New(limit int) *Registry {
	return &Registry{
		byIdentity: make(map[string]map[string]Session),
		limit:      limit,
	}
}

// Register binds a session to its identity. It reports whether the identity
// just transitioned from offline to online.
func (r *Registry) Register(s Session) (online bool, err error) {
	if s == nil || s.ID() == "" || s.Identity() == "" {
		return false, ErrInvalidSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byIdentity[s.Identity()]
	if !ok {
		set = make(map[string]Session)
		r.byIdentity[s.Identity()] = set
	}
	if _, exists := set[s.ID()]; exists {
		return false, errors.New("session already registered")
	}
	if r.limit > 0 && len(set) >= r.limit {
		return false, errors.New("identity session limit reached")
	}
	set[s.ID()] = s
	return len(set) == 1, nil
}

// Deregister removes a session. It reports whether the identity went
// offline (last live session removed). Removal and the offline decision are
// atomic with respect to lookups, so a concurrent fan-out never targets a
// deregistered session.
func (r *Registry) Deregister(s Session) (offline bool) {
	if s == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byIdentity[s.Identity()]
	if !ok {
		return false
	}
	if _, exists := set[s.ID()]; !exists {
		return false
	}
	delete(set, s.ID())
	if len(set) == 0 {
		delete(r.byIdentity, s.Identity())
		return true
	}
	return false
}

// SessionsFor returns the live sessions bound to an identity, possibly none.
func (r *Registry) SessionsFor(identityID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byIdentity[identityID]
	out := make([]Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Sessions returns every live session across all identities.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Session
	for _, set := range r.byIdentity {
		for _, s := range set {
			out = append(out, s)
		}
	}
	return out
}

// OnlineIdentities returns the sorted set of identities holding at least one
// live session.
func (r *Registry) OnlineIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Online reports whether the identity currently holds a live session.
func (r *Registry) Online(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID]) > 0
}
