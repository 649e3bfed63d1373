package stream

import (
	"sort"
	"sync"

	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
)

// Registry is the table of live sessions, indexed by id and by owner. It only
// guards in-memory state and never blocks on I/O.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Session
	byOwner map[string]map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]*Session),
		byOwner: make(map[string]map[string]*Session),
	}
}

// Register adds s. It fails with ErrDuplicateSession if the id is taken.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(s)
}

// RegisterExclusive adds s unless its owner already has a session that is not
// Closed, in which case it fails with ErrSessionAlreadyActive.
func (r *Registry) RegisterExclusive(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.byOwner[s.Owner] {
		if other.live() {
			return rserrors.ErrSessionAlreadyActive
		}
	}
	return r.registerLocked(s)
}

func (r *Registry) registerLocked(s *Session) error {
	if _, ok := r.byID[s.ID]; ok {
		return rserrors.ErrDuplicateSession
	}
	r.byID[s.ID] = s
	owned := r.byOwner[s.Owner]
	if owned == nil {
		owned = make(map[string]*Session)
		r.byOwner[s.Owner] = owned
	}
	owned[s.ID] = s
	return nil
}

// Lookup returns the session with the given id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Remove deletes a session. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if owned := r.byOwner[s.Owner]; owned != nil {
		delete(owned, id)
		if len(owned) == 0 {
			delete(r.byOwner, s.Owner)
		}
	}
}

// ForOwner returns the sessions of one owner, oldest first.
func (r *Registry) ForOwner(owner string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byOwner[owner]))
	for _, s := range r.byOwner[owner] {
		out = append(out, s)
	}
	sortSessions(out)
	return out
}

// List returns every registered session, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	sortSessions(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func sortSessions(sessions []*Session) {
	// session ids are ULIDs, so they sort by creation time
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
}
