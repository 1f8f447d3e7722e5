package session

import (
	"errors"
	"sync"

	"github.com/satindergrewal/voxmod/internal/audio"
	"github.com/satindergrewal/voxmod/internal/stream"
)

// Registry tracks live sessions by ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcaster resolves a session's monitor feed. It satisfies
// stream.Resolver.
func (r *Registry) Broadcaster(id string) (*stream.Broadcaster, bool) {
	s, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return s.Broadcaster(), true
}

// Clip resolves a synthesized clip. It satisfies stream.ClipResolver.
func (r *Registry) Clip(sessionID, clipID string) (*audio.Clip, bool) {
	s, ok := r.Get(sessionID)
	if !ok {
		return nil, false
	}
	return s.Clip(clipID)
}

// CloseAll closes and forgets every session.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range all {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
