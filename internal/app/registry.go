package app

import (
	"context"
	"sync"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry is the table of live sessions. It only guards the map; every
// state change goes through the session's own goroutine.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
	rooms    map[core.RoomID]domain.SessionID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]*Session),
		rooms:    make(map[core.RoomID]domain.SessionID),
	}
}

// Spawn starts the single-writer loop for sess and registers it.
func (r *Registry) Spawn(ctx context.Context, sess *domain.Session, deps *Deps) *Session {
	s := newSession(sess, deps, r.remove)

	r.mu.Lock()
	r.sessions[sess.ID] = s
	if sess.RoomID != "" {
		r.rooms[core.RoomID(sess.RoomID)] = sess.ID
	}
	r.mu.Unlock()

	go s.run(ctx)
	log.Info().Str("module", "app.registry").Str("session_id", string(sess.ID)).Str("room", sess.RoomID).Msg("session registered")
	return s
}

func (r *Registry) Get(id domain.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) ByRoom(room core.RoomID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.rooms[room]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// All returns the live sessions at the time of the call.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) remove(id domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	for room, sid := range r.rooms {
		if sid == id {
			delete(r.rooms, room)
		}
	}
	log.Info().Str("module", "app.registry").Str("session_id", string(id)).Str("status", string(s.Snapshot().Status)).Msg("session released")
}
