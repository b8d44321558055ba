// Package store holds the SessionStore and IdempotencyStore adapters.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
)

var ErrExists = errors.New("session already exists")

// Memory keeps documents in process. It backs tests and the dev profile.
type Memory struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.Session
	keys     map[string]domain.SessionID
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[domain.SessionID]*domain.Session),
		keys:     make(map[string]domain.SessionID),
	}
}

func (m *Memory) Create(ctx context.Context, s *domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrExists
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) FindByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) FindByIDAndUpdate(ctx context.Context, id domain.SessionID, u core.SessionUpdate) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	u.Apply(s, time.Now().UTC())
	return s.Clone(), nil
}

func (m *Memory) Claim(ctx context.Context, key string, id domain.SessionID) (domain.SessionID, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.keys[key]; ok {
		return existing, false, nil
	}
	m.keys[key] = id
	return id, true, nil
}

func (m *Memory) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}
