package identity

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]Record
}

func NewMemoryStore(records ...Record) *MemoryStore {
	m := &MemoryStore{users: make(map[string]Record, len(records))}
	for _, r := range records {
		m.users[r.ID] = r
	}
	return m
}

func (m *MemoryStore) FindByID(_ context.Context, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &r, nil
}

func (m *MemoryStore) FindByUsername(_ context.Context, username string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.users {
		if strings.EqualFold(r.Username, username) {
			return &r, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemoryStore) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	m.users[rec.ID] = *rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SetActive(_ context.Context, userID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	r.Active = active
	m.users[userID] = r
	return nil
}

func (m *MemoryStore) Delete(userID string) {
	m.mu.Lock()
	delete(m.users, userID)
	m.mu.Unlock()
}
