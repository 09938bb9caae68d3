package session

import (
	"context"
	"sync"
	"time"

	"github.com/KingInYellow18/medianest/auth/refresh"
)

// MemoryStore is a mutex-guarded Store for tests and single-process tools.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.DeviceID] = s.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, deviceID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) CompareAndSwapHash(_ context.Context, deviceID string, expected, next refresh.Hash, now time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[deviceID]
	switch {
	case !ok:
		return nil, ErrSessionNotFound
	case s.Revoked:
		return nil, &ConflictError{Err: ErrSessionRevoked, DeviceID: deviceID, UserID: s.UserID}
	case s.Expired(now):
		return nil, ErrSessionExpired
	case !s.RefreshHash.Equal(expected):
		s.Revoked = true
		s.RevokedAt = now.Unix()
		return nil, &ConflictError{Err: ErrHashMismatch, DeviceID: deviceID, UserID: s.UserID}
	}

	s.RefreshHash = next
	s.LastRotatedAt = now.Unix()
	return s.clone(), nil
}

func (m *MemoryStore) Revoke(_ context.Context, deviceID string, now time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	if !ok {
		return nil, nil
	}
	if !s.Revoked {
		s.Revoked = true
		s.RevokedAt = now.Unix()
	}
	return s.clone(), nil
}

func (m *MemoryStore) RevokeAllForUser(_ context.Context, userID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID != userID || s.Revoked || s.Expired(now) {
			continue
		}
		s.Revoked = true
		s.RevokedAt = now.Unix()
		n++
	}
	return n, nil
}
