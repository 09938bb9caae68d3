package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KingInYellow18/medianest/auth/refresh"
)

var (
	// ErrSessionNotFound is returned when no session exists for a device.
	ErrSessionNotFound = errors.New("device session not found")
	// ErrSessionExpired is returned when a session's lifetime has elapsed.
	ErrSessionExpired = errors.New("device session expired")
	// ErrSessionRevoked is returned for any rotation against a revoked session.
	ErrSessionRevoked = errors.New("device session revoked")
	// ErrHashMismatch is returned when the presented refresh hash is not the current one.
	ErrHashMismatch = errors.New("refresh hash mismatch")
	// ErrSessionCorrupt is returned when a stored record cannot be decoded.
	ErrSessionCorrupt = errors.New("device session corrupt")
	// ErrStoreUnavailable wraps backend failures and timeouts.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// ConflictError reports a compare-and-swap rejected because the session
// was revoked or the presented hash was stale. Err is ErrSessionRevoked
// or ErrHashMismatch. On ErrHashMismatch the store has already marked the
// session revoked in the same atomic step.
type ConflictError struct {
	Err      error
	DeviceID string
	UserID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("device %s: %v", e.DeviceID, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// Store persists device sessions. Implementations must make
// CompareAndSwapHash atomic with respect to every other call on the same
// device: of any set of concurrent swaps presenting the same hash, exactly
// one succeeds.
type Store interface {
	// Create stores s, replacing any existing session for s.DeviceID.
	Create(ctx context.Context, s *Session) error
	// Get returns the stored record, revoked or not. Missing and
	// backend-expired records return ErrSessionNotFound.
	Get(ctx context.Context, deviceID string) (*Session, error)
	// CompareAndSwapHash replaces expected with next if expected is current
	// and the session is active at now. A stale hash revokes the session.
	CompareAndSwapHash(ctx context.Context, deviceID string, expected, next refresh.Hash, now time.Time) (*Session, error)
	// Revoke marks the session revoked. Revoking a missing session returns
	// (nil, nil); revoking a revoked session returns it unchanged.
	Revoke(ctx context.Context, deviceID string, now time.Time) (*Session, error)
	// RevokeAllForUser revokes every active session of userID and returns
	// how many changed state.
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int, error)
}
