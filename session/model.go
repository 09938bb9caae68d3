package session

import (
	"time"

	"github.com/KingInYellow18/medianest/auth/refresh"
)

// Session is one device's refresh-token session. At most one refresh hash
// is valid per device; the previous one stops matching as soon as a
// rotation commits.
type Session struct {
	// ID is unique per Create; access tokens carry it so they die with
	// the session even if the device later starts a new one.
	ID          string
	DeviceID    string
	UserID      string
	RefreshHash refresh.Hash
	RememberMe  bool
	Revoked     bool

	CreatedAt     int64
	LastRotatedAt int64
	ExpiresAt     int64
	RevokedAt     int64
}

// Expired reports whether the session lifetime has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}

// Active reports whether the session can still be rotated at now.
func (s *Session) Active(now time.Time) bool {
	return !s.Revoked && !s.Expired(now)
}

// TTL returns the lifetime left at now, never negative.
func (s *Session) TTL(now time.Time) time.Duration {
	d := time.Unix(s.ExpiresAt, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// State is the lifecycle state of a device session as seen by the Manager.
type State uint8

const (
	// StateActive sessions accept exactly one rotation with the current hash.
	StateActive State = iota + 1
	// StateRotationInFlight marks a session with a rotation outstanding in this process.
	StateRotationInFlight
	// StateRevoked is terminal.
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRotationInFlight:
		return "rotation_in_flight"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}
