package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KingInYellow18/medianest/auth/identity"
	"github.com/KingInYellow18/medianest/auth/jwt"
	"github.com/KingInYellow18/medianest/auth/refresh"
)

const (
	DefaultLifetime           = 7 * 24 * time.Hour
	DefaultRememberMeLifetime = 30 * 24 * time.Hour
	DefaultStoreTimeout       = 2 * time.Second
)

var (
	// ErrReuseDetected matches every *ReuseError.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrMalformedToken is returned when the presented refresh token is not
	// well formed. No session is touched.
	ErrMalformedToken = errors.New("malformed refresh token")
)

// ReuseError is returned when a rotation presents a stale refresh token or
// targets a revoked session. For a stale token the device session has
// already been revoked by the store and the manager has tried to revoke
// every other session of the user; RevokeErr records a failure of that
// second step.
type ReuseError struct {
	DeviceID  string
	UserID    string
	Revoked   int
	Cause     error
	RevokeErr error
}

func (e *ReuseError) Error() string {
	return fmt.Sprintf("%s: device %s: %v", ErrReuseDetected, e.DeviceID, e.Cause)
}

func (e *ReuseError) Is(target error) bool {
	return target == ErrReuseDetected
}

func (e *ReuseError) Unwrap() error {
	return e.Cause
}

// RotateError wraps a rotation failure other than reuse with the owner of
// the device session, when the session could be read.
type RotateError struct {
	UserID string
	Err    error
}

func (e *RotateError) Error() string {
	return e.Err.Error()
}

func (e *RotateError) Unwrap() error {
	return e.Err
}

// SubjectResolver supplies current user claims when a token is minted.
// Its errors are returned to the caller unchanged.
type SubjectResolver interface {
	ResolveSubject(ctx context.Context, userID string) (jwt.Subject, error)
}

// Config controls session lifetimes and the bound on each store call.
type Config struct {
	Lifetime           time.Duration
	RememberMeLifetime time.Duration
	StoreTimeout       time.Duration
}

// Pair is what a client receives from Create or Rotate.
type Pair struct {
	AccessToken  string
	RefreshToken string
	Access       *jwt.Claims
	Session      *Session
}

// Manager owns the device session lifecycle:
//
//	Create -> Active --rotate(current)--> Active
//	Active --rotate(stale)--> Revoked (and every session of the user)
//	Active --revoke--> Revoked
//
// Revoked is terminal. StateRotationInFlight is reported while this
// process has a swap outstanding for the device; it never short-circuits
// the store, which alone decides the winner of a race.
type Manager struct {
	store    Store
	tokens   *jwt.Manager
	resolver SubjectResolver
	cfg      Config

	mu       sync.Mutex
	inflight map[string]int
}

// NewManager wires a Manager. resolver may be nil, in which case tokens
// carry only the user id.
func NewManager(store Store, tokens *jwt.Manager, resolver SubjectResolver, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store required")
	}
	if tokens == nil {
		return nil, errors.New("token manager required")
	}
	if cfg.Lifetime == 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.RememberMeLifetime == 0 {
		cfg.RememberMeLifetime = DefaultRememberMeLifetime
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Lifetime < time.Second || cfg.RememberMeLifetime < time.Second || cfg.StoreTimeout < 0 {
		return nil, errors.New("invalid session configuration")
	}

	return &Manager{
		store:    store,
		tokens:   tokens,
		resolver: resolver,
		cfg:      cfg,
		inflight: make(map[string]int),
	}, nil
}

// Create starts a session for userID on deviceID, replacing any session
// the device already had, and returns its first token pair.
func (m *Manager) Create(ctx context.Context, userID, deviceID string, rememberMe bool) (Pair, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(deviceID) == "" {
		return Pair{}, errors.New("user id and device id are required")
	}

	sub, err := m.resolveSubject(ctx, userID)
	if err != nil {
		return Pair{}, err
	}

	secret, err := refresh.NewSecret()
	if err != nil {
		return Pair{}, err
	}

	now := m.tokens.Now()
	lifetime := m.cfg.Lifetime
	if rememberMe {
		lifetime = m.cfg.RememberMeLifetime
	}
	sess := &Session{
		ID:            uuid.NewString(),
		DeviceID:      deviceID,
		UserID:        userID,
		RefreshHash:   secret.Hash(),
		RememberMe:    rememberMe,
		CreatedAt:     now.Unix(),
		LastRotatedAt: now.Unix(),
		ExpiresAt:     now.Add(lifetime).Unix(),
	}

	storeCtx, cancel := m.storeContext(ctx)
	err = m.store.Create(storeCtx, sess)
	cancel()
	if err != nil {
		return Pair{}, storeError(err)
	}

	return m.issuePair(sub, sess, secret)
}

// Rotate exchanges presented for a new pair. Exactly one of any set of
// concurrent rotations with the same token succeeds; the rest see a
// *ReuseError. A resolver error before the swap leaves the session as it
// was. After a committed swap the device is revoked only when its user is
// gone or disabled.
func (m *Manager) Rotate(ctx context.Context, deviceID, presented string) (Pair, error) {
	presentedHash, err := refresh.HashToken(presented)
	if err != nil {
		return Pair{}, ErrMalformedToken
	}
	secret, err := refresh.NewSecret()
	if err != nil {
		return Pair{}, err
	}

	m.beginRotation(deviceID)
	defer m.endRotation(deviceID)

	// Resolve before the swap so a failed lookup leaves the presented
	// token valid for a retry.
	current, err := m.Get(ctx, deviceID)
	if err != nil {
		return Pair{}, err
	}
	var sub jwt.Subject
	if current.Active(m.tokens.Now()) {
		if sub, err = m.resolveSubject(ctx, current.UserID); err != nil {
			return Pair{}, &RotateError{UserID: current.UserID, Err: err}
		}
	}

	now := m.tokens.Now()
	storeCtx, cancel := m.storeContext(ctx)
	sess, err := m.store.CompareAndSwapHash(storeCtx, deviceID, presentedHash, secret.Hash(), now)
	cancel()
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return Pair{}, m.reuse(ctx, conflict, now)
		}
		return Pair{}, &RotateError{UserID: current.UserID, Err: storeError(err)}
	}

	if sub.UserID != sess.UserID {
		// The device was handed to another user between the read and the
		// swap.
		sub, err = m.resolveSubject(ctx, sess.UserID)
		if err != nil {
			if errors.Is(err, identity.ErrUserDisabled) || errors.Is(err, identity.ErrUserNotFound) {
				_, _ = m.Revoke(ctx, deviceID)
			}
			return Pair{}, &RotateError{UserID: sess.UserID, Err: err}
		}
	}

	return m.issuePair(sub, sess, secret)
}

// Get returns the stored session for deviceID.
func (m *Manager) Get(ctx context.Context, deviceID string) (*Session, error) {
	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	sess, err := m.store.Get(storeCtx, deviceID)
	if err != nil {
		return nil, storeError(err)
	}
	return sess, nil
}

// State reports the lifecycle state of deviceID.
func (m *Manager) State(ctx context.Context, deviceID string) (State, error) {
	sess, err := m.Get(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	if sess.Revoked {
		return StateRevoked, nil
	}
	if sess.Expired(m.tokens.Now()) {
		return 0, ErrSessionExpired
	}
	if m.rotating(deviceID) {
		return StateRotationInFlight, nil
	}
	return StateActive, nil
}

// Revoke ends the session on deviceID. It returns the revoked session, or
// nil when the device had none.
func (m *Manager) Revoke(ctx context.Context, deviceID string) (*Session, error) {
	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	sess, err := m.store.Revoke(storeCtx, deviceID, m.tokens.Now())
	if err != nil {
		return nil, storeError(err)
	}
	return sess, nil
}

// RevokeAll ends every active session of userID.
func (m *Manager) RevokeAll(ctx context.Context, userID string) (int, error) {
	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	n, err := m.store.RevokeAllForUser(storeCtx, userID, m.tokens.Now())
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

func (m *Manager) reuse(ctx context.Context, conflict *ConflictError, now time.Time) error {
	reuse := &ReuseError{
		DeviceID: conflict.DeviceID,
		UserID:   conflict.UserID,
		Cause:    conflict.Err,
	}
	if !errors.Is(conflict.Err, ErrHashMismatch) || conflict.UserID == "" {
		return reuse
	}

	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	n, err := m.store.RevokeAllForUser(storeCtx, conflict.UserID, now)
	reuse.Revoked = n
	if err != nil {
		reuse.RevokeErr = storeError(err)
	}
	return reuse
}

func (m *Manager) issuePair(sub jwt.Subject, sess *Session, secret refresh.Secret) (Pair, error) {
	access, claims, err := m.tokens.Issue(sub, sess.DeviceID, sess.RememberMe, jwt.WithSessionID(sess.ID))
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:  access,
		RefreshToken: secret.String(),
		Access:       claims,
		Session:      sess,
	}, nil
}

func (m *Manager) resolveSubject(ctx context.Context, userID string) (jwt.Subject, error) {
	if m.resolver == nil {
		return jwt.Subject{UserID: userID}, nil
	}
	sub, err := m.resolver.ResolveSubject(ctx, userID)
	if err != nil {
		return jwt.Subject{}, err
	}
	sub.UserID = userID
	return sub, nil
}

func (m *Manager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

func (m *Manager) beginRotation(deviceID string) {
	m.mu.Lock()
	m.inflight[deviceID]++
	m.mu.Unlock()
}

func (m *Manager) endRotation(deviceID string) {
	m.mu.Lock()
	if m.inflight[deviceID] <= 1 {
		delete(m.inflight, deviceID)
	} else {
		m.inflight[deviceID]--
	}
	m.mu.Unlock()
}

func (m *Manager) rotating(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[deviceID] > 0
}

// storeError keeps the store's own sentinels and folds anything else,
// context expiry included, into ErrStoreUnavailable.
func storeError(err error) error {
	if isSessionError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
