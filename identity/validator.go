package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KingInYellow18/medianest/auth/jwt"
)

// DefaultTimeout bounds a single user store lookup.
const DefaultTimeout = 2 * time.Second

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrUserDisabled     = errors.New("user disabled")
	ErrStoreUnavailable = errors.New("user store unavailable")
	// ErrInvalidCredentials covers an unknown username, an account with no
	// local password and a wrong password alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Store loads user records. Lookups return ErrUserNotFound when nothing
// matches; any other error is treated as the store being unavailable.
type Store interface {
	FindByID(ctx context.Context, userID string) (*Record, error)
	FindByUsername(ctx context.Context, username string) (*Record, error)
}

// PasswordVerifier checks a plaintext password against a stored hash.
type PasswordVerifier interface {
	Verify(password, encoded string) (bool, error)
}

// Validator checks that a user exists and may authenticate. It fails
// closed: a store error or timeout denies.
type Validator struct {
	store   Store
	timeout time.Duration
}

// NewValidator returns a Validator over store. A zero timeout uses
// DefaultTimeout; a negative one disables the bound.
func NewValidator(store Store, timeout time.Duration) (*Validator, error) {
	if store == nil {
		return nil, errors.New("user store required")
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Validator{store: store, timeout: timeout}, nil
}

// Validate loads userID and checks it is active and not banned.
func (v *Validator) Validate(ctx context.Context, userID string) (*Record, error) {
	if userID == "" {
		return nil, ErrUserNotFound
	}

	lookupCtx, cancel := v.lookupContext(ctx)
	defer cancel()

	rec, err := v.store.FindByID(lookupCtx, userID)
	switch {
	case errors.Is(err, ErrUserNotFound):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	case rec == nil:
		return nil, ErrUserNotFound
	case !rec.Eligible():
		return nil, ErrUserDisabled
	}
	return rec, nil
}

// CheckPassword loads username and verifies password against its stored
// hash. Eligibility is checked only after the password matched, so a wrong
// password never reveals that an account is disabled.
func (v *Validator) CheckPassword(ctx context.Context, username, password string, verifier PasswordVerifier) (*Record, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	lookupCtx, cancel := v.lookupContext(ctx)
	rec, err := v.store.FindByUsername(lookupCtx, username)
	cancel()
	switch {
	case errors.Is(err, ErrUserNotFound), err == nil && rec == nil:
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	case rec.PasswordHash == "":
		return rec, ErrInvalidCredentials
	}

	ok, err := verifier.Verify(password, rec.PasswordHash)
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !ok {
		return rec, ErrInvalidCredentials
	}
	if !rec.Eligible() {
		return rec, ErrUserDisabled
	}
	return rec, nil
}

// ResolveSubject validates userID and returns its current token claims.
func (v *Validator) ResolveSubject(ctx context.Context, userID string) (jwt.Subject, error) {
	rec, err := v.Validate(ctx, userID)
	if err != nil {
		return jwt.Subject{}, err
	}
	return rec.Subject(), nil
}

func (v *Validator) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.timeout < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, v.timeout)
}
