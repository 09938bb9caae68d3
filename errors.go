package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/KingInYellow18/medianest/auth/identity"
	"github.com/KingInYellow18/medianest/auth/jwt"
	"github.com/KingInYellow18/medianest/auth/session"
)

// PublicMessage is the only text a denied caller should ever see.
const PublicMessage = "not authenticated"

// Reason is the stable machine-readable code of a denial. It is what audit
// events and logs carry.
type Reason string

const (
	ReasonTokenExpired          Reason = "token_expired"
	ReasonTokenInvalid          Reason = "token_invalid"
	ReasonTokenReuseDetected    Reason = "token_reuse_detected"
	ReasonUserNotFound          Reason = "user_not_found"
	ReasonUserDisabled          Reason = "user_disabled"
	ReasonRepositoryUnavailable Reason = "repository_unavailable"
	ReasonInvalidCredentials    Reason = "invalid_credentials"
	ReasonLoginLocked           Reason = "login_locked"
)

var (
	// ErrTokenExpired matches every *TokenExpiredError.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid matches every *TokenInvalidError.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenReuseDetected matches every *TokenReuseError.
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
	// ErrUserNotFound matches every *UserNotFoundError.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserDisabled matches every *UserDisabledError.
	ErrUserDisabled = errors.New("user disabled")
	// ErrRepositoryUnavailable matches every *RepositoryUnavailableError.
	ErrRepositoryUnavailable = errors.New("repository unavailable")
	// ErrInvalidCredentials matches every *InvalidCredentialsError.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrLoginLocked matches every *LoginLockedError.
	ErrLoginLocked = errors.New("too many failed logins")
)

// TokenExpiredError reports a well-signed token, or a session, past its
// expiry. ExpiredAt is zero when the expiry is not known.
type TokenExpiredError struct {
	ExpiredAt time.Time
}

func (e *TokenExpiredError) Error() string {
	if e.ExpiredAt.IsZero() {
		return ErrTokenExpired.Error()
	}
	return fmt.Sprintf("%s at %s", ErrTokenExpired, e.ExpiredAt.UTC().Format(time.RFC3339))
}

func (e *TokenExpiredError) Is(target error) bool { return target == ErrTokenExpired }
func (e *TokenExpiredError) Reason() Reason       { return ReasonTokenExpired }

// TokenInvalidError covers bad signatures, malformed input, wrong issuer
// or audience, and tokens whose device session no longer exists.
type TokenInvalidError struct {
	Cause error
}

func (e *TokenInvalidError) Error() string {
	if e.Cause == nil {
		return ErrTokenInvalid.Error()
	}
	return fmt.Sprintf("%s: %v", ErrTokenInvalid, e.Cause)
}

func (e *TokenInvalidError) Is(target error) bool { return target == ErrTokenInvalid }
func (e *TokenInvalidError) Unwrap() error        { return e.Cause }
func (e *TokenInvalidError) Reason() Reason       { return ReasonTokenInvalid }

// TokenReuseError reports a stale or revoked refresh token being presented.
// By the time it is returned the user's sessions have been revoked.
type TokenReuseError struct {
	DeviceID string
	UserID   string
}

func (e *TokenReuseError) Error() string {
	return fmt.Sprintf("%s on device %s", ErrTokenReuseDetected, e.DeviceID)
}

func (e *TokenReuseError) Is(target error) bool { return target == ErrTokenReuseDetected }
func (e *TokenReuseError) Reason() Reason       { return ReasonTokenReuseDetected }

type UserNotFoundError struct {
	UserID string
}

func (e *UserNotFoundError) Error() string        { return ErrUserNotFound.Error() }
func (e *UserNotFoundError) Is(target error) bool { return target == ErrUserNotFound }
func (e *UserNotFoundError) Reason() Reason       { return ReasonUserNotFound }

type UserDisabledError struct {
	UserID string
}

func (e *UserDisabledError) Error() string        { return ErrUserDisabled.Error() }
func (e *UserDisabledError) Is(target error) bool { return target == ErrUserDisabled }
func (e *UserDisabledError) Reason() Reason       { return ReasonUserDisabled }

// RepositoryUnavailableError reports that a session or user store could not
// answer in time. Security decisions fail closed on it.
type RepositoryUnavailableError struct {
	Op    string
	Cause error
}

func (e *RepositoryUnavailableError) Error() string {
	return fmt.Sprintf("%s during %s: %v", ErrRepositoryUnavailable, e.Op, e.Cause)
}

func (e *RepositoryUnavailableError) Is(target error) bool { return target == ErrRepositoryUnavailable }
func (e *RepositoryUnavailableError) Unwrap() error        { return e.Cause }
func (e *RepositoryUnavailableError) Reason() Reason       { return ReasonRepositoryUnavailable }

// InvalidCredentialsError is the one answer to a bad username or password.
type InvalidCredentialsError struct {
	Username string
}

func (e *InvalidCredentialsError) Error() string        { return ErrInvalidCredentials.Error() }
func (e *InvalidCredentialsError) Is(target error) bool { return target == ErrInvalidCredentials }
func (e *InvalidCredentialsError) Reason() Reason       { return ReasonInvalidCredentials }

// LoginLockedError refuses a password login while its username is locked
// out. The password is not checked.
type LoginLockedError struct {
	Username string
}

func (e *LoginLockedError) Error() string        { return ErrLoginLocked.Error() }
func (e *LoginLockedError) Is(target error) bool { return target == ErrLoginLocked }
func (e *LoginLockedError) Reason() Reason       { return ReasonLoginLocked }

type reasoner interface {
	Reason() Reason
}

// ReasonOf returns the denial code carried by err, or "" when err is not
// one of this package's errors.
func ReasonOf(err error) Reason {
	var r reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	return ""
}

// classify maps errors from the jwt, session and identity packages onto
// the taxonomy. Errors already classified pass through.
func classify(op, userID string, err error) error {
	if err == nil {
		return nil
	}
	if ReasonOf(err) != "" {
		return err
	}

	var (
		expired *jwt.ExpiredError
		reuse   *session.ReuseError
	)
	switch {
	case errors.As(err, &reuse):
		return &TokenReuseError{DeviceID: reuse.DeviceID, UserID: reuse.UserID}
	case errors.As(err, &expired):
		return &TokenExpiredError{ExpiredAt: expired.ExpiresAt}
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, session.ErrSessionExpired):
		return &TokenExpiredError{}
	case errors.Is(err, jwt.ErrTokenInvalid),
		errors.Is(err, session.ErrMalformedToken),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionRevoked):
		return &TokenInvalidError{Cause: err}
	case errors.Is(err, identity.ErrInvalidCredentials):
		return &InvalidCredentialsError{}
	case errors.Is(err, identity.ErrUserNotFound):
		return &UserNotFoundError{UserID: userID}
	case errors.Is(err, identity.ErrUserDisabled):
		return &UserDisabledError{UserID: userID}
	default:
		return &RepositoryUnavailableError{Op: op, Cause: err}
	}
}
