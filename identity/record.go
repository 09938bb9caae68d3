package identity

import (
	"time"

	"github.com/KingInYellow18/medianest/auth/jwt"
)

// Role is the coarse authorization level carried in access tokens.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// RoleFor maps the admin flag of a user row to a Role.
func RoleFor(isAdmin bool) Role {
	if isAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// Record is a user as the user store knows it.
type Record struct {
	ID       string
	Username string
	Email    string
	Role     Role
	Provider jwt.ProviderID
	Active   bool
	Banned   bool

	// PasswordHash is a PHC string, empty for users who sign in only
	// through their media server account.
	PasswordHash string
}

// Eligible reports whether the user may authenticate.
func (r *Record) Eligible() bool {
	return r != nil && r.Active && !r.Banned
}

// Subject returns the token claims derived from the record.
func (r *Record) Subject() jwt.Subject {
	return jwt.Subject{
		UserID:   r.ID,
		Email:    r.Email,
		Role:     string(r.Role),
		Provider: r.Provider,
	}
}

// Identity is the result of a successful authentication: the current user
// record merged with the device and expiry of the token presented.
type Identity struct {
	UserID    string
	Username  string
	Email     string
	Role      Role
	Provider  jwt.ProviderID
	DeviceID  string
	TokenID   string
	ExpiresAt time.Time
}

// NewIdentity builds an Identity from a validated record and verified claims.
func NewIdentity(rec *Record, claims *jwt.Claims) *Identity {
	return &Identity{
		UserID:    rec.ID,
		Username:  rec.Username,
		Email:     rec.Email,
		Role:      rec.Role,
		Provider:  rec.Provider,
		DeviceID:  claims.DeviceID,
		TokenID:   claims.TokenID,
		ExpiresAt: claims.ExpiresAt,
	}
}

// IsAdmin reports whether the identity carries the admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}
