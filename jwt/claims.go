package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ProviderID is an optional external media-provider account id. The zero
// value means absent; an empty string is never used as a marker.
type ProviderID struct {
	value string
	set   bool
}

// Provider returns a present ProviderID.
func Provider(id string) ProviderID {
	return ProviderID{value: id, set: true}
}

// NoProvider returns an absent ProviderID.
func NoProvider() ProviderID {
	return ProviderID{}
}

// Get returns the id and whether it is present.
func (p ProviderID) Get() (string, bool) {
	return p.value, p.set
}

// IsSet reports whether a provider id is present.
func (p ProviderID) IsSet() bool {
	return p.set
}

func (p ProviderID) String() string {
	if !p.set {
		return "<none>"
	}
	return p.value
}

func (p ProviderID) pointer() *string {
	if !p.set {
		return nil
	}
	v := p.value
	return &v
}

func providerFromPointer(v *string) ProviderID {
	if v == nil {
		return NoProvider()
	}
	return Provider(*v)
}

// Subject is the user-derived part of an access token.
type Subject struct {
	UserID   string
	Email    string
	Role     string
	Provider ProviderID
}

// Claims is the decoded content of an access token.
type Claims struct {
	Subject
	DeviceID string
	// SessionID names the device session that minted the token. A new
	// session on the same device gets a new id.
	SessionID string
	TokenID   string
	Issuer    string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Remaining returns the lifetime left at now, never negative.
func (c *Claims) Remaining(now time.Time) time.Duration {
	if c == nil {
		return 0
	}
	d := c.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

type accessClaims struct {
	Email      string  `json:"email"`
	Role       string  `json:"role"`
	DeviceID   string  `json:"did"`
	SessionID  string  `json:"sid,omitempty"`
	ProviderID *string `json:"pid,omitempty"`
	jwt.RegisteredClaims
}

func (a *accessClaims) toClaims() *Claims {
	c := &Claims{
		Subject: Subject{
			UserID:   a.Subject,
			Email:    a.Email,
			Role:     a.Role,
			Provider: providerFromPointer(a.ProviderID),
		},
		DeviceID:  a.DeviceID,
		SessionID: a.SessionID,
		TokenID:   a.ID,
		Issuer:    a.Issuer,
	}
	if len(a.Audience) > 0 {
		c.Audience = a.Audience[0]
	}
	if a.IssuedAt != nil {
		c.IssuedAt = a.IssuedAt.Time
	}
	if a.ExpiresAt != nil {
		c.ExpiresAt = a.ExpiresAt.Time
	}
	return c
}
