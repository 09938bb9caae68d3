package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultAccessTTL is the lifetime of an access token issued without remember-me.
	DefaultAccessTTL = 900 * time.Second
	// DefaultRememberMeTTL is the lifetime of an access token issued with remember-me.
	DefaultRememberMeTTL = 2592000 * time.Second

	minSecretLength = 32
	maxLeeway       = 2 * time.Minute
)

var (
	// ErrTokenExpired reports a correctly signed token whose expiry is not after now.
	ErrTokenExpired = errors.New("access token expired")
	// ErrTokenInvalid reports any other verification failure.
	ErrTokenInvalid = errors.New("access token invalid")
)

// ExpiredError carries the expiry of a verified but expired token.
// It matches ErrTokenExpired with errors.Is.
type ExpiredError struct {
	ExpiresAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("%s at %s", ErrTokenExpired, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *ExpiredError) Is(target error) bool {
	return target == ErrTokenExpired
}

// Config holds the signing secret and token shape. The zero values for
// the TTL fields fall back to DefaultAccessTTL and DefaultRememberMeTTL.
type Config struct {
	Secret        []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RememberMeTTL time.Duration
	Leeway        time.Duration
	// Now replaces time.Now for issuance and expiry checks.
	Now func() time.Time
}

// Manager issues and verifies HS256 access tokens.
//
// A Manager is immutable after NewManager and safe for concurrent use.
type Manager struct {
	config Config
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLength)
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.Issuer == "" {
		return nil, errors.New("token issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("token audience is required")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RememberMeTTL == 0 {
		cfg.RememberMeTTL = DefaultRememberMeTTL
	}
	if cfg.AccessTTL < time.Second || cfg.RememberMeTTL < time.Second {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > maxLeeway {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	cfg.Secret = secret

	return &Manager{config: cfg}, nil
}

// TTL returns the lifetime applied to a token for the given remember-me mode.
func (m *Manager) TTL(rememberMe bool) time.Duration {
	if rememberMe {
		return m.config.RememberMeTTL
	}
	return m.config.AccessTTL
}

// Now returns the manager's notion of the current time.
func (m *Manager) Now() time.Time {
	return m.config.Now()
}

// IssueOption adjusts a single Issue call.
type IssueOption func(*issueSettings)

type issueSettings struct {
	ttl       time.Duration
	issuer    string
	audience  string
	sessionID string
}

// WithTTL overrides the lifetime of a single token.
func WithTTL(ttl time.Duration) IssueOption {
	return func(s *issueSettings) { s.ttl = ttl }
}

// WithIssuer overrides the issuer of a single token.
func WithIssuer(issuer string) IssueOption {
	return func(s *issueSettings) { s.issuer = issuer }
}

// WithAudience overrides the audience of a single token.
func WithAudience(audience string) IssueOption {
	return func(s *issueSettings) { s.audience = audience }
}

// WithSessionID binds the token to one device session.
func WithSessionID(id string) IssueOption {
	return func(s *issueSettings) { s.sessionID = id }
}

// Issue signs an access token for sub bound to deviceID. The expiry is
// fixed here and never recomputed.
func (m *Manager) Issue(sub Subject, deviceID string, rememberMe bool, opts ...IssueOption) (string, *Claims, error) {
	if strings.TrimSpace(sub.UserID) == "" {
		return "", nil, errors.New("token subject is required")
	}
	if strings.TrimSpace(deviceID) == "" {
		return "", nil, errors.New("token device id is required")
	}

	settings := issueSettings{
		ttl:      m.TTL(rememberMe),
		issuer:   m.config.Issuer,
		audience: m.config.Audience,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	now := m.config.Now()
	wire := accessClaims{
		Email:      sub.Email,
		Role:       sub.Role,
		DeviceID:   deviceID,
		SessionID:  settings.sessionID,
		ProviderID: sub.Provider.pointer(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.UserID,
			Issuer:    settings.issuer,
			Audience:  jwt.ClaimStrings{settings.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(settings.ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, wire).SignedString(m.config.Secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}

	return signed, wire.toClaims(), nil
}

// Verify checks signature, algorithm, issuer, audience and expiry.
//
// A token is expired when its expiry is at or before now. Expiry is only
// reported once the signature has been verified, so a forged expired
// token fails with ErrTokenInvalid.
func (m *Manager) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithAudience(m.config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.config.Now),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}

	wire := &accessClaims{}
	parsed, err := jwt.NewParser(options...).ParseWithClaims(token, wire, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return m.config.Secret, nil
	})
	if err != nil {
		if onlyExpired(err) && wire.ExpiresAt != nil {
			return nil, &ExpiredError{ExpiresAt: wire.ExpiresAt.Time}
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if wire.Subject == "" || wire.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing subject or device", ErrTokenInvalid)
	}

	return wire.toClaims(), nil
}

// DecodeUnsafe reads claims without verifying anything. Use it for
// diagnostics only; it returns nil for malformed input.
func (m *Manager) DecodeUnsafe(token string) *Claims {
	wire := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, wire); err != nil {
		return nil
	}
	return wire.toClaims()
}

// IsExpired reports whether claims are expired at the manager's now.
func (m *Manager) IsExpired(c *Claims) bool {
	if c == nil {
		return true
	}
	return !m.config.Now().Before(c.ExpiresAt)
}

// onlyExpired is true when expiry is the sole failed check. A token that
// is both expired and issued for someone else is invalid, not expired.
func onlyExpired(err error) bool {
	if !errors.Is(err, jwt.ErrTokenExpired) {
		return false
	}
	for _, other := range []error{
		jwt.ErrTokenSignatureInvalid,
		jwt.ErrTokenUnverifiable,
		jwt.ErrTokenMalformed,
		jwt.ErrTokenInvalidIssuer,
		jwt.ErrTokenInvalidAudience,
		jwt.ErrTokenUsedBeforeIssued,
		jwt.ErrTokenNotValidYet,
	} {
		if errors.Is(err, other) {
			return false
		}
	}
	return true
}
