package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/KingInYellow18/medianest/auth/audit"
	"github.com/KingInYellow18/medianest/auth/cache"
	"github.com/KingInYellow18/medianest/auth/identity"
	"github.com/KingInYellow18/medianest/auth/internal/lockout"
	"github.com/KingInYellow18/medianest/auth/jwt"
	"github.com/KingInYellow18/medianest/auth/password"
	"github.com/KingInYellow18/medianest/auth/session"
)

// TokenPair is returned by Login and Refresh. RefreshToken must be stored
// by the client and presented exactly once.
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	UserID          string
	DeviceID        string
}

// Coordinator is the entry point for request authentication and the
// session lifecycle. All methods are safe for concurrent use.
type Coordinator struct {
	tokens   *jwt.Manager
	sessions *session.Manager
	users    *identity.Validator
	cache    *cache.DecisionCache
	hasher   *password.Argon2
	lockout  *lockout.Limiter

	audit      audit.Sink
	dispatcher *audit.Dispatcher
	metrics    *Metrics
	log        zerolog.Logger
	now        func() time.Time

	flight  singleflight.Group
	closers []func()
}

var (
	errSessionOwner    = errors.New("session belongs to another user")
	errSessionReplaced = errors.New("token was issued for an earlier session on this device")
)

// Authenticate resolves an access token to the identity it was issued for.
// A cached decision is used when present; otherwise the token is verified,
// the user is validated and the device session must be live. Only
// successes are cached.
func (c *Coordinator) Authenticate(ctx context.Context, accessToken string) (*identity.Identity, error) {
	start := time.Now()
	defer func() {
		c.metrics.Observe(MetricAuthenticateLatency, time.Since(start))
	}()

	if accessToken == "" {
		return nil, c.denyAuthenticate(ctx, "", "", &TokenInvalidError{Cause: errors.New("empty token")})
	}

	fp := cache.Fingerprint(accessToken)
	if c.cache != nil {
		if d, ok := c.cache.Get(ctx, fp); ok {
			c.metrics.Inc(MetricCacheHit)
			c.metrics.Inc(MetricAuthenticateSuccess)
			ident := d.Identity
			return &ident, nil
		}
		c.metrics.Inc(MetricCacheMiss)
	}

	// Concurrent misses for one token share a single verification. The
	// shared call must not die with whichever caller happened to start it.
	v, err, _ := c.flight.Do(fp, func() (any, error) {
		return c.verify(context.WithoutCancel(ctx), accessToken, fp)
	})
	if err != nil {
		var userID, deviceID string
		if claims := c.tokens.DecodeUnsafe(accessToken); claims != nil {
			userID, deviceID = claims.UserID, claims.DeviceID
		}
		return nil, c.denyAuthenticate(ctx, userID, deviceID, err)
	}

	c.metrics.Inc(MetricAuthenticateSuccess)
	ident := *v.(*identity.Identity)
	return &ident, nil
}

func (c *Coordinator) verify(ctx context.Context, accessToken, fp string) (*identity.Identity, error) {
	claims, err := c.tokens.Verify(accessToken)
	if err != nil {
		return nil, classify("verify", "", err)
	}
	if claims.DeviceID == "" {
		return nil, &TokenInvalidError{Cause: errors.New("token has no device session")}
	}

	// Read the epoch before any state is checked so a concurrent
	// LogoutAll makes the decision unusable.
	var (
		epoch     uint64
		cacheable bool
	)
	if c.cache != nil {
		epoch, cacheable = c.cache.Epoch(ctx, claims.UserID)
	}

	rec, err := c.users.Validate(ctx, claims.UserID)
	if err != nil {
		return nil, classify("validate_user", claims.UserID, err)
	}

	sess, err := c.sessions.Get(ctx, claims.DeviceID)
	if err != nil {
		return nil, classify("session_lookup", claims.UserID, err)
	}
	switch {
	case sess.UserID != claims.UserID:
		return nil, &TokenInvalidError{Cause: errSessionOwner}
	case claims.SessionID == "" || claims.SessionID != sess.ID:
		return nil, &TokenInvalidError{Cause: errSessionReplaced}
	case sess.Revoked:
		return nil, &TokenInvalidError{Cause: session.ErrSessionRevoked}
	case sess.Expired(c.now()):
		return nil, &TokenExpiredError{ExpiredAt: time.Unix(sess.ExpiresAt, 0)}
	}

	ident := identity.NewIdentity(rec, claims)
	if cacheable {
		c.cache.Put(ctx, fp, &cache.Decision{Identity: *ident, Epoch: epoch})
	}
	return ident, nil
}

func (c *Coordinator) denyAuthenticate(ctx context.Context, userID, deviceID string, err error) error {
	err = classify("authenticate", userID, err)
	c.metrics.Inc(MetricAuthenticateFailure)
	c.logDenial("authenticate", userID, deviceID, err)

	sev := audit.SeverityWarning
	if errors.Is(err, ErrTokenExpired) {
		sev = audit.SeverityInfo
	}
	c.record(ctx, audit.EventAuthenticateFailure, sev, false, userID, deviceID, "", err, nil)
	return err
}

// Login starts a session for userID on deviceID. The user must exist and
// be eligible; any session already on the device is replaced.
func (c *Coordinator) Login(ctx context.Context, userID, deviceID string, rememberMe bool) (TokenPair, error) {
	pair, err := c.sessions.Create(ctx, userID, deviceID, rememberMe)
	if err != nil {
		return TokenPair{}, c.denyLogin(ctx, userID, deviceID, "", classify("login", userID, err))
	}

	c.metrics.Inc(MetricLoginSuccess)
	c.metrics.Inc(MetricSessionCreated)
	c.record(ctx, audit.EventLoginSuccess, audit.SeverityInfo, true, userID, deviceID, pair.Access.TokenID, nil, func() map[string]string {
		return map[string]string{"remember_me": strconv.FormatBool(rememberMe)}
	})
	return toTokenPair(pair), nil
}

// LoginWithPassword checks username and password, then starts a session as
// Login does. Unknown users and wrong passwords get the same
// InvalidCredentialsError. Failures count towards a lockout of the
// username when lockout is configured.
func (c *Coordinator) LoginWithPassword(ctx context.Context, username, password, deviceID string, rememberMe bool) (TokenPair, error) {
	locked, err := c.lockout.Locked(ctx, username)
	if err != nil {
		return TokenPair{}, c.denyLogin(ctx, "", deviceID, username, &RepositoryUnavailableError{Op: "login_lockout", Cause: err})
	}
	if locked {
		c.metrics.Inc(MetricLoginLocked)
		return TokenPair{}, c.denyLogin(ctx, "", deviceID, username, &LoginLockedError{Username: username})
	}

	rec, err := c.users.CheckPassword(ctx, username, password, c.hasher)
	if err != nil {
		var userID string
		if rec != nil {
			userID = rec.ID
		}
		if !errors.Is(err, identity.ErrInvalidCredentials) {
			return TokenPair{}, c.denyLogin(ctx, userID, deviceID, username, classify("login", userID, err))
		}
		if nowLocked, lerr := c.lockout.RecordFailure(ctx, username); lerr != nil {
			c.log.Warn().Err(lerr).Msg("failed login not counted")
		} else if nowLocked {
			c.log.Warn().Str("user_id", userID).Msg("username locked out after failed logins")
		}
		return TokenPair{}, c.denyLogin(ctx, userID, deviceID, username, &InvalidCredentialsError{Username: username})
	}

	if err := c.lockout.Reset(ctx, username); err != nil {
		c.log.Warn().Err(err).Str("user_id", rec.ID).Msg("failed login count not cleared")
	}
	return c.Login(ctx, rec.ID, deviceID, rememberMe)
}

func (c *Coordinator) denyLogin(ctx context.Context, userID, deviceID, username string, err error) error {
	c.metrics.Inc(MetricLoginFailure)
	c.logDenial("login", userID, deviceID, err)
	var meta func() map[string]string
	if username != "" {
		meta = func() map[string]string {
			return map[string]string{"username": username}
		}
	}
	c.record(ctx, audit.EventLoginFailure, audit.SeverityWarning, false, userID, deviceID, "", err, meta)
	return err
}

// Refresh rotates the device's refresh token. Presenting a stale token
// revokes every session of its user and drops their cached decisions.
func (c *Coordinator) Refresh(ctx context.Context, deviceID, refreshToken string) (TokenPair, error) {
	pair, err := c.sessions.Rotate(ctx, deviceID, refreshToken)
	if err == nil {
		c.metrics.Inc(MetricRefreshSuccess)
		c.record(ctx, audit.EventRefreshSuccess, audit.SeverityInfo, true, pair.Session.UserID, deviceID, pair.Access.TokenID, nil, nil)
		return toTokenPair(pair), nil
	}

	var reuse *session.ReuseError
	if errors.As(err, &reuse) {
		c.onReuse(ctx, reuse)
		return TokenPair{}, classify("refresh", reuse.UserID, err)
	}

	var userID string
	var rotate *session.RotateError
	if errors.As(err, &rotate) {
		userID = rotate.UserID
	}
	err = classify("refresh", userID, err)
	c.metrics.Inc(MetricRefreshFailure)
	c.logDenial("refresh", userID, deviceID, err)
	c.record(ctx, audit.EventRefreshFailure, audit.SeverityWarning, false, userID, deviceID, "", err, nil)
	return TokenPair{}, err
}

func (c *Coordinator) onReuse(ctx context.Context, reuse *session.ReuseError) {
	c.metrics.Inc(MetricRefreshReuseDetected)
	c.metrics.Inc(MetricRefreshFailure)
	c.metrics.Add(MetricSessionRevoked, uint64(reuse.Revoked))

	if reuse.UserID != "" {
		c.invalidateUser(ctx, reuse.UserID)
	}

	evt := c.log.Error().
		Str("device_id", reuse.DeviceID).
		Str("user_id", reuse.UserID).
		Int("revoked", reuse.Revoked)
	if reuse.RevokeErr != nil {
		evt = evt.AnErr("revoke_error", reuse.RevokeErr)
	}
	evt.Msg("refresh token reuse detected")

	err := &TokenReuseError{DeviceID: reuse.DeviceID, UserID: reuse.UserID}
	c.record(ctx, audit.EventRefreshReuseDetected, audit.SeverityCritical, false, reuse.UserID, reuse.DeviceID, "", err, func() map[string]string {
		meta := map[string]string{"revoked_sessions": strconv.Itoa(reuse.Revoked)}
		if reuse.RevokeErr != nil {
			meta["revoke_all"] = "failed"
		}
		return meta
	})
}

// Logout revokes the session on deviceID. Logging out a device with no
// session succeeds.
func (c *Coordinator) Logout(ctx context.Context, deviceID string) error {
	sess, err := c.sessions.Revoke(ctx, deviceID)
	if err != nil {
		err = classify("logout", "", err)
		c.logDenial("logout", "", deviceID, err)
		return err
	}

	c.metrics.Inc(MetricLogout)
	var userID string
	if sess != nil {
		userID = sess.UserID
		c.metrics.Inc(MetricSessionRevoked)
		// Decisions are keyed by token, not device, so the whole user moves
		// to a new epoch; other devices simply re-verify once.
		c.invalidateUser(ctx, userID)
	}
	c.record(ctx, audit.EventLogout, audit.SeverityInfo, true, userID, deviceID, "", nil, nil)
	return nil
}

// LogoutAll revokes every session of userID and drops their cached
// decisions.
func (c *Coordinator) LogoutAll(ctx context.Context, userID string) error {
	n, err := c.sessions.RevokeAll(ctx, userID)
	if err != nil {
		err = classify("logout_all", userID, err)
		c.logDenial("logout_all", userID, "", err)
		return err
	}

	c.metrics.Inc(MetricLogoutAll)
	c.metrics.Add(MetricSessionRevoked, uint64(n))
	c.invalidateUser(ctx, userID)
	c.record(ctx, audit.EventLogoutAll, audit.SeverityInfo, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{"revoked_sessions": strconv.Itoa(n)}
	})
	return nil
}

// SessionState reports the lifecycle state of the session on deviceID.
func (c *Coordinator) SessionState(ctx context.Context, deviceID string) (session.State, error) {
	st, err := c.sessions.State(ctx, deviceID)
	if err != nil {
		return 0, classify("session_state", "", err)
	}
	return st, nil
}

// MetricsSnapshot returns a copy of all metrics.
func (c *Coordinator) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// AuditDropped returns the number of audit events dropped under backpressure.
func (c *Coordinator) AuditDropped() uint64 {
	return c.dispatcher.Dropped()
}

// Close flushes audit events and releases in-process caches. Stores passed
// to the Builder are not closed.
func (c *Coordinator) Close() {
	if c == nil {
		return
	}
	c.dispatcher.Close()
	for _, fn := range c.closers {
		fn()
	}
	c.closers = nil
}

func (c *Coordinator) invalidateUser(ctx context.Context, userID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.InvalidateAllForUser(ctx, userID); err != nil {
		// Liveness is rechecked on every miss, so staleness stays bounded
		// by the cache TTL ceiling.
		c.log.Warn().Err(err).Str("user_id", userID).Msg("cached decisions not invalidated")
	}
}

func (c *Coordinator) logDenial(op, userID, deviceID string, err error) {
	evt := c.log.Debug()
	if errors.Is(err, ErrRepositoryUnavailable) {
		evt = c.log.Warn().Err(err)
	}
	evt.Str("op", op).
		Str("reason", string(ReasonOf(err))).
		Str("user_id", userID).
		Str("device_id", deviceID).
		Msg("request denied")
}

func (c *Coordinator) record(
	ctx context.Context,
	eventType string,
	severity audit.Severity,
	success bool,
	userID string,
	deviceID string,
	tokenID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if c.audit == nil {
		return
	}

	event := audit.NewEvent(eventType, severity, c.now())
	event.Success = success
	event.UserID = userID
	event.DeviceID = deviceID
	event.TokenID = tokenID
	event.IP = clientIPFromContext(ctx)
	event.Reason = string(ReasonOf(err))
	if metadataBuilder != nil {
		event.Metadata = metadataBuilder()
	}
	if ua := userAgentFromContext(ctx); ua != "" {
		if event.Metadata == nil {
			event.Metadata = make(map[string]string, 1)
		}
		event.Metadata["user_agent"] = ua
	}

	c.audit.Record(ctx, event)
}

func toTokenPair(p session.Pair) TokenPair {
	return TokenPair{
		AccessToken:     p.AccessToken,
		RefreshToken:    p.RefreshToken,
		AccessExpiresAt: p.Access.ExpiresAt,
		UserID:          p.Session.UserID,
		DeviceID:        p.Session.DeviceID,
	}
}
