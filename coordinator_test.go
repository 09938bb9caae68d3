package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/KingInYellow18/medianest/auth/audit"
	"github.com/KingInYellow18/medianest/auth/cache"
	"github.com/KingInYellow18/medianest/auth/identity"
	"github.com/KingInYellow18/medianest/auth/jwt"
	"github.com/KingInYellow18/medianest/auth/password"
	"github.com/KingInYellow18/medianest/auth/session"
)

var testStart = time.Unix(1_700_000_000, 0)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type downCacheStore struct{}

var errCacheDown = errors.New("cache down")

func (downCacheStore) Get(context.Context, string) ([]byte, error) { return nil, errCacheDown }
func (downCacheStore) Put(context.Context, string, []byte, time.Duration) error {
	return errCacheDown
}
func (downCacheStore) Invalidate(context.Context, string) error { return errCacheDown }

type harness struct {
	coord  *Coordinator
	clock  *testClock
	users  *identity.MemoryStore
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	events *audit.ChannelSink
	logs   *syncBuffer
}

type harnessOption func(cfg *Config, b *Builder)

func withCacheStore(store cache.Store) harnessOption {
	return func(_ *Config, b *Builder) { b.WithCacheStore(store) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})

	h := &harness{
		clock: &testClock{now: testStart},
		users: identity.NewMemoryStore(
			identity.Record{ID: "u-1", Username: "alice", Email: "alice@example.com", Role: identity.RoleUser, Active: true},
			identity.Record{ID: "u-2", Username: "bob", Email: "bob@example.com", Role: identity.RoleAdmin, Provider: jwt.Provider("plex-2"), Active: true},
		),
		mr:     mr,
		rdb:    rdb,
		events: audit.NewChannelSink(1024),
		logs:   &syncBuffer{},
	}

	cfg := validConfig()
	cfg.Password.Hash = cheapHashConfig()
	cfg.Store.Timeout = 500 * time.Millisecond
	cfg.Cache.Timeout = 200 * time.Millisecond

	b := New().
		WithRedis(rdb).
		WithUserStore(h.users).
		WithAuditSink(h.events).
		WithLogger(zerolog.New(h.logs).Level(zerolog.DebugLevel)).
		WithClock(h.clock.Now)
	for _, opt := range opts {
		opt(&cfg, b)
	}
	b.WithConfig(cfg)

	h.coord, err = b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() {
		h.coord.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return h
}

// drainEvents flushes the dispatcher; the coordinator records nothing after.
func (h *harness) drainEvents() []audit.Event {
	h.coord.Close()
	var out []audit.Event
	for {
		select {
		case e := <-h.events.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func (h *harness) login(t *testing.T, userID, deviceID string) TokenPair {
	t.Helper()
	pair, err := h.coord.Login(context.Background(), userID, deviceID, false)
	if err != nil {
		t.Fatalf("login %s/%s: %v", userID, deviceID, err)
	}
	return pair
}

func cheapHashConfig() password.Config {
	return password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

// setPassword stores a hash of pw on userID.
func (h *harness) setPassword(t *testing.T, userID, pw string) {
	t.Helper()
	hasher, err := password.NewArgon2(cheapHashConfig())
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	encoded, err := hasher.Hash(pw)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ctx := context.Background()
	rec, err := h.users.FindByID(ctx, userID)
	if err != nil {
		t.Fatalf("find %s: %v", userID, err)
	}
	rec.PasswordHash = encoded
	if err := h.users.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func requireReason(t *testing.T, err error, want Reason) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", want)
	}
	if got := ReasonOf(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

func TestAuthenticateRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair := h.login(t, "u-2", "tv-1")
	if pair.UserID != "u-2" || pair.DeviceID != "tv-1" {
		t.Fatalf("unexpected pair ids: %+v", pair)
	}
	if !pair.AccessExpiresAt.Equal(testStart.Add(900 * time.Second)) {
		t.Fatalf("expected 900s access lifetime, got %v", pair.AccessExpiresAt)
	}

	ident, err := h.coord.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ident.UserID != "u-2" || ident.Username != "bob" || ident.DeviceID != "tv-1" {
		t.Fatalf("unexpected identity: %+v", ident)
	}
	if !ident.IsAdmin() {
		t.Fatal("expected admin role")
	}
	if p, ok := ident.Provider.Get(); !ok || p != "plex-2" {
		t.Fatalf("expected provider plex-2, got %q %v", p, ok)
	}
}

func TestAuthenticateServesRepeatsFromCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.login(t, "u-1", "phone")

	first, err := h.coord.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	first.Username = "mallory"

	second, err := h.coord.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if second.Username != "alice" {
		t.Fatal("callers must receive independent copies")
	}

	m := h.coord.metrics
	if m.Value(MetricCacheMiss) != 1 || m.Value(MetricCacheHit) != 1 {
		t.Fatalf("expected 1 miss and 1 hit, got %d/%d", m.Value(MetricCacheMiss), m.Value(MetricCacheHit))
	}
	if m.Value(MetricAuthenticateSuccess) != 2 {
		t.Fatalf("expected 2 successes, got %d", m.Value(MetricAuthenticateSuccess))
	}
}

func TestAuthenticateExpiryBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.login(t, "u-1", "phone")

	h.clock.Advance(899 * time.Second)
	if _, err := h.coord.Authenticate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("expected token valid at 899s, got %v", err)
	}

	h.clock.Advance(time.Second)
	_, err := h.coord.Authenticate(ctx, pair.AccessToken)
	requireReason(t, err, ReasonTokenExpired)

	var expired *TokenExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected *TokenExpiredError, got %T", err)
	}
	if !expired.ExpiredAt.Equal(testStart.Add(900 * time.Second)) {
		t.Fatalf("unexpected ExpiredAt %v", expired.ExpiredAt)
	}
}

func TestAuthenticateRejectsMalformedTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other, err := jwt.NewManager(jwt.Config{
		Secret:   []byte("ffffffffffffffffffffffffffffffff"),
		Issuer:   "medianest",
		Audience: "medianest-app",
		Now:      h.clock.Now,
	})
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	forged, _, err := other.Issue(jwt.Subject{UserID: "u-1"}, "phone", false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	for _, token := range []string{"", "garbage", "a.b.c", forged} {
		_, err := h.coord.Authenticate(ctx, token)
		requireReason(t, err, ReasonTokenInvalid)
		if !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("expected ErrTokenInvalid for %q, got %v", token, err)
		}
	}
	if got := h.coord.metrics.Value(MetricAuthenticateFailure); got != 4 {
		t.Fatalf("expected 4 failures, got %d", got)
	}
}

func TestAuthenticateRequiresLiveDeviceSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.login(t, "u-1", "phone")

	if err := h.coord.Logout(ctx, "phone"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	_, err := h.coord.Authenticate(ctx, pair.AccessToken)
	requireReason(t, err, ReasonTokenInvalid)

	// The device now belongs to someone else.
	h.login(t, "u-2", "phone")
	_, err = h.coord.Authenticate(ctx, pair.AccessToken)
	requireReason(t, err, ReasonTokenInvalid)
}

func TestAuthenticateDeniesTokenFromEarlierSessionOnDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.login(t, "u-1", "phone")

	if err := h.coord.Logout(ctx, "phone"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	fresh := h.login(t, "u-1", "phone")

	_, err := h.coord.Authenticate(ctx, old.AccessToken)
	requireReason(t, err, ReasonTokenInvalid)
	if _, err := h.coord.Authenticate(ctx, fresh.AccessToken); err != nil {
		t.Fatalf("new session token: %v", err)
	}
}

func TestReuseThenReloginKeepsOldAccessTokenDead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coord.Login(ctx, "u-1", "phone", true)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := h.coord.Refresh(ctx, "phone", first.RefreshToken); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_, err = h.coord.Refresh(ctx, "phone", first.RefreshToken)
	requireReason(t, err, ReasonTokenReuseDetected)

	h.clock.Advance(2 * time.Minute)
	h.login(t, "u-1", "phone")

	_, err = h.coord.Authenticate(ctx, first.AccessToken)
	requireReason(t, err, ReasonTokenInvalid)
}

func TestAuthenticateChecksUserOnEveryMiss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.login(t, "u-1", "phone")

	if err := h.users.SetActive(ctx, "u-1", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	_, err := h.coord.Authenticate(ctx, pair.AccessToken)
	requireReason(t, err, ReasonUserDisabled)

	h.users.Delete("u-1")
	_, err = h.coord.Authenticate(ctx, pair.AccessToken)
	requireReason(t, err, ReasonUserNotFound)

	var nf *UserNotFoundError
	if !errors.As(err, &nf) || nf.UserID != "u-1" {
		t.Fatalf("expected UserNotFoundError for u-1, got %v", err)
	}
}

func TestLoginRejectsIneligibleUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Login(ctx, "ghost", "phone", false)
	requireReason(t, err, ReasonUserNotFound)

	banned := identity.Record{ID: "u-3", Username: "carol", Active: true, Banned: true}
	if err := h.users.Save(ctx, &banned); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, err = h.coord.Login(ctx, "u-3", "phone", false)
	requireReason(t, err, ReasonUserDisabled)

	if st, err := h.coord.SessionState(ctx, "phone"); err == nil {
		t.Fatalf("no session must be created, got state %s", st)
	}
	if got := h.coord.metrics.Value(MetricLoginFailure); got != 2 {
		t.Fatalf("expected 2 login failures, got %d", got)
	}
}

func TestLoginRememberMeUsesLongLifetime(t *testing.T) {
	h := newHarness(t)
	pair, err := h.coord.Login(context.Background(), "u-1", "tv", true)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !pair.AccessExpiresAt.Equal(testStart.Add(2592000 * time.Second)) {
		t.Fatalf("expected remember-me lifetime, got %v", pair.AccessExpiresAt)
	}
}

func TestLoginWithPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setPassword(t, "u-1", "correct-horse-battery")

	pair, err := h.coord.LoginWithPassword(ctx, "Alice", "correct-horse-battery", "phone", false)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if pair.UserID != "u-1" || pair.DeviceID != "phone" {
		t.Fatalf("unexpected pair: %+v", pair)
	}
	ident, err := h.coord.Authenticate(ctx, pair.AccessToken)
	if err != nil || ident.Username != "alice" {
		t.Fatalf("authenticate: %+v %v", ident, err)
	}

	_, err = h.coord.LoginWithPassword(ctx, "alice", "wrong-horse-battery", "tablet", false)
	requireReason(t, err, ReasonInvalidCredentials)
	_, err = h.coord.LoginWithPassword(ctx, "nobody", "correct-horse-battery", "tablet", false)
	requireReason(t, err, ReasonInvalidCredentials)
	// bob has no local password.
	_, err = h.coord.LoginWithPassword(ctx, "bob", "", "tablet", false)
	requireReason(t, err, ReasonInvalidCredentials)

	if _, err := h.coord.SessionState(ctx, "tablet"); err == nil {
		t.Fatal("failed logins must not create a session")
	}

	var failures []audit.Event
	for _, e := range h.drainEvents() {
		if e.Type == audit.EventLoginFailure {
			failures = append(failures, e)
		}
	}
	if len(failures) != 3 || failures[0].UserID != "u-1" || failures[0].Metadata["username"] != "alice" {
		t.Fatalf("unexpected login failure events: %+v", failures)
	}
	if strings.Contains(h.logs.String(), "wrong-horse-battery") {
		t.Fatal("passwords must never be logged")
	}
}

func TestLoginWithPasswordDisabledUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setPassword(t, "u-1", "correct-horse-battery")
	if err := h.users.SetActive(ctx, "u-1", false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	_, err := h.coord.LoginWithPassword(ctx, "alice", "correct-horse-battery", "phone", false)
	requireReason(t, err, ReasonUserDisabled)
	_, err = h.coord.LoginWithPassword(ctx, "alice", "wrong-horse-battery", "phone", false)
	requireReason(t, err, ReasonInvalidCredentials)
}

func TestLoginWithPasswordLockout(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Builder) {
		cfg.Password.LockoutThreshold = 3
		cfg.Password.LockoutWindow = time.Minute
	})
	ctx := context.Background()
	h.setPassword(t, "u-1", "correct-horse-battery")

	// A success clears earlier failures.
	for i := 0; i < 2; i++ {
		_, err := h.coord.LoginWithPassword(ctx, "alice", "wrong-horse-battery", "phone", false)
		requireReason(t, err, ReasonInvalidCredentials)
	}
	if _, err := h.coord.LoginWithPassword(ctx, "alice", "correct-horse-battery", "phone", false); err != nil {
		t.Fatalf("login before lockout: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := h.coord.LoginWithPassword(ctx, "alice", "wrong-horse-battery", "phone", false)
		requireReason(t, err, ReasonInvalidCredentials)
	}
	_, err := h.coord.LoginWithPassword(ctx, "alice", "correct-horse-battery", "phone", false)
	requireReason(t, err, ReasonLoginLocked)
	if got := h.coord.metrics.Value(MetricLoginLocked); got != 1 {
		t.Fatalf("expected 1 locked login, got %d", got)
	}

	h.mr.FastForward(time.Minute + time.Second)
	if _, err := h.coord.LoginWithPassword(ctx, "alice", "correct-horse-battery", "phone", false); err != nil {
		t.Fatalf("login after window: %v", err)
	}
}

func TestRefreshRotates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.login(t, "u-1", "phone")

	for i := 0; i < 5; i++ {
		next, err := h.coord.Refresh(ctx, "phone", pair.RefreshToken)
		if err != nil {
			t.Fatalf("rotation %d: %v", i, err)
		}
		if next.RefreshToken == pair.RefreshToken {
			t.Fatalf("rotation %d returned the same refresh token", i)
		}
		if _, err := h.coord.Authenticate(ctx, next.AccessToken); err != nil {
			t.Fatalf("rotation %d access token: %v", i, err)
		}
		pair = next
	}

	st, err := h.coord.SessionState(ctx, "phone")
	if err != nil || st != session.StateActive {
		t.Fatalf("expected active session, got %s %v", st, err)
	}
	if got := h.coord.metrics.Value(MetricRefreshSuccess); got != 5 {
		t.Fatalf("expected 5 refreshes, got %d", got)
	}
}

func TestRefreshReuseRevokesEverySession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	phone := h.login(t, "u-1", "phone")
	laptop := h.login(t, "u-1", "laptop")
	other := h.login(t, "u-2", "tv")

	// Warm the cache so the test also covers invalidation.
	for _, p := range []TokenPair{phone, laptop, other} {
		if _, err := h.coord.Authenticate(ctx, p.AccessToken); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	}

	rotated, err := h.coord.Refresh(ctx, "phone", phone.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	_, err = h.coord.Refresh(ctx, "phone", phone.RefreshToken)
	requireReason(t, err, ReasonTokenReuseDetected)
	var reuse *TokenReuseError
	if !errors.As(err, &reuse) || reuse.UserID != "u-1" || reuse.DeviceID != "phone" {
		t.Fatalf("unexpected reuse error: %v", err)
	}

	for _, token := range []string{rotated.AccessToken, laptop.AccessToken} {
		_, err := h.coord.Authenticate(ctx, token)
		requireReason(t, err, ReasonTokenInvalid)
	}
	if _, err := h.coord.Authenticate(ctx, other.AccessToken); err != nil {
		t.Fatalf("other user must be unaffected: %v", err)
	}

	_, err = h.coord.Refresh(ctx, "phone", rotated.RefreshToken)
	requireReason(t, err, ReasonTokenReuseDetected)

	if got := h.coord.metrics.Value(MetricRefreshReuseDetected); got != 2 {
		t.Fatalf("expected 2 reuse detections, got %d", got)
	}

	var critical []audit.Event
	for _, e := range h.drainEvents() {
		if e.Type == audit.EventRefreshReuseDetected {
			critical = append(critical, e)
		}
	}
	if len(critical) != 2 {
		t.Fatalf("expected 2 reuse events, got %d", len(critical))
	}
	first := critical[0]
	if first.Severity != audit.SeverityCritical || first.Reason != string(ReasonTokenReuseDetected) {
		t.Fatalf("unexpected reuse event: %+v", first)
	}
	if first.UserID != "u-1" || first.Metadata["revoked_sessions"] != "1" {
		t.Fatalf("expected laptop session revoked, got %+v", first)
	}
}

func TestRefreshFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.login(t, "u-1", "phone")

	_, err := h.coord.Refresh(ctx, "phone", "not-a-refresh-token")
	requireReason(t, err, ReasonTokenInvalid)

	_, err = h.coord.Refresh(ctx, "unknown-device", pair.RefreshToken)
	requireReason(t, err, ReasonTokenInvalid)

	// A malformed token must not disturb the session.
	if _, err := h.coord.Refresh(ctx, "phone", pair.RefreshToken); err != nil {
		t.Fatalf("refresh after malformed attempt: %v", err)
	}
	if got := h.coord.metrics.Value(MetricRefreshReuseDetected); got != 0 {
		t.Fatalf("expected no reuse, got %d", got)
	}
}

func TestRefreshFailureNamesSessionOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.login(t, "u-1", "phone")

	if err := h.users.SetActive(ctx, "u-1", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	_, err := h.coord.Refresh(ctx, "phone", pair.RefreshToken)
	requireReason(t, err, ReasonUserDisabled)
	var disabled *UserDisabledError
	if !errors.As(err, &disabled) || disabled.UserID != "u-1" {
		t.Fatalf("expected UserDisabledError for u-1, got %v", err)
	}

	// The refused rotation left the token usable.
	if err := h.users.SetActive(ctx, "u-1", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := h.coord.Refresh(ctx, "phone", pair.RefreshToken); err != nil {
		t.Fatalf("refresh after re-enable: %v", err)
	}

	var failure *audit.Event
	for _, e := range h.drainEvents() {
		if e.Type == audit.EventRefreshFailure {
			e := e
			failure = &e
		}
	}
	if failure == nil || failure.UserID != "u-1" || failure.Reason != string(ReasonUserDisabled) {
		t.Fatalf("expected refresh failure attributed to u-1, got %+v", failure)
	}
}

func TestRefreshExpiredSession(t *testing.T) {
	h := newHarness(t)
	pair := h.login(t, "u-1", "phone")

	h.clock.Advance(7*24*time.Hour + time.Second)
	_, err := h.coord.Refresh(context.Background(), "phone", pair.RefreshToken)
	requireReason(t, err, ReasonTokenExpired)
}

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	h := newHarness(t)
	pair := h.login(t, "u-1", "phone")

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := h.coord.Refresh(context.Background(), "phone", pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success, reuse := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrTokenReuseDetected):
			reuse++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if success != 1 || reuse != n-1 {
		t.Fatalf("expected 1 winner and %d reuse, got %d/%d", n-1, success, reuse)
	}
}

func TestLogoutAllDeniesNextAuthenticate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.login(t, "u-1", "phone")
	b := h.login(t, "u-1", "laptop")
	for _, p := range []TokenPair{a, b} {
		if _, err := h.coord.Authenticate(ctx, p.AccessToken); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	}

	if err := h.coord.LogoutAll(ctx, "u-1"); err != nil {
		t.Fatalf("logout all: %v", err)
	}

	for _, p := range []TokenPair{a, b} {
		_, err := h.coord.Authenticate(ctx, p.AccessToken)
		requireReason(t, err, ReasonTokenInvalid)
		_, err = h.coord.Refresh(ctx, p.DeviceID, p.RefreshToken)
		requireReason(t, err, ReasonTokenReuseDetected)
	}
	if got := h.coord.metrics.Value(MetricSessionRevoked); got != 2 {
		t.Fatalf("expected 2 revoked sessions, got %d", got)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.login(t, "u-1", "phone")

	for i := 0; i < 2; i++ {
		if err := h.coord.Logout(ctx, "phone"); err != nil {
			t.Fatalf("logout %d: %v", i, err)
		}
	}
	if err := h.coord.Logout(ctx, "never-seen"); err != nil {
		t.Fatalf("logout unknown device: %v", err)
	}

	st, err := h.coord.SessionState(ctx, "phone")
	if err != nil || st != session.StateRevoked {
		t.Fatalf("expected revoked, got %s %v", st, err)
	}
}

// Nine hundred seconds after login the access token is dead, the refresh
// token still works once, and replaying it kills the rotated session too.
func TestNineHundredSecondScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.login(t, "u-1", "phone")
	if _, err := h.coord.Authenticate(ctx, first.AccessToken); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	h.clock.Advance(900 * time.Second)
	_, err := h.coord.Authenticate(ctx, first.AccessToken)
	requireReason(t, err, ReasonTokenExpired)

	second, err := h.coord.Refresh(ctx, "phone", first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := h.coord.Authenticate(ctx, second.AccessToken); err != nil {
		t.Fatalf("authenticate rotated: %v", err)
	}

	_, err = h.coord.Refresh(ctx, "phone", first.RefreshToken)
	requireReason(t, err, ReasonTokenReuseDetected)

	_, err = h.coord.Authenticate(ctx, second.AccessToken)
	requireReason(t, err, ReasonTokenInvalid)
}

func TestCacheOutageDoesNotChangeOutcomes(t *testing.T) {
	scenario := func(t *testing.T, h *harness) []Reason {
		ctx := context.Background()
		var out []Reason
		note := func(err error) {
			if err == nil {
				out = append(out, "ok")
				return
			}
			out = append(out, ReasonOf(err))
		}

		a := h.login(t, "u-1", "phone")
		_, err := h.coord.Authenticate(ctx, a.AccessToken)
		note(err)
		_, err = h.coord.Authenticate(ctx, a.AccessToken)
		note(err)
		_, err = h.coord.Authenticate(ctx, "garbage")
		note(err)

		note(h.coord.LogoutAll(ctx, "u-1"))
		_, err = h.coord.Authenticate(ctx, a.AccessToken)
		note(err)

		b := h.login(t, "u-1", "phone")
		_, err = h.coord.Authenticate(ctx, b.AccessToken)
		note(err)
		c, err := h.coord.Refresh(ctx, "phone", b.RefreshToken)
		note(err)
		_, err = h.coord.Refresh(ctx, "phone", b.RefreshToken)
		note(err)
		_, err = h.coord.Authenticate(ctx, c.AccessToken)
		note(err)

		d := h.login(t, "u-2", "tv")
		h.clock.Advance(900 * time.Second)
		_, err = h.coord.Authenticate(ctx, d.AccessToken)
		note(err)
		return out
	}

	healthy := newHarness(t)
	down := newHarness(t, withCacheStore(downCacheStore{}))

	want := scenario(t, healthy)
	got := scenario(t, down)
	if strings.Join(reasonStrings(got), ",") != strings.Join(reasonStrings(want), ",") {
		t.Fatalf("outcomes differ with cache down:\nhealthy: %v\ndown:    %v", want, got)
	}
	if down.coord.metrics.Value(MetricCacheError) == 0 {
		t.Fatal("expected cache errors to be counted")
	}
	if down.coord.metrics.Value(MetricCacheHit) != 0 {
		t.Fatal("a failing cache cannot hit")
	}
}

func reasonStrings(rs []Reason) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}

func TestSessionStoreOutageFailsClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.login(t, "u-1", "phone")

	h.mr.SetError("ERR store down")
	_, err := h.coord.Authenticate(ctx, pair.AccessToken)
	requireReason(t, err, ReasonRepositoryUnavailable)

	var repo *RepositoryUnavailableError
	if !errors.As(err, &repo) || repo.Op != "session_lookup" {
		t.Fatalf("expected session_lookup failure, got %v", err)
	}

	_, err = h.coord.Refresh(ctx, "phone", pair.RefreshToken)
	requireReason(t, err, ReasonRepositoryUnavailable)
	if !strings.Contains(h.logs.String(), `"level":"warn"`) {
		t.Fatal("expected store outage to be logged at warn")
	}

	h.mr.SetError("")
	if _, err := h.coord.Authenticate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}

func TestConcurrentAuthenticateSameToken(t *testing.T) {
	h := newHarness(t)
	pair := h.login(t, "u-1", "phone")

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	idents := make(chan *identity.Identity, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ident, err := h.coord.Authenticate(context.Background(), pair.AccessToken)
			if err != nil {
				errs <- err
				return
			}
			idents <- ident
		}()
	}
	wg.Wait()
	close(idents)
	close(errs)

	for err := range errs {
		t.Fatalf("authenticate: %v", err)
	}
	seen := make(map[*identity.Identity]bool)
	for ident := range idents {
		if seen[ident] {
			t.Fatal("callers must not share an identity")
		}
		seen[ident] = true
	}
}

func TestSecretsNeverLoggedOrAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.login(t, "u-1", "phone")
	_, _ = h.coord.Authenticate(ctx, a.AccessToken)
	b, err := h.coord.Refresh(ctx, "phone", a.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_, _ = h.coord.Refresh(ctx, "phone", a.RefreshToken)
	_, _ = h.coord.Authenticate(ctx, b.AccessToken)
	_, _ = h.coord.Refresh(ctx, "phone", "bogus")
	h.clock.Advance(time.Hour)
	_, _ = h.coord.Authenticate(ctx, a.AccessToken)

	events := h.drainEvents()
	if len(events) == 0 {
		t.Fatal("expected audit events")
	}
	raw, err := json.Marshal(events)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	logs := h.logs.String()
	if logs == "" {
		t.Fatal("expected denial logs")
	}

	for _, secret := range []string{a.AccessToken, a.RefreshToken, b.AccessToken, b.RefreshToken} {
		if strings.Contains(logs, secret) {
			t.Fatal("token leaked into logs")
		}
		if bytes.Contains(raw, []byte(secret)) {
			t.Fatal("token leaked into audit events")
		}
	}
}

func TestAuditCarriesRequestContext(t *testing.T) {
	h := newHarness(t)
	ctx := WithUserAgent(WithClientIP(context.Background(), "203.0.113.7"), "plex-client/1.0")

	if _, err := h.coord.Login(ctx, "u-1", "phone", true); err != nil {
		t.Fatalf("login: %v", err)
	}
	_, _ = h.coord.Authenticate(ctx, "garbage")

	events := h.drainEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	login, denied := events[0], events[1]
	if login.Type != audit.EventLoginSuccess || !login.Success || login.TokenID == "" {
		t.Fatalf("unexpected login event: %+v", login)
	}
	if login.IP != "203.0.113.7" || login.Metadata["user_agent"] != "plex-client/1.0" || login.Metadata["remember_me"] != "true" {
		t.Fatalf("request context missing: %+v", login)
	}
	if denied.Type != audit.EventAuthenticateFailure || denied.Success || denied.Reason != string(ReasonTokenInvalid) {
		t.Fatalf("unexpected denial event: %+v", denied)
	}
}

func TestAuditDisabled(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Builder) {
		cfg.Audit.Enabled = false
	})
	h.login(t, "u-1", "phone")
	if events := h.drainEvents(); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
	if h.coord.AuditDropped() != 0 {
		t.Fatal("expected no drops")
	}
}

func TestMemoryCacheBackend(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Builder) {
		cfg.Cache.Backend = CacheBackendMemory
	})
	ctx := context.Background()
	pair := h.login(t, "u-1", "phone")

	for i := 0; i < 2; i++ {
		if _, err := h.coord.Authenticate(ctx, pair.AccessToken); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	}
	if err := h.coord.LogoutAll(ctx, "u-1"); err != nil {
		t.Fatalf("logout all: %v", err)
	}
	_, err := h.coord.Authenticate(ctx, pair.AccessToken)
	requireReason(t, err, ReasonTokenInvalid)
	if keys := h.mr.Keys(); len(keys) == 0 {
		t.Fatal("expected sessions in redis")
	}
	for _, k := range h.mr.Keys() {
		if strings.HasPrefix(k, "ac:") {
			t.Fatalf("memory backend must not write redis cache keys, found %s", k)
		}
	}
}

func TestMetricsSnapshotExposedForExporters(t *testing.T) {
	h := newHarness(t)
	pair := h.login(t, "u-1", "phone")
	_, _ = h.coord.Authenticate(context.Background(), pair.AccessToken)

	snap := h.coord.MetricsSnapshot()
	if snap.Counters[MetricLoginSuccess] != 1 || snap.Counters[MetricSessionCreated] != 1 {
		t.Fatalf("unexpected counters: %v", snap.Counters)
	}
	if buckets := snap.Histograms[MetricAuthenticateLatency]; len(buckets) != 8 {
		t.Fatalf("expected latency histogram, got %v", buckets)
	}
}
