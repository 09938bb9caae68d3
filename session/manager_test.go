package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KingInYellow18/medianest/auth/identity"
	"github.com/KingInYellow18/medianest/auth/jwt"
	"github.com/KingInYellow18/medianest/auth/refresh"
)

type staticResolver struct {
	mu   sync.Mutex
	subs map[string]jwt.Subject
	err  error
}

func (r *staticResolver) ResolveSubject(_ context.Context, userID string) (jwt.Subject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return jwt.Subject{}, r.err
	}
	sub, ok := r.subs[userID]
	if !ok {
		return jwt.Subject{}, identity.ErrUserNotFound
	}
	return sub, nil
}

func (r *staticResolver) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func newTokenManager(t *testing.T) *jwt.Manager {
	t.Helper()
	m, err := jwt.NewManager(jwt.Config{
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Issuer:   "medianest",
		Audience: "medianest-app",
		Now:      func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	return m
}

func newManagerTest(t *testing.T, store Store) (*Manager, *staticResolver) {
	t.Helper()
	resolver := &staticResolver{subs: map[string]jwt.Subject{
		"u-1": {Email: "one@example.com", Role: "user"},
		"u-2": {Email: "two@example.com", Role: "admin", Provider: jwt.Provider("plex-2")},
	}}
	m, err := NewManager(store, newTokenManager(t), resolver, Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, resolver
}

func TestManagerCreateIssuesPair(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newManagerTest(t, store)
	ctx := context.Background()

	pair, err := m.Create(ctx, "u-2", "dev-1", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(pair.RefreshToken) != refresh.TokenLength {
		t.Fatalf("expected %d char refresh token, got %q", refresh.TokenLength, pair.RefreshToken)
	}
	if pair.Access.Role != "admin" || pair.Access.DeviceID != "dev-1" || !pair.Access.Provider.IsSet() {
		t.Fatalf("unexpected access claims: %+v", pair.Access)
	}
	if got := pair.Access.ExpiresAt.Sub(pair.Access.IssuedAt); got != jwt.DefaultRememberMeTTL {
		t.Fatalf("expected remember-me access lifetime, got %s", got)
	}

	stored, err := store.Get(ctx, "dev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want, _ := refresh.HashToken(pair.RefreshToken)
	if stored.RefreshHash != want {
		t.Fatal("store must hold the hash of the issued refresh token")
	}
	if stored.ExpiresAt != testNow.Add(DefaultRememberMeLifetime).Unix() {
		t.Fatalf("expected remember-me session lifetime, got %d", stored.ExpiresAt)
	}

	state, err := m.State(ctx, "dev-1")
	if err != nil || state != StateActive {
		t.Fatalf("expected active, got %s, %v", state, err)
	}
}

func TestManagerSequentialRotations(t *testing.T) {
	m, _ := newManagerTest(t, NewMemoryStore())
	ctx := context.Background()

	pair, err := m.Create(ctx, "u-1", "dev-1", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	seen := map[string]struct{}{pair.RefreshToken: {}}
	for i := 0; i < 10; i++ {
		pair, err = m.Rotate(ctx, "dev-1", pair.RefreshToken)
		if err != nil {
			t.Fatalf("rotation %d: %v", i, err)
		}
		if _, dup := seen[pair.RefreshToken]; dup {
			t.Fatalf("rotation %d reissued a refresh token", i)
		}
		seen[pair.RefreshToken] = struct{}{}
	}
}

func TestManagerReuseRevokesAllUserSessions(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newManagerTest(t, store)
	ctx := context.Background()

	first, err := m.Create(ctx, "u-1", "dev-1", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other, err := m.Create(ctx, "u-1", "dev-2", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bystander, err := m.Create(ctx, "u-2", "dev-3", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	second, err := m.Rotate(ctx, "dev-1", first.RefreshToken)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	_, err = m.Rotate(ctx, "dev-1", first.RefreshToken)
	var reuse *ReuseError
	if !errors.As(err, &reuse) || !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected reuse, got %v", err)
	}
	if reuse.UserID != "u-1" || reuse.Revoked != 1 || reuse.RevokeErr != nil {
		t.Fatalf("unexpected reuse detail: %+v", reuse)
	}

	if _, err := m.Rotate(ctx, "dev-1", second.RefreshToken); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected the latest token to be dead after reuse, got %v", err)
	}
	if _, err := m.Rotate(ctx, "dev-2", other.RefreshToken); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected sibling session revoked, got %v", err)
	}
	if _, err := m.Rotate(ctx, "dev-3", bystander.RefreshToken); err != nil {
		t.Fatalf("expected other user's session untouched: %v", err)
	}

	state, err := m.State(ctx, "dev-1")
	if err != nil || state != StateRevoked {
		t.Fatalf("expected revoked, got %s, %v", state, err)
	}
}

func TestManagerRotateRevokedDoesNotCascade(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newManagerTest(t, store)
	ctx := context.Background()

	a, _ := m.Create(ctx, "u-1", "dev-1", false)
	b, _ := m.Create(ctx, "u-1", "dev-2", false)
	if _, err := m.Revoke(ctx, "dev-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, err := m.Rotate(ctx, "dev-1", a.RefreshToken)
	var reuse *ReuseError
	if !errors.As(err, &reuse) || !errors.Is(reuse.Cause, ErrSessionRevoked) {
		t.Fatalf("expected reuse on revoked session, got %v", err)
	}
	if _, err := m.Rotate(ctx, "dev-2", b.RefreshToken); err != nil {
		t.Fatalf("expected sibling to survive a revoked-session attempt: %v", err)
	}
}

func TestManagerMalformedTokenHasNoSideEffect(t *testing.T) {
	m, _ := newManagerTest(t, NewMemoryStore())
	ctx := context.Background()

	pair, _ := m.Create(ctx, "u-1", "dev-1", false)
	if _, err := m.Rotate(ctx, "dev-1", "not-a-refresh-token"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if _, err := m.Rotate(ctx, "dev-1", pair.RefreshToken); err != nil {
		t.Fatalf("expected session intact after malformed attempt: %v", err)
	}
}

func TestManagerConcurrentRotationSingleWinner(t *testing.T) {
	store, _, _ := newRedisStoreTest(t)
	m, _ := newManagerTest(t, store)
	ctx := context.Background()

	pair, err := m.Create(ctx, "u-1", "dev-1", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 16
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		successes atomic.Int64
		reuses    atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Rotate(ctx, "dev-1", pair.RefreshToken)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrReuseDetected):
				reuses.Add(1)
			default:
				t.Errorf("unexpected rotate error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 || reuses.Load() != workers-1 {
		t.Fatalf("expected 1 winner and %d reuses, got %d and %d", workers-1, successes.Load(), reuses.Load())
	}
}

func TestManagerResolverFailureLeavesSessionUntouched(t *testing.T) {
	store := NewMemoryStore()
	m, resolver := newManagerTest(t, store)
	ctx := context.Background()

	pair, _ := m.Create(ctx, "u-1", "dev-1", false)
	before, _ := store.Get(ctx, "dev-1")
	resolver.fail(identity.ErrUserDisabled)

	if _, err := m.Rotate(ctx, "dev-1", pair.RefreshToken); !errors.Is(err, identity.ErrUserDisabled) {
		t.Fatalf("expected disabled user, got %v", err)
	}
	after, _ := store.Get(ctx, "dev-1")
	if after.Revoked || after.RefreshHash != before.RefreshHash {
		t.Fatal("a refused rotation must not touch the session")
	}
}

func TestManagerUserStoreOutageIsNotReuse(t *testing.T) {
	store := NewMemoryStore()
	m, resolver := newManagerTest(t, store)
	ctx := context.Background()

	pair, _ := m.Create(ctx, "u-1", "dev-1", false)
	other, _ := m.Create(ctx, "u-1", "dev-2", false)
	resolver.fail(identity.ErrStoreUnavailable)

	_, err := m.Rotate(ctx, "dev-1", pair.RefreshToken)
	if !errors.Is(err, identity.ErrStoreUnavailable) {
		t.Fatalf("expected user store outage, got %v", err)
	}
	resolver.fail(nil)

	next, err := m.Rotate(ctx, "dev-1", pair.RefreshToken)
	if err != nil {
		t.Fatalf("retry after outage: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("expected a fresh refresh token")
	}
	if _, err := m.Rotate(ctx, "dev-2", other.RefreshToken); err != nil {
		t.Fatalf("other device must stay usable: %v", err)
	}
}

// handoffStore gives the device to another user just before the swap.
type handoffStore struct {
	*MemoryStore
	to string
}

func (h *handoffStore) CompareAndSwapHash(ctx context.Context, deviceID string, expected, next refresh.Hash, now time.Time) (*Session, error) {
	cur, err := h.MemoryStore.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	cur.UserID = h.to
	if err := h.MemoryStore.Create(ctx, cur); err != nil {
		return nil, err
	}
	return h.MemoryStore.CompareAndSwapHash(ctx, deviceID, expected, next, now)
}

func TestManagerRevokesAfterSwapWhenNewOwnerIsGone(t *testing.T) {
	store := &handoffStore{MemoryStore: NewMemoryStore(), to: "u-gone"}
	m, _ := newManagerTest(t, store)
	ctx := context.Background()

	pair, err := m.Create(ctx, "u-1", "dev-1", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Rotate(ctx, "dev-1", pair.RefreshToken); !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("expected unknown user, got %v", err)
	}
	stored, _ := store.MemoryStore.Get(ctx, "dev-1")
	if !stored.Revoked {
		t.Fatal("expected device revoked when its owner no longer resolves")
	}
}

func TestManagerSessionIDsAreUniquePerCreate(t *testing.T) {
	m, _ := newManagerTest(t, NewMemoryStore())
	ctx := context.Background()

	first, _ := m.Create(ctx, "u-1", "dev-1", false)
	second, _ := m.Create(ctx, "u-1", "dev-1", false)
	if first.Session.ID == "" || first.Session.ID == second.Session.ID {
		t.Fatalf("expected distinct session ids, got %q and %q", first.Session.ID, second.Session.ID)
	}
	if first.Access.SessionID != first.Session.ID {
		t.Fatalf("access token must carry the session id, got %q", first.Access.SessionID)
	}

	rotated, err := m.Rotate(ctx, "dev-1", second.RefreshToken)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Access.SessionID != second.Session.ID {
		t.Fatal("rotation must keep the session id")
	}
}

func TestManagerExpiredSession(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newManagerTest(t, store)
	ctx := context.Background()

	h := mustHash(t)
	sess := testSession("dev-1", "u-1", h)
	sess.ExpiresAt = testNow.Unix()
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.State(ctx, "dev-1"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

type blockingStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) CompareAndSwapHash(ctx context.Context, deviceID string, expected, next refresh.Hash, now time.Time) (*Session, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.MemoryStore.CompareAndSwapHash(ctx, deviceID, expected, next, now)
}

func TestManagerReportsRotationInFlight(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	m, _ := newManagerTest(t, store)
	ctx := context.Background()

	pair, _ := m.Create(ctx, "u-1", "dev-1", false)
	done := make(chan error, 1)
	go func() {
		_, err := m.Rotate(ctx, "dev-1", pair.RefreshToken)
		done <- err
	}()

	<-store.entered
	state, err := m.State(ctx, "dev-1")
	if err != nil || state != StateRotationInFlight {
		t.Fatalf("expected rotation in flight, got %s, %v", state, err)
	}
	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if state, _ := m.State(ctx, "dev-1"); state != StateActive {
		t.Fatalf("expected active after rotation, got %s", state)
	}
}

func TestManagerStoreTimeoutFailsClosed(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	m, err := NewManager(store, newTokenManager(t), nil, Config{StoreTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()
	pair, err := m.Create(ctx, "u-1", "dev-1", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = m.Rotate(ctx, "dev-1", pair.RefreshToken)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable on timeout, got %v", err)
	}
}
