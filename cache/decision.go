package cache

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/KingInYellow18/medianest/auth/identity"
)

const (
	DefaultTTLCeiling = 60 * time.Second
	DefaultTimeout    = 50 * time.Millisecond
)

// Fingerprint returns the cache key for an access token. The raw token is
// never used as a key.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Decision is a cached successful authentication.
type Decision struct {
	Identity identity.Identity
	// Epoch is the user's invalidation epoch read before the decision was
	// computed. A decision whose epoch no longer matches is a miss.
	Epoch uint64
}

// Config tunes a DecisionCache.
type Config struct {
	TTLCeiling time.Duration
	Timeout    time.Duration
	Now        func() time.Time
	Logger     zerolog.Logger
	// OnError, when set, is called for every backend failure.
	OnError func(op string, err error)
}

// DecisionCache stores successful authentication decisions keyed by token
// fingerprint. Every backend failure is a miss: the cache can make
// authentication faster, never change its outcome beyond the TTL ceiling.
type DecisionCache struct {
	store      Store
	ttlCeiling time.Duration
	timeout    time.Duration
	now        func() time.Time
	log        zerolog.Logger
	onError    func(op string, err error)
}

func NewDecisionCache(store Store, cfg Config) (*DecisionCache, error) {
	if store == nil {
		return nil, errors.New("cache store required")
	}
	if cfg.TTLCeiling == 0 {
		cfg.TTLCeiling = DefaultTTLCeiling
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TTLCeiling < 0 || cfg.Timeout < 0 {
		return nil, errors.New("invalid decision cache configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &DecisionCache{
		store:      store,
		ttlCeiling: cfg.TTLCeiling,
		timeout:    cfg.Timeout,
		now:        cfg.Now,
		log:        cfg.Logger,
		onError:    cfg.OnError,
	}, nil
}

func decisionKey(fingerprint string) string { return "d:" + fingerprint }
func epochKey(userID string) string         { return "e:" + userID }

// Get returns the cached decision for fingerprint, if one is present, not
// past token expiry and written under the user's current epoch.
func (c *DecisionCache) Get(ctx context.Context, fingerprint string) (*Decision, bool) {
	raw, err := c.get(ctx, decisionKey(fingerprint))
	if err != nil {
		return nil, false
	}
	d, err := decodeDecision(raw)
	if err != nil {
		c.fail("decode", err)
		_ = c.invalidate(ctx, decisionKey(fingerprint))
		return nil, false
	}
	if !d.Identity.ExpiresAt.After(c.now()) {
		return nil, false
	}
	epoch, ok := c.Epoch(ctx, d.Identity.UserID)
	if !ok || epoch != d.Epoch {
		return nil, false
	}
	return d, true
}

// Epoch returns the current invalidation epoch of userID. ok is false when
// the backend could not be read, in which case nothing should be cached.
func (c *DecisionCache) Epoch(ctx context.Context, userID string) (uint64, bool) {
	raw, err := c.get(ctx, epochKey(userID))
	if errors.Is(err, ErrMiss) {
		return 0, true
	}
	if err != nil {
		return 0, false
	}
	if len(raw) != 8 {
		c.fail("decode", errors.New("invalid epoch"))
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}

// Put caches d for min(TTL ceiling, remaining token lifetime). A token at
// or past expiry is not cached.
func (c *DecisionCache) Put(ctx context.Context, fingerprint string, d *Decision) {
	ttl := d.Identity.ExpiresAt.Sub(c.now())
	if ttl > c.ttlCeiling {
		ttl = c.ttlCeiling
	}
	if ttl <= 0 {
		return
	}
	raw, err := encodeDecision(d)
	if err != nil {
		c.fail("encode", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Put(ctx, decisionKey(fingerprint), raw, ttl); err != nil {
		c.fail("put", err)
	}
}

// Invalidate drops the decision for fingerprint.
func (c *DecisionCache) Invalidate(ctx context.Context, fingerprint string) error {
	return c.invalidate(ctx, decisionKey(fingerprint))
}

// InvalidateAllForUser moves userID to a fresh epoch so every decision
// cached for them stops matching. If the epoch entry is later evicted,
// older decisions can still be served until their TTL lapses.
func (c *DecisionCache) InvalidateAllForUser(ctx context.Context, userID string) error {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return err
	}
	if binary.BigEndian.Uint64(raw[:]) == 0 {
		raw[7] = 1
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Put(ctx, epochKey(userID), raw[:], c.ttlCeiling); err != nil {
		c.fail("invalidate_user", err)
		return err
	}
	return nil
}

func (c *DecisionCache) get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrMiss) {
		c.fail("get", err)
	}
	return raw, err
}

func (c *DecisionCache) invalidate(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Invalidate(ctx, key); err != nil {
		c.fail("invalidate", err)
		return err
	}
	return nil
}

func (c *DecisionCache) fail(op string, err error) {
	c.log.Warn().Err(err).Str("op", op).Msg("decision cache degraded, treating as miss")
	if c.onError != nil {
		c.onError(op, err)
	}
}
