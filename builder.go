package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/KingInYellow18/medianest/auth/audit"
	"github.com/KingInYellow18/medianest/auth/cache"
	"github.com/KingInYellow18/medianest/auth/identity"
	"github.com/KingInYellow18/medianest/auth/internal/lockout"
	"github.com/KingInYellow18/medianest/auth/jwt"
	"github.com/KingInYellow18/medianest/auth/password"
	"github.com/KingInYellow18/medianest/auth/session"
)

// Builder assembles a Coordinator. Configure it during initialization and
// call Build once.
type Builder struct {
	config Config

	redis        redis.UniversalClient
	db           *sql.DB
	sessionStore session.Store
	userStore    identity.Store
	cacheStore   cache.Store
	auditSink    audit.Sink
	logger       *zerolog.Logger
	now          func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis supplies the client used for the redis session and cache
// backends when no explicit store is given.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithDB supplies the database used by the postgres session backend.
func (b *Builder) WithDB(db *sql.DB) *Builder {
	b.db = db
	return b
}

func (b *Builder) WithSessionStore(store session.Store) *Builder {
	b.sessionStore = store
	return b
}

func (b *Builder) WithUserStore(store identity.Store) *Builder {
	b.userStore = store
	return b
}

func (b *Builder) WithCacheStore(store cache.Store) *Builder {
	b.cacheStore = store
	return b
}

// WithAuditSink replaces the default sink, which writes events to the
// logger.
func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(log zerolog.Logger) *Builder {
	b.logger = &log
	return b
}

// WithClock replaces time.Now everywhere. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires every component. A Builder
// can be built once.
func (b *Builder) Build() (*Coordinator, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if b.userStore == nil {
		return nil, errors.New("user store required")
	}

	cfg := b.config
	now := b.now
	if now == nil {
		now = time.Now
	}
	log := zerolog.Nop()
	if b.logger != nil {
		log = *b.logger
	}
	log = log.With().Str("component", "auth").Logger()

	tokens, err := jwt.NewManager(jwt.Config{
		Secret:        []byte(cfg.Token.Secret),
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		AccessTTL:     cfg.Token.AccessTTL,
		RememberMeTTL: cfg.Token.RememberMeTTL,
		Leeway:        cfg.Token.Leeway,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	users, err := identity.NewValidator(b.userStore, cfg.Store.Timeout)
	if err != nil {
		return nil, err
	}
	hasher, err := password.NewArgon2(cfg.Password.Hash)
	if err != nil {
		return nil, fmt.Errorf("invalid password config: %w", err)
	}
	var limiter *lockout.Limiter
	if b.redis != nil && cfg.Password.LockoutThreshold > 0 {
		limiter, err = lockout.New(b.redis, lockout.Config{
			Threshold: cfg.Password.LockoutThreshold,
			Window:    cfg.Password.LockoutWindow,
			Prefix:    cfg.Password.LockoutPrefix,
		})
		if err != nil {
			return nil, err
		}
	}

	store, err := b.buildSessionStore()
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(store, tokens, users, session.Config{
		Lifetime:           cfg.Session.Lifetime,
		RememberMeLifetime: cfg.Session.RememberMeLifetime,
		StoreTimeout:       cfg.Store.Timeout,
	})
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		tokens:   tokens,
		sessions: sessions,
		users:    users,
		hasher:   hasher,
		lockout:  limiter,
		metrics:  NewMetrics(cfg.Metrics),
		log:      log,
		now:      now,
	}

	cacheStore := b.cacheStore
	if cacheStore == nil {
		if cfg.Cache.Backend == CacheBackendRedis && b.redis != nil {
			cacheStore = cache.NewRedisStore(b.redis, cfg.Redis.CachePrefix)
		} else {
			mem, err := cache.NewMemoryStore(cache.MemoryConfig{MaxCost: cfg.Cache.MaxCost})
			if err != nil {
				return nil, err
			}
			cacheStore = mem
			c.closers = append(c.closers, mem.Close)
		}
	}
	c.cache, err = cache.NewDecisionCache(cacheStore, cache.Config{
		TTLCeiling: cfg.Cache.TTLCeiling,
		Timeout:    cfg.Cache.Timeout,
		Now:        now,
		Logger:     log,
		OnError: func(string, error) {
			c.metrics.Inc(MetricCacheError)
		},
	})
	if err != nil {
		c.Close()
		return nil, err
	}

	sink := b.auditSink
	if sink == nil {
		sink = audit.NewZerologSink(log)
	}
	c.dispatcher = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, sink)
	if c.dispatcher != nil {
		c.audit = c.dispatcher
	}

	b.built = true
	return c, nil
}

func (b *Builder) buildSessionStore() (session.Store, error) {
	if b.sessionStore != nil {
		return b.sessionStore, nil
	}
	switch b.config.Session.Backend {
	case SessionBackendRedis:
		if b.redis == nil {
			return nil, errors.New("redis session backend requires a redis client")
		}
		return session.NewRedisStore(b.redis, b.config.Redis.SessionPrefix), nil
	case SessionBackendPostgres:
		if b.db == nil {
			return nil, errors.New("postgres session backend requires a database")
		}
		return session.NewPostgresStore(b.db), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", b.config.Session.Backend)
	}
}
