package auth

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/KingInYellow18/medianest/auth/password"
)

// Config is the full configuration of the authentication core. Zero values
// are not meaningful; start from DefaultConfig.
type Config struct {
	Token    TokenConfig    `yaml:"token"`
	Session  SessionConfig  `yaml:"session"`
	Password PasswordConfig `yaml:"password"`
	Cache    CacheConfig    `yaml:"cache"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Audit    AuditConfig    `yaml:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls access token signing. Secret must be at least 32
// bytes; it is never logged.
type TokenConfig struct {
	Secret        string        `yaml:"secret"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RememberMeTTL time.Duration `yaml:"remember_me_ttl"`
	Leeway        time.Duration `yaml:"leeway"`
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionBackend selects where device sessions live.
type SessionBackend string

const (
	SessionBackendRedis    SessionBackend = "redis"
	SessionBackendPostgres SessionBackend = "postgres"
)

type SessionConfig struct {
	Backend            SessionBackend `yaml:"backend"`
	Lifetime           time.Duration  `yaml:"lifetime"`
	RememberMeLifetime time.Duration  `yaml:"remember_me_lifetime"`
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig controls password login. Lockout needs a redis client;
// without one, or with LockoutThreshold 0, attempts are not counted.
type PasswordConfig struct {
	Hash             password.Config `yaml:"hash"`
	LockoutThreshold int             `yaml:"lockout_threshold"`
	LockoutWindow    time.Duration   `yaml:"lockout_window"`
	LockoutPrefix    string          `yaml:"lockout_prefix"`
}

/*
====================================
CACHE CONFIG
====================================
*/

// CacheBackend selects the decision cache store.
type CacheBackend string

const (
	CacheBackendRedis  CacheBackend = "redis"
	CacheBackendMemory CacheBackend = "memory"
)

type CacheConfig struct {
	Backend    CacheBackend  `yaml:"backend"`
	TTLCeiling time.Duration `yaml:"ttl_ceiling"`
	Timeout    time.Duration `yaml:"timeout"`
	// MaxCost bounds the memory backend in bytes.
	MaxCost int64 `yaml:"max_cost"`
}

// StoreConfig bounds every session and user store call. Timeouts fail closed.
type StoreConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	SessionPrefix string `yaml:"session_prefix"`
	CachePrefix   string `yaml:"cache_prefix"`
}

type DatabaseConfig struct {
	// Driver is the user store driver, "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// JanitorConfig schedules the purge of dead Postgres session rows.
type JanitorConfig struct {
	Schedule  string        `yaml:"schedule"`
	Retention time.Duration `yaml:"retention"`
}

type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns a configuration that is complete except for the
// token secret, issuer and audience.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:     900 * time.Second,
			RememberMeTTL: 2592000 * time.Second,
		},
		Session: SessionConfig{
			Backend:            SessionBackendRedis,
			Lifetime:           7 * 24 * time.Hour,
			RememberMeLifetime: 30 * 24 * time.Hour,
		},
		Password: PasswordConfig{
			Hash:             password.DefaultConfig(),
			LockoutThreshold: 5,
			LockoutWindow:    15 * time.Minute,
			LockoutPrefix:    "lo",
		},
		Cache: CacheConfig{
			Backend:    CacheBackendRedis,
			TTLCeiling: 60 * time.Second,
			Timeout:    50 * time.Millisecond,
			MaxCost:    64 << 20,
		},
		Store: StoreConfig{
			Timeout: 2 * time.Second,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			SessionPrefix: "ds",
			CachePrefix:   "ac",
		},
		Database: DatabaseConfig{
			Driver: "postgres",
		},
		Janitor: JanitorConfig{
			Schedule:  "@every 1h",
			Retention: 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Token.Secret) < 32 {
		errs = append(errs, errors.New("TOKEN_SECRET must be at least 32 bytes"))
	}
	if strings.TrimSpace(c.Token.Issuer) == "" {
		errs = append(errs, errors.New("TOKEN_ISSUER is required"))
	}
	if strings.TrimSpace(c.Token.Audience) == "" {
		errs = append(errs, errors.New("TOKEN_AUDIENCE is required"))
	}
	if c.Token.AccessTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TTL must be > 0"))
	}
	if c.Token.RememberMeTTL < c.Token.AccessTTL {
		errs = append(errs, errors.New("REMEMBER_ME_TTL must be >= ACCESS_TTL"))
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		errs = append(errs, errors.New("token leeway must be between 0 and 2m"))
	}

	switch c.Session.Backend {
	case SessionBackendRedis, SessionBackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("session backend must be redis or postgres, got %q", c.Session.Backend))
	}
	if c.Session.Lifetime < time.Second {
		errs = append(errs, errors.New("SESSION_TTL must be >= 1s"))
	}
	if c.Session.RememberMeLifetime < c.Session.Lifetime {
		errs = append(errs, errors.New("remember-me session lifetime must be >= SESSION_TTL"))
	}

	if c.Password.LockoutThreshold < 0 {
		errs = append(errs, errors.New("lockout threshold must be >= 0"))
	}
	if c.Password.LockoutThreshold > 0 && c.Password.LockoutWindow < time.Second {
		errs = append(errs, errors.New("lockout window must be >= 1s"))
	}

	switch c.Cache.Backend {
	case CacheBackendRedis, CacheBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("cache backend must be redis or memory, got %q", c.Cache.Backend))
	}
	if c.Cache.TTLCeiling <= 0 {
		errs = append(errs, errors.New("CACHE_TTL_CEILING must be > 0"))
	}
	if c.Cache.Timeout <= 0 {
		errs = append(errs, errors.New("CACHE_TIMEOUT must be > 0"))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be > 0"))
	}

	if c.Janitor.Schedule != "" {
		if _, err := cron.ParseStandard(c.Janitor.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("JANITOR_SCHEDULE is invalid: %w", err))
		}
	}
	if c.Janitor.Retention < 0 {
		errs = append(errs, errors.New("janitor retention must be >= 0"))
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		errs = append(errs, errors.New("audit buffer size must be > 0"))
	}

	return errors.Join(errs...)
}

// LoadFile reads a YAML configuration on top of DefaultConfig, then
// applies environment overrides. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadEnv builds a configuration from DefaultConfig and the environment.
func LoadEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be a duration or whole seconds, got %q", key, v))
			return
		}
		*dst = d
	}

	if v, ok := lookup("TOKEN_SECRET"); ok {
		c.Token.Secret = v
	}
	str("TOKEN_ISSUER", &c.Token.Issuer)
	str("TOKEN_AUDIENCE", &c.Token.Audience)
	dur("ACCESS_TTL", &c.Token.AccessTTL)
	dur("REMEMBER_ME_TTL", &c.Token.RememberMeTTL)
	dur("SESSION_TTL", &c.Session.Lifetime)
	dur("CACHE_TTL_CEILING", &c.Cache.TTLCeiling)
	dur("CACHE_TIMEOUT", &c.Cache.Timeout)
	dur("STORE_TIMEOUT", &c.Store.Timeout)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PREFIX", &c.Redis.SessionPrefix)
	str("DATABASE_URL", &c.Database.URL)
	str("JANITOR_SCHEDULE", &c.Janitor.Schedule)

	return errors.Join(errs...)
}

func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}
