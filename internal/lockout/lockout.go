// Package lockout counts failed password attempts per username in redis
// and refuses further attempts once a threshold is reached.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultThreshold = 5
	DefaultWindow    = 15 * time.Minute
	DefaultPrefix    = "lo"
)

// ErrUnavailable is returned when redis cannot be reached. Callers fail
// closed on it.
var ErrUnavailable = errors.New("lockout backend unavailable")

// Config sets how many failures within Window lock a username. The window
// starts at the first failure and the lock ends with it.
type Config struct {
	Threshold int
	Window    time.Duration
	Prefix    string
}

// Limiter is safe for concurrent use. A nil Limiter never locks.
type Limiter struct {
	rdb redis.UniversalClient
	cfg Config
}

func New(rdb redis.UniversalClient, cfg Config) (*Limiter, error) {
	if rdb == nil {
		return nil, errors.New("lockout requires a redis client")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Threshold < 1 || cfg.Window < time.Second {
		return nil, errors.New("invalid lockout configuration")
	}
	return &Limiter{rdb: rdb, cfg: cfg}, nil
}

func (l *Limiter) key(username string) string {
	return l.cfg.Prefix + ":" + strings.ToLower(username)
}

// Locked reports whether username has used up its attempts.
func (l *Limiter) Locked(ctx context.Context, username string) (bool, error) {
	if l == nil || username == "" {
		return false, nil
	}
	n, err := l.rdb.Get(ctx, l.key(username)).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n >= l.cfg.Threshold, nil
}

// RecordFailure counts one failed attempt and reports whether username is
// now locked.
func (l *Limiter) RecordFailure(ctx context.Context, username string) (bool, error) {
	if l == nil || username == "" {
		return false, nil
	}
	key := l.key(username)
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 1 {
		if err := l.rdb.PExpire(ctx, key, l.cfg.Window).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return n >= int64(l.cfg.Threshold), nil
}

// Reset clears the count after a successful login.
func (l *Limiter) Reset(ctx context.Context, username string) error {
	if l == nil || username == "" {
		return nil
	}
	if err := l.rdb.Del(ctx, l.key(username)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
