package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrMiss is returned by Store.Get when the key is absent.
	ErrMiss = errors.New("cache miss")
	// ErrNotAdmitted is returned by MemoryStore.Put when ristretto drops
	// or refuses the write.
	ErrNotAdmitted = errors.New("cache write not admitted")
)

// Store is a byte-valued key/value cache with per-entry TTL.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// RedisStore keeps entries as plain Redis strings under a prefix.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ac"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return b, err
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *RedisStore) Invalidate(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

// MemoryConfig sizes a MemoryStore.
type MemoryConfig struct {
	// MaxCost is the total size of cached values in bytes.
	MaxCost int64
	// NumCounters is the number of keys tracked for admission.
	NumCounters int64
}

// MemoryStore is an in-process Store on ristretto. Entries may be refused
// or evicted at any time, which callers already treat as a miss.
type MemoryStore struct {
	c *ristretto.Cache[string, []byte]
}

func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 64 << 20
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 1e6
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize decision cache: %w", err)
	}
	return &MemoryStore{c: c}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

// Put reports ErrNotAdmitted when the write was dropped from the set
// buffer or refused by the admission policy. An epoch write that fails
// this way must not pass for an invalidation.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !s.c.SetWithTTL(key, value, int64(len(value)), ttl) {
		return ErrNotAdmitted
	}
	s.c.Wait()
	if _, ok := s.c.Get(key); !ok {
		return ErrNotAdmitted
	}
	return nil
}

func (s *MemoryStore) Invalidate(_ context.Context, key string) error {
	s.c.Del(key)
	s.c.Wait()
	return nil
}

// Close stops the ristretto background goroutines.
func (s *MemoryStore) Close() {
	s.c.Close()
}
