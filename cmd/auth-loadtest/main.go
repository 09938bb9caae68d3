package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	auth "github.com/KingInYellow18/medianest/auth"
	"github.com/KingInYellow18/medianest/auth/identity"
	"github.com/KingInYellow18/medianest/auth/internal/redisx"
	"github.com/KingInYellow18/medianest/auth/metrics/export/prometheus"
)

type deviceState struct {
	deviceID string
	mu       sync.Mutex
	access   string
	refresh  string
}

func main() {
	var (
		devices     = flag.Int("devices", 10000, "number of device sessions to seed")
		users       = flag.Int("users", 1000, "number of users the devices are spread over")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase (authenticate + refresh)")
		racers      = flag.Int("racers", 32, "concurrent rotations per device in the race phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "lt", "session key prefix")
		metricsOut  = flag.String("metrics-out", "", "write the final metrics in Prometheus text format to this file; \"-\" for stdout")
	)
	flag.Parse()

	if *devices <= 0 || *users <= 0 || *concurrency <= 0 || *ops <= 0 || *racers <= 1 {
		fmt.Fprintln(os.Stderr, "devices, users, concurrency, ops must be > 0 and racers > 1")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		rdb, err := redisx.Open(ctx, redisx.Config{Addr: addr, PoolSize: *concurrency})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		client = rdb
		cleanup = func() { _ = rdb.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	records := make([]identity.Record, *users)
	for i := range records {
		records[i] = identity.Record{
			ID:       fmt.Sprintf("u-%d", i),
			Username: fmt.Sprintf("user%d", i),
			Role:     identity.RoleUser,
			Active:   true,
		}
	}

	cfg := auth.DefaultConfig()
	cfg.Token.Secret = "loadtest-secret-loadtest-secret-32"
	cfg.Token.Issuer = "medianest-loadtest"
	cfg.Token.Audience = "medianest-loadtest"
	cfg.Redis.SessionPrefix = *prefix
	cfg.Redis.CachePrefix = *prefix + "c"
	cfg.Audit.Enabled = false

	coord, err := auth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserStore(identity.NewMemoryStore(records...)).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	defer coord.Close()

	states := make([]deviceState, *devices)
	fmt.Printf("seeding %d device sessions...\n", *devices)
	startSeed := time.Now()
	for i := range states {
		deviceID := fmt.Sprintf("dev-%d", i)
		pair, err := coord.Login(ctx, fmt.Sprintf("u-%d", i%*users), deviceID, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
			os.Exit(1)
		}
		states[i].deviceID = deviceID
		states[i].access = pair.AccessToken
		states[i].refresh = pair.RefreshToken
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	authStats := runPhase(ctx, *ops, *concurrency, func(ctx context.Context, r *rand.Rand, _ int) error {
		state := &states[r.Intn(len(states))]
		state.mu.Lock()
		token := state.access
		state.mu.Unlock()
		_, err := coord.Authenticate(ctx, token)
		return err
	})

	refreshStats := runPhase(ctx, *ops, *concurrency, func(ctx context.Context, r *rand.Rand, _ int) error {
		state := &states[r.Intn(len(states))]
		state.mu.Lock()
		defer state.mu.Unlock()
		pair, err := coord.Refresh(ctx, state.deviceID, state.refresh)
		if err != nil {
			return err
		}
		state.access = pair.AccessToken
		state.refresh = pair.RefreshToken
		return nil
	})

	raceDevices := min(len(states), *users, 100)
	race := runRacePhase(ctx, coord, states[:raceDevices], *racers)

	snap := coord.MetricsSnapshot()
	fmt.Println("---- results ----")
	printStats("authenticate", authStats)
	printStats("refresh", refreshStats)
	fmt.Printf("race: devices=%d winners=%d reuse=%d revoked=%d other=%d\n",
		raceDevices, race.winners, race.reuse, race.revoked, race.other)
	fmt.Printf("cache: hit=%d miss=%d error=%d\n",
		snap.Counters[auth.MetricCacheHit],
		snap.Counters[auth.MetricCacheMiss],
		snap.Counters[auth.MetricCacheError],
	)
	if *metricsOut != "" {
		if err := writeMetrics(coord, *metricsOut); err != nil {
			fmt.Fprintf(os.Stderr, "metrics: %v\n", err)
			os.Exit(1)
		}
	}
	if race.other > 0 || race.winners != int64(raceDevices) {
		os.Exit(1)
	}
}

func writeMetrics(coord *auth.Coordinator, path string) error {
	exp := prometheus.New(coord)
	if path == "-" {
		_, err := exp.WriteTo(os.Stdout)
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := exp.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// runPhase spreads ops calls of op over concurrency workers.
func runPhase(ctx context.Context, ops, concurrency int, op func(context.Context, *rand.Rand, int) error) phaseStats {
	var (
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		worker := w
		g.Go(func() error {
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return nil
				}
				t0 := time.Now()
				err := op(gctx, r, i)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		})
	}
	_ = g.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type raceStats struct {
	winners int64
	reuse   int64
	revoked int64
	other   int64
}

// runRacePhase presents the same refresh token from racers goroutines per
// device. Exactly one must win. Losers see reuse, or a revoked session once
// another loser has already triggered the revocation. Each device must
// belong to a distinct user.
func runRacePhase(ctx context.Context, coord *auth.Coordinator, states []deviceState, racers int) raceStats {
	var rs raceStats
	for i := range states {
		state := &states[i]
		var g errgroup.Group
		for j := 0; j < racers; j++ {
			g.Go(func() error {
				_, err := coord.Refresh(ctx, state.deviceID, state.refresh)
				switch {
				case err == nil:
					atomic.AddInt64(&rs.winners, 1)
				case errors.Is(err, auth.ErrTokenReuseDetected):
					atomic.AddInt64(&rs.reuse, 1)
				case errors.Is(err, auth.ErrTokenInvalid):
					atomic.AddInt64(&rs.revoked, 1)
				default:
					atomic.AddInt64(&rs.other, 1)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return rs
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
