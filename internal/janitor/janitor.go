// Package janitor periodically deletes dead rows from the Postgres session
// store. Redis sessions expire on their own and need no janitor.
package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Purger is implemented by *session.PostgresStore.
type Purger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	// Schedule is a standard cron expression or descriptor such as "@every 1h".
	Schedule string
	// Retention keeps revoked rows around so late replays still read as reuse.
	Retention time.Duration
	Timeout   time.Duration
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Janitor runs purges on a cron schedule. A tick that fires while the
// previous purge is still running is skipped.
type Janitor struct {
	purger Purger
	cfg    Config
	cron   *cron.Cron
}

func New(purger Purger, cfg Config) (*Janitor, error) {
	if purger == nil {
		return nil, errors.New("purger required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := cronLogger{log: cfg.Logger}
	j := &Janitor{purger: purger, cfg: cfg}
	j.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := j.cron.AddFunc(cfg.Schedule, j.tick); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
	j.cfg.Logger.Info().Str("schedule", j.cfg.Schedule).Msg("session janitor started")
}

// Stop waits for a running purge to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (j *Janitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Timeout)
	defer cancel()
	_, _ = j.RunOnce(ctx)
}

// RunOnce purges expired sessions and sessions revoked longer than the
// retention ago. It returns the number of rows deleted.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	now := j.cfg.Now()

	expired, err := j.purger.PurgeExpired(ctx, now)
	if err != nil {
		j.cfg.Logger.Error().Err(err).Msg("purge expired sessions failed")
		return 0, err
	}
	revoked, err := j.purger.PurgeRevoked(ctx, now.Add(-j.cfg.Retention))
	if err != nil {
		j.cfg.Logger.Error().Err(err).Msg("purge revoked sessions failed")
		return expired, err
	}

	j.cfg.Logger.Info().
		Int64("expired", expired).
		Int64("revoked", revoked).
		Msg("session purge complete")
	return expired + revoked, nil
}

// cronLogger routes cron's own logging to zerolog. Scheduler chatter goes
// to debug; skipped ticks are worth a warning.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	evt := l.log.Debug()
	if msg == "skip" {
		evt = l.log.Warn()
		msg = "previous purge still running, skipping"
	}
	evt.Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
