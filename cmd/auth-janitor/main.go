// Command auth-janitor applies the schema migrations and then purges dead
// device sessions from Postgres on the configured schedule.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	auth "github.com/KingInYellow18/medianest/auth"
	"github.com/KingInYellow18/medianest/auth/internal/janitor"
	"github.com/KingInYellow18/medianest/auth/migrations"
	"github.com/KingInYellow18/medianest/auth/session"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file; environment only when empty")
		once       = flag.Bool("once", false, "run a single purge and exit")
	)
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "auth-janitor").Logger()

	if err := run(*configPath, *once, log); err != nil {
		log.Fatal().Err(err).Msg("janitor failed")
	}
}

func run(configPath string, once bool, log zerolog.Logger) error {
	var (
		cfg auth.Config
		err error
	)
	if configPath != "" {
		cfg, err = auth.LoadFile(configPath)
	} else {
		cfg, err = auth.LoadEnv()
	}
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if err := migrations.Up(ctx, db); err != nil {
		return err
	}
	log.Info().Msg("migrations applied")

	j, err := janitor.New(session.NewPostgresStore(db), janitor.Config{
		Schedule:  cfg.Janitor.Schedule,
		Retention: cfg.Janitor.Retention,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	if once {
		_, err := j.RunOnce(ctx)
		return err
	}

	j.Start()
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	j.Stop(shutdownCtx)
	return nil
}
