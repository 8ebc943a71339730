// Package main provides the database migration CLI tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/MacJediWizard/keygate/internal/db"
	"github.com/rs/zerolog"
)

func main() {
	var (
		dbURL  = flag.String("db", "", "Database URL (or set DATABASE_URL env var)")
		status = flag.Bool("status", false, "Show schema version and pending migrations without applying")
		list   = flag.Bool("list", false, "List embedded migrations")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	if *list {
		migrations, err := db.GetMigrations()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to list migrations")
		}
		for _, m := range migrations {
			fmt.Printf("%03d: %s\n", m.Version, m.Name)
		}
		return
	}

	url := *dbURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		logger.Fatal().Msg("database URL required: use -db flag or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// A migration run needs few connections
	cfg := db.DefaultConfig(url)
	cfg.MaxConns = 5
	cfg.MinConns = 1

	database, err := db.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	if *status {
		if err := showStatus(ctx, database); err != nil {
			logger.Fatal().Err(err).Msg("failed to read schema status")
		}
		return
	}

	logger.Info().Msg("running database migrations")
	if err := database.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	version, err := database.CurrentVersion(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not get current version")
	} else {
		logger.Info().Int("version", version).Msg("migrations complete")
	}
}

func showStatus(ctx context.Context, database *db.DB) error {
	version, err := database.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	migrations, err := db.GetMigrations()
	if err != nil {
		return err
	}

	fmt.Printf("Current schema version: %d\n", version)
	pending := 0
	for _, m := range migrations {
		if m.Version > version {
			fmt.Printf("  pending %03d: %s\n", m.Version, m.Name)
			pending++
		}
	}
	if pending == 0 {
		fmt.Println("Schema is up to date")
	}
	return nil
}
