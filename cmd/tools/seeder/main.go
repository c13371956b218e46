package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/noah-isme/backend-pricing/internal/app"
	"github.com/noah-isme/backend-pricing/internal/config"
	"github.com/noah-isme/backend-pricing/internal/obs"
	"github.com/noah-isme/backend-pricing/internal/repo"
	"github.com/noah-isme/backend-pricing/internal/seed"
)

func main() {
	packPath := flag.String("pack", "seed/pricing.yaml", "YAML pack of rules and promotions")
	skipMigrate := flag.Bool("skip-migrate", false, "do not run schema migrations first")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "seeder").Logger()
	if !cfg.UsesPostgres() {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*skipMigrate {
		if err := repo.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Msg("migrations applied")
	}

	p, err := seed.LoadFile(*packPath)
	if err != nil {
		logger.Fatal().Err(err).Str("pack", *packPath).Msg("load pack")
	}

	// Rules are written to the database even if RULES_FILE is set.
	cfg.RulesFile = ""
	graph, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("init dependencies")
	}
	sum, err := seed.Apply(ctx, p, graph.Store, graph.Promotions)
	closeErr := graph.Close(context.Background())
	if err != nil {
		logger.Error().Err(err).Msg("seed failed")
		os.Exit(1)
	}
	if closeErr != nil {
		logger.Warn().Err(closeErr).Msg("close dependencies")
	}
	logger.Info().
		Int("rules", sum.Rules).
		Int("promotions_created", sum.PromotionsCreated).
		Int("promotions_updated", sum.PromotionsUpdated).
		Msg("seeding completed")
}
