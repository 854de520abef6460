// Server entry point: configuration, database, services, scheduler and the
// HTTP API, with graceful shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bisand/allegutta-web-sub000/internal/config"
	"github.com/bisand/allegutta-web-sub000/internal/database"
	"github.com/bisand/allegutta-web-sub000/internal/modules/importer"
	"github.com/bisand/allegutta-web-sub000/internal/modules/ledger"
	"github.com/bisand/allegutta-web-sub000/internal/modules/ledger/handlers"
	"github.com/bisand/allegutta-web-sub000/internal/modules/portfolio"
	"github.com/bisand/allegutta-web-sub000/internal/modules/relationships"
	"github.com/bisand/allegutta-web-sub000/internal/modules/transactions"
	"github.com/bisand/allegutta-web-sub000/internal/scheduler"
	"github.com/bisand/allegutta-web-sub000/internal/server"
	"github.com/bisand/allegutta-web-sub000/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		println("failed to load configuration:", err.Error())
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("data_dir", cfg.DataDir).
		Int("port", cfg.Port).
		Bool("dev_mode", cfg.DevMode).
		Msg("Starting portfolio ledger service")

	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileLedger,
		Name:    "portfolio",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	// Repositories
	txRepo := transactions.NewRepository(db.Conn(), log)
	portfolioRepo := portfolio.NewRepository(db.Conn(), log)
	positionRepo := portfolio.NewPositionRepository(db.Conn(), log)
	relationshipRepo := relationships.NewRepository(db.Conn(), log)

	// Services
	resolver := ledger.NewResolver(relationshipRepo, log)
	ledgerSvc := ledger.NewService(txRepo, positionRepo, portfolioRepo, resolver, log)
	importerSvc := importer.NewService(db.Conn(), txRepo, ledgerSvc, cfg.SaldoTolerance, log)

	// Scheduler with the nightly rebuild
	sched := scheduler.New(log)
	recalcJob := scheduler.NewRecalculateJob(portfolioRepo, ledgerSvc, db, log)
	if err := sched.AddJob(cfg.RecalcSchedule, recalcJob); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.RecalcSchedule).Msg("Failed to register recalculation job")
	}
	sched.Start()
	defer sched.Stop()

	// HTTP server
	ledgerHandler := handlers.NewHandler(portfolioRepo, positionRepo, txRepo, ledgerSvc, importerSvc, log)
	srv := server.New(cfg.Port, cfg.DevMode, db, ledgerHandler, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}

	log.Info().Msg("Service stopped")
}
