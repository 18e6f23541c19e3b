package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/openkiosk/orchestrator/internal/config"
	"github.com/openkiosk/orchestrator/internal/orchestrator"
	"github.com/openkiosk/orchestrator/internal/storage"
)

func main() {
	configPath := flag.String("config", "./orchestrator.config.json", "path to orchestrator config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadOrchestratorConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
		zap.String("kiosk_id", cfg.Remote.KioskID),
	)

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	migrationRunner := storage.NewMigrationRunner(db)
	if err := migrationRunner.Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	journal := storage.NewJournal(db, logger)
	if err := journal.LoadFromDB(); err != nil {
		logger.Error("failed to load session journal", zap.Error(err))
		os.Exit(1)
	}

	orchestrator.InitMetrics()
	logger.Info("metrics initialized")

	srv, err := orchestrator.NewServer(cfg, journal, logger)
	if err != nil {
		logger.Error("failed to create server", zap.Error(err))
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	if err := srv.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("orchestrator exited cleanly")
	os.Exit(0)
}
