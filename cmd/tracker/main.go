// Command tracker runs the SENAMHI forecast and warning tracker: the job
// scheduler plus the HTTP API.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	httpadapter "github.com/couchcryptid/senamhi-tracker-service/internal/adapter/http"
	"github.com/couchcryptid/senamhi-tracker-service/internal/app"
	"github.com/couchcryptid/senamhi-tracker-service/internal/config"
	"github.com/couchcryptid/senamhi-tracker-service/internal/observability"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, clockwork.NewRealClock(), logger, metrics)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close error", "error", err)
		}
	}()

	// Runs left open by a crashed process would otherwise stay running forever.
	if _, err := a.Tracker.Repair(ctx, cfg.RunRepairGrace); err != nil {
		logger.Error("failed to repair stale runs", "error", err)
	}
	if err := a.Scheduler.LoadHistory(ctx, a.Store); err != nil {
		logger.Warn("failed to load run history", "error", err)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, a.Service, cfg.CORSOrigins, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	// Start scheduler.
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := a.Scheduler.Run(ctx); err != nil {
			logger.Error("scheduler error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached before running jobs finished")
	}

	logger.Info("shutdown complete")
	return 0
}
