package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/firesidehq/fireside/internal/gateway"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("starting Fireside server")

	cfg := gateway.NewConfigFromEnv()
	hub := gateway.NewHub(cfg, logger)
	go hub.Run()

	httpServer := gateway.CreateServer(cfg.Port, hub.Routes())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gateway.StartServer(httpServer, logger)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
		}
	}

	if err := gateway.ShutdownServer(httpServer, shutdownTimeout, logger); err != nil {
		logger.Error("HTTP shutdown failed", "err", err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		logger.Error("hub shutdown incomplete", "err", err)
	}

	logger.Info("shutdown complete")
}
