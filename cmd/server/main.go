package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicemeter/internal/app"
	"voicemeter/internal/config"
	"voicemeter/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("failed to start")
	}
	defer application.Close()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      application.Handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("voicemeter API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("error", err).Error("server error")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Error("shutdown error")
	}
}
