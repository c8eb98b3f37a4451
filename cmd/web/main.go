// Web server for the trust case API using Gin framework.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"trustcase-svc/internal/bootstrap"
	"trustcase-svc/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to a YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides http.addr)")
	initDB := flag.Bool("init-db", false, "Create tables before serving")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	log := bootstrap.NewLogger(cfg.LogLevel, os.Stderr)
	slog.SetDefault(log)

	app, err := bootstrap.New(cfg, log)
	if err != nil {
		log.Error("failed to start", "error", err)
		return 1
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error("failed to close store", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *initDB || cfg.IsMemoryMode() {
		if err := app.InitSchema(ctx); err != nil {
			log.Error("failed to initialize database", "error", err)
			return 1
		}
	}

	// Use release mode in production
	gin.SetMode(gin.ReleaseMode)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           app.Server().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting trust case server", "addr", cfg.HTTP.Addr, "store", cfg.Store.Type)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}
