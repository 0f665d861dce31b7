// Package main runs the entity container daemon: the container, its timer
// service, the bundled beans and the admin HTTP server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/R3E-Network/entity_engine/internal/config"
	"github.com/R3E-Network/entity_engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "Path to a .env file (skipped when missing)")
	flag.Parse()

	if v := os.Getenv("ENTITY_CONFIG"); v != "" && *configPath == "" {
		*configPath = v
	}

	boot := logger.NewDefault("entityd")
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		boot.WithError(err).Fatal("failed to load configuration")
	}
	log := logger.New(cfg.Logging).Named("entityd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}

	d, err := newDaemon(ctx, cfg, log, db)
	if err != nil {
		log.WithError(err).Fatal("failed to build container")
	}
	if err := d.start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start")
	}
	log.WithField("deployments", len(d.container.Deployments())).Info("entity container started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	timeout := cfg.Admin.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	if err := d.stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
	log.Info("entity container stopped")
}
