package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"propfirm-engine/config"
	"propfirm-engine/internal/engine"
	"propfirm-engine/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.Init(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}

	if err := eng.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	eng.Stop(ctx)
}
