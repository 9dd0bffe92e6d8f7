package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"wisefido-incident/common/logger"
	"wisefido-incident/internal/config"
	"wisefido-incident/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-incident")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.NewIncidentService(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to create incident service", zap.Error(err))
	}
	defer svc.Close()

	if err := svc.Run(ctx); err != nil {
		log.Error("Incident service stopped with error", zap.Error(err))
		return
	}
	log.Info("Incident service stopped")
}
