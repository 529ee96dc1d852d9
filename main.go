package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mworlabs/lotteryd/config"
	"github.com/mworlabs/lotteryd/logger"
	"github.com/mworlabs/lotteryd/server"
)

func main() {
	// Initialize logger
	logger.Init()

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := server.NewApp(cfg)
	if err != nil {
		logger.Log.Fatalf("Failed to build application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Log.Fatalf("Server exited with error: %v", err)
	}
}
