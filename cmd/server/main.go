package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/abid-rules-server/internal/api"
	"github.com/abid-rules-server/internal/app"
	"github.com/abid-rules-server/internal/config"
	"github.com/abid-rules-server/internal/logging"
	"github.com/abid-rules-server/internal/mcp"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	defer logCloser.Close()

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}
	defer application.Close()

	server := api.NewServer(cfg, application.Services, application.Hub, application.Health, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})

	if cfg.MCP.HTTPPort > 0 {
		mcpServer, err := mcp.NewServer(mcp.ServerInfo{Name: cfg.MCP.ServerName, Version: cfg.MCP.ServerVersion}, application.MCPServices(), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create MCP server")
		}
		g.Go(func() error {
			return mcpServer.Run(gctx, mcp.TransportHTTP, cfg.MCP.HTTPPort)
		})
	}

	logger.WithField("environment", cfg.Server.Environment).Infof("Starting ABID rules server on %s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		application.Close()
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
