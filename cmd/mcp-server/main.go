// Package main runs the MCP server against the Postgres-backed stack.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

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

	// stdout belongs to the protocol on stdio
	logConfig := cfg.Logging
	if cfg.MCP.Transport != mcp.TransportHTTP && (logConfig.Output == "" || logConfig.Output == "stdout") {
		logConfig.Output = "stderr"
	}
	logger, logCloser, err := logging.New(logConfig)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}
	defer application.Close()

	server, err := mcp.NewServer(mcp.ServerInfo{Name: cfg.MCP.ServerName, Version: cfg.MCP.ServerVersion}, application.MCPServices(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create MCP server")
	}

	port := cfg.MCP.HTTPPort
	if port == 0 {
		port = 8081
	}
	if err := server.Run(ctx, cfg.MCP.Transport, port); err != nil {
		logger.WithError(err).Error("MCP server failed")
		return
	}

	logger.Info("MCP server stopped")
}
