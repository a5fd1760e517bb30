package mcp

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/archive"
	litecfg "github.com/abid-rules-server/internal/config"
	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/logging"
	"github.com/abid-rules-server/internal/memstore"
	"github.com/abid-rules-server/internal/reference"
	"github.com/abid-rules-server/internal/service"
)

// LiteServer is a standalone MCP server. Rules, antigrams and reactions live in memory and
// only the workup archive is persisted, to SQLite under the data directory.
type LiteServer struct {
	config  *litecfg.LiteConfig
	server  *Server
	archive archive.Store
	lookup  *service.AntigenLookup
	logger  *logrus.Logger
}

// LiteServerOption is a functional option for LiteServer.
type LiteServerOption func(*LiteServer) error

// WithArchive sets a custom workup archive.
func WithArchive(store archive.Store) LiteServerOption {
	return func(s *LiteServer) error {
		s.archive = store
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Logger) LiteServerOption {
	return func(s *LiteServer) error {
		s.logger = logger
		return nil
	}
}

// NewLiteServer creates a new lightweight MCP server instance.
func NewLiteServer(cfg *litecfg.LiteConfig, opts ...LiteServerOption) (*LiteServer, error) {
	server := &LiteServer{config: cfg}

	for _, opt := range opts {
		if err := opt(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	// stdout carries the protocol on the stdio transport
	if server.logger == nil {
		logger, _, err := logging.New(domain.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stderr"})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		server.logger = logger
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if server.archive == nil {
		store, err := archive.NewSQLiteStore(cfg.ArchiveDBPath())
		if err != nil {
			return nil, fmt.Errorf("failed to create workup archive: %w", err)
		}
		server.archive = store
	}

	catalogue, err := reference.Default()
	if err != nil {
		return nil, fmt.Errorf("failed to load reference data: %w", err)
	}

	rules := memstore.NewRuleStore()
	reactions := memstore.NewReactionStore()
	antigrams := memstore.NewAntigramStore()
	antigens := memstore.NewAntigenStore()
	if cfg.SeedDefaults {
		antigens = memstore.NewAntigenStore(catalogue.Antigens...)
	}

	server.lookup = service.NewAntigenLookup(service.AntigenLookupConfig{
		MemoryTTL:     cfg.CacheTTL,
		MaxMemorySize: cfg.CacheMaxItems,
	}, antigens, nil, server.logger)

	abid := service.NewABIDService(rules, reactions, antigrams, server.lookup, server.logger)
	ruleService := service.NewRuleService(rules, catalogue, server.logger)
	if cfg.SeedDefaults {
		n, err := ruleService.InitializeDefaults(context.Background())
		if err != nil {
			return nil, fmt.Errorf("failed to seed default rules: %w", err)
		}
		server.logger.WithField("rules", n).Info("Seeded default antibody rules")
	}

	mcpServer, err := NewServer(ServerInfo{Name: "abid-rules-server-lite", Version: "v0.1.0"}, Services{
		Rules:     ruleService,
		Antigrams: service.NewAntigramService(antigrams, server.logger),
		Reactions: service.NewReactionService(reactions, antigrams, abid, nil, server.logger),
		ABID:      abid,
		Finder:    service.NewCellFinder(antigrams),
		Workups:   service.NewWorkupService(abid, server.archive, nil, server.logger),
	}, server.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP server: %w", err)
	}
	server.server = mcpServer

	server.logger.Info("Lite server initialized successfully")
	return server, nil
}

// Start runs the configured transport until ctx is cancelled.
func (s *LiteServer) Start(ctx context.Context) error {
	return s.server.Run(ctx, s.config.Transport, s.config.HTTPPort)
}

// Close cleans up server resources.
func (s *LiteServer) Close() error {
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close workup archive")
			return err
		}
	}
	return nil
}

// Server returns the tool server.
func (s *LiteServer) Server() *Server {
	return s.server
}

// Archive returns the workup archive for external access.
func (s *LiteServer) Archive() archive.Store {
	return s.archive
}

// LookupStats reports antigen lookup cache behaviour.
func (s *LiteServer) LookupStats() service.LookupStats {
	return s.lookup.Stats()
}
