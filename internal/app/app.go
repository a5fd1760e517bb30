// Package app assembles the Postgres-backed stack shared by the REST and MCP binaries.
package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/api"
	"github.com/abid-rules-server/internal/archive"
	"github.com/abid-rules-server/internal/cache"
	"github.com/abid-rules-server/internal/database"
	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/events"
	"github.com/abid-rules-server/internal/mcp"
	"github.com/abid-rules-server/internal/reference"
	"github.com/abid-rules-server/internal/repository"
	"github.com/abid-rules-server/internal/service"
)

// App owns every long-lived dependency of a server process
type App struct {
	Config   *domain.Config
	DB       *database.DB
	Hub      *api.Hub
	Services api.Services
	Archive  archive.Store
	Events   events.Publisher
	Lookup   *service.AntigenLookup

	redis  *cache.RedisCache
	logger *logrus.Logger
}

// New connects to Postgres (running migrations when configured), Redis when a URL is set,
// the workup archive and the event broker, and builds the services on top of them.
func New(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (*App, error) {
	db, err := database.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a := &App{Config: cfg, DB: db, logger: logger}

	if cfg.Database.AutoMigrate {
		if err := migrate(ctx, cfg.Database, logger); err != nil {
			a.Close()
			return nil, err
		}
	}

	catalogue, err := reference.Default()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load reference data: %w", err)
	}

	var remote cache.Remote
	if cfg.Cache.RedisURL != "" {
		rc, err := cache.NewRedisCache(cfg.Cache, logger)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, antigen lookups use the in-memory tier only")
		} else {
			a.redis = rc
			remote = rc
		}
	}

	rules := repository.NewRuleRepository(db.Pool, logger)
	antigens := repository.NewAntigenRepository(db.Pool, logger)
	antigrams := repository.NewAntigramRepository(db.Pool, logger)
	reactions := repository.NewReactionRepository(db.Pool, logger)

	a.Lookup = service.NewAntigenLookup(service.AntigenLookupConfig{
		MemoryTTL:     cfg.Cache.LookupTTL,
		RemoteTTL:     cfg.Cache.DefaultTTL,
		MaxMemorySize: cfg.Cache.LookupMaxItems,
	}, antigens, remote, logger)

	a.Archive, err = archive.Open(cfg.Archive, database.URL(cfg.Database))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open workup archive: %w", err)
	}
	a.Events = events.New(cfg.Events, logger)
	a.Hub = api.NewHub(cfg.Server.AllowedOrigins, logger)

	abid := service.NewABIDService(rules, reactions, antigrams, a.Lookup, logger)
	a.Services = api.Services{
		Rules:     service.NewRuleService(rules, catalogue, logger),
		Antigens:  service.NewAntigenService(antigens, rules, catalogue, a.Lookup, logger),
		Antigrams: service.NewAntigramService(antigrams, logger),
		Reactions: service.NewReactionService(reactions, antigrams, abid, a.Hub, logger),
		ABID:      abid,
		Finder:    service.NewCellFinder(antigrams),
		Workups:   service.NewWorkupService(abid, a.Archive, a.Events, logger),
	}
	return a, nil
}

func migrate(ctx context.Context, config domain.DatabaseConfig, logger *logrus.Logger) error {
	runner, err := database.NewMigrationRunnerFromConfig(config, logger)
	if err != nil {
		return fmt.Errorf("failed to create migration runner: %w", err)
	}
	defer runner.Close()
	if err := runner.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MCPServices returns the subset of services the MCP tools use
func (a *App) MCPServices() mcp.Services {
	return mcp.Services{
		Rules:     a.Services.Rules,
		Antigrams: a.Services.Antigrams,
		Reactions: a.Services.Reactions,
		ABID:      a.Services.ABID,
		Finder:    a.Services.Finder,
		Workups:   a.Services.Workups,
	}
}

// Health reports whether the database is reachable
func (a *App) Health(ctx context.Context) error {
	return a.DB.Health(ctx)
}

// Close releases every dependency in reverse order of creation
func (a *App) Close() {
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close event publisher")
		}
	}
	if a.Archive != nil {
		if err := a.Archive.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close workup archive")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close Redis client")
		}
	}
	a.DB.Close()
}
