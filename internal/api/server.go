// Package api exposes the rule engine over HTTP and streams results over websockets.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/middleware"
	"github.com/abid-rules-server/internal/service"
)

// SessionHeader carries the search session id; the "session" query parameter is the fallback
const SessionHeader = "X-ABID-Session"

// Services bundles the application services the handlers call
type Services struct {
	Rules     *service.RuleService
	Antigens  *service.AntigenService
	Antigrams *service.AntigramService
	Reactions *service.ReactionService
	ABID      *service.ABIDService
	Finder    *service.CellFinder
	Workups   *service.WorkupService
}

// HealthFunc reports whether a backing dependency is reachable
type HealthFunc func(ctx context.Context) error

// Server represents the HTTP server
type Server struct {
	config   *domain.Config
	services Services
	hub      *Hub
	health   HealthFunc
	logger   *logrus.Logger
	router   *gin.Engine
	server   *http.Server
}

// NewServer creates a new HTTP server instance. hub and health may be nil.
func NewServer(config *domain.Config, services Services, hub *Hub, health HealthFunc, logger *logrus.Logger) *Server {
	// Set Gin mode based on environment
	if config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.AuditLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(config.Server.AllowedOrigins))
	router.Use(middleware.RateLimit(config.RateLimit))

	s := &Server{
		config:   config,
		services: services,
		hub:      hub,
		health:   health,
		logger:   logger,
		router:   router,
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	cfg := s.config.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSEnabled {
			err = s.server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.WithField("addr", addr).Info("HTTP server listening")

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if s.hub != nil {
		s.hub.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	apiGroup := s.router.Group("/api")

	// the stream outlives any request timeout
	abidStream := apiGroup.Group("/abid")
	abidStream.GET("/stream", s.handleStream)

	v := apiGroup.Group("")
	v.Use(middleware.RequestTimeout(s.config.Server.RequestTimeout))
	{
		rules := v.Group("/antibody-rules")
		rules.GET("", s.handleListRules)
		rules.POST("", s.handleCreateRule)
		rules.DELETE("/delete-all", s.handleDeleteAllRules)
		rules.POST("/initialize", s.handleInitializeRules)
		rules.GET("/:id", s.handleGetRule)
		rules.PUT("/:id", s.handleUpdateRule)
		rules.DELETE("/:id", s.handleDeleteRule)
		v.POST("/antigen-rules", s.handleImportLegacyRule)

		antigens := v.Group("/antigens")
		antigens.GET("", s.handleListAntigens)
		antigens.POST("", s.handleCreateAntigen)
		antigens.POST("/initialize", s.handleInitializeAntigens)
		antigens.GET("/pairs", s.handleAntigenPairs)
		antigens.GET("/valid", s.handleValidAntigens)
		antigens.GET("/default-order", s.handleDefaultOrder)
		antigens.DELETE("/:name", s.handleDeleteAntigen)

		templates := v.Group("/templates")
		templates.GET("", s.handleListTemplates)
		templates.POST("", s.handleCreateTemplate)
		templates.GET("/:id", s.handleGetTemplate)
		templates.PUT("/:id", s.handleUpdateTemplate)
		templates.DELETE("/:id", s.handleDeleteTemplate)

		antigrams := v.Group("/antigrams")
		antigrams.GET("", s.handleListAntigrams)
		antigrams.POST("", s.handleCreateAntigram)
		antigrams.DELETE("/delete-all-antigrams", s.handleDeleteAllAntigrams)
		antigrams.GET("/:id", s.handleGetAntigram)
		antigrams.PUT("/:id", s.handleUpdateAntigram)
		antigrams.DELETE("/:id", s.handleDeleteAntigram)

		v.GET("/patient-reactions", s.handleListReactions)
		v.POST("/patient-reactions", s.handleRecordReactions)
		v.DELETE("/patient-reactions/:antigram_id/:cell_number", s.handleDeleteReaction)
		v.DELETE("/clear-patient-reactions", s.handleClearReactions)

		abid := v.Group("/abid")
		abid.GET("", s.handleEvaluate)
		abid.POST("/sessions", s.handleNewSession)
		abid.POST("/workups", s.handleSaveWorkup)
		abid.GET("/workups", s.handleListWorkups)
		abid.GET("/workups/export", s.handleExportWorkups)
		abid.GET("/workups/:id", s.handleGetWorkup)
		abid.DELETE("/workups/:id", s.handleDeleteWorkup)

		v.POST("/cell-finder", s.handleFindCells)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   s.config.MCP.ServerVersion,
	}
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["error"] = err.Error()
		}
	}
	if s.services.ABID != nil {
		if stats, ok := s.services.ABID.LookupStats(); ok {
			body["antigen_lookup"] = stats
		}
	}
	c.JSON(status, body)
}

// sessionID reads the search session from the header or query; empty means the default session
func sessionID(c *gin.Context) string {
	if id := c.GetHeader(SessionHeader); id != "" {
		return domain.NormalizeSessionID(id)
	}
	return domain.NormalizeSessionID(c.Query("session"))
}
