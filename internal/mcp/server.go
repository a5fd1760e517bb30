// Package mcp exposes antibody identification as MCP tools over stdio or streamable HTTP.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/service"
)

// Transport types understood by Run
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Services are the application services the tools call into. Workups may be nil.
type Services struct {
	Rules     *service.RuleService
	Antigrams *service.AntigramService
	Reactions *service.ReactionService
	ABID      *service.ABIDService
	Finder    *service.CellFinder
	Workups   *service.WorkupService
}

// ServerInfo contains MCP server metadata
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Server wraps an MCP SDK server with the ABID tools registered
type Server struct {
	info      ServerInfo
	mcpServer *mcp.Server
	services  Services
	tools     []string
	logger    *logrus.Logger
}

// NewServer creates an MCP server and registers every tool
func NewServer(info ServerInfo, services Services, logger *logrus.Logger) (*Server, error) {
	if services.Rules == nil || services.Antigrams == nil || services.Reactions == nil || services.ABID == nil || services.Finder == nil {
		return nil, errors.New("rule, antigram, reaction, evaluation and cell finder services are required")
	}
	if info.Name == "" {
		info.Name = "abid-rules-server"
	}
	if info.Version == "" {
		info.Version = "v0.1.0"
	}

	s := &Server{
		info:      info,
		mcpServer: mcp.NewServer(&mcp.Implementation{Name: info.Name, Version: info.Version}, nil),
		services:  services,
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	for _, def := range s.toolDefinitions() {
		def.register(s.mcpServer, &mcp.Tool{Name: def.name, Description: def.description})
		s.tools = append(s.tools, def.name)
		s.logger.WithField("tool_name", def.name).Debug("Registered MCP tool")
	}
	s.logger.WithField("tool_count", len(s.tools)).Info("Successfully registered all tools")
}

// Tools returns the names of the registered tools in registration order
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

// MCPServer returns the underlying SDK server
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Run serves MCP clients until ctx is cancelled or the client disconnects
func (s *Server) Run(ctx context.Context, transport string, httpPort int) error {
	s.logger.WithFields(logrus.Fields{
		"server":    s.info.Name,
		"version":   s.info.Version,
		"transport": transport,
	}).Info("Starting MCP server")

	switch transport {
	case "", TransportStdio:
		if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP server failed: %w", err)
		}
		return nil
	case TransportHTTP:
		return s.runHTTP(ctx, httpPort)
	default:
		return fmt.Errorf("unsupported transport %q", transport)
	}
}

func (s *Server) runHTTP(ctx context.Context, port int) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcpServer }, nil)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.WithField("port", port).Info("MCP HTTP transport listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if ok {
			return fmt.Errorf("MCP HTTP transport failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("MCP HTTP transport shutdown failed: %w", err)
	}
	return nil
}
