package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/service"
)

func (s *Server) handleListRules(c *gin.Context) {
	rules, err := s.services.Rules.ListRules(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (s *Server) handleGetRule(c *gin.Context) {
	id, ok := s.int64Param(c, "id")
	if !ok {
		return
	}
	rule, err := s.services.Rules.GetRule(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleCreateRule(c *gin.Context) {
	var def service.RuleDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		s.badRequest(c, "Invalid rule definition", err)
		return
	}
	rule, err := s.services.Rules.CreateRule(c.Request.Context(), def)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(c *gin.Context) {
	id, ok := s.int64Param(c, "id")
	if !ok {
		return
	}
	var update service.RuleUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		s.badRequest(c, "Invalid rule update", err)
		return
	}
	rule, err := s.services.Rules.UpdateRule(c.Request.Context(), id, update)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(c *gin.Context) {
	id, ok := s.int64Param(c, "id")
	if !ok {
		return
	}
	if err := s.services.Rules.DeleteRule(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleDeleteAllRules(c *gin.Context) {
	n, err := s.services.Rules.DeleteAllRules(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) handleInitializeRules(c *gin.Context) {
	n, err := s.services.Rules.InitializeDefaults(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"initialized": n})
}

func (s *Server) handleImportLegacyRule(c *gin.Context) {
	var legacy domain.LegacyAntigenRule
	if err := c.ShouldBindJSON(&legacy); err != nil {
		s.badRequest(c, "Invalid antigen rule", err)
		return
	}
	rule, err := s.services.Rules.ImportLegacyRule(c.Request.Context(), legacy)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}
