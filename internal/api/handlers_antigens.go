package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/abid-rules-server/internal/domain"
)

func (s *Server) handleListAntigens(c *gin.Context) {
	antigens, err := s.services.Antigens.ListAntigens(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, antigens)
}

func (s *Server) handleCreateAntigen(c *gin.Context) {
	var antigen domain.Antigen
	if err := c.ShouldBindJSON(&antigen); err != nil {
		s.badRequest(c, "Invalid antigen", err)
		return
	}
	created, err := s.services.Antigens.CreateAntigen(c.Request.Context(), antigen)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleDeleteAntigen(c *gin.Context) {
	name := c.Param("name")
	removed, err := s.services.Antigens.DeleteAntigen(c.Request.Context(), name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": name, "rules_removed": removed})
}

func (s *Server) handleInitializeAntigens(c *gin.Context) {
	n, err := s.services.Antigens.InitializeAntigens(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"initialized": n})
}

func (s *Server) handleAntigenPairs(c *gin.Context) {
	ctx := c.Request.Context()
	pairs, err := s.services.Antigens.Pairs(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	antigens, err := s.services.Antigens.ListAntigens(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	available := make([]string, 0, len(antigens))
	for _, a := range antigens {
		available = append(available, a.Name)
	}
	c.JSON(http.StatusOK, gin.H{"antigen_pairs": pairs, "available_antigens": available})
}

func (s *Server) handleValidAntigens(c *gin.Context) {
	valid, err := s.services.Rules.ValidAntigens(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid_antigens": valid})
}

func (s *Server) handleDefaultOrder(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"default_order": s.services.Antigens.DefaultOrder()})
}
