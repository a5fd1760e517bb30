package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/abid-rules-server/internal/domain"
)

func (s *Server) handleListTemplates(c *gin.Context) {
	templates, err := s.services.Antigrams.ListTemplates(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, templates)
}

func (s *Server) handleGetTemplate(c *gin.Context) {
	id, ok := s.int64Param(c, "id")
	if !ok {
		return
	}
	t, err := s.services.Antigrams.GetTemplate(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleCreateTemplate(c *gin.Context) {
	var t domain.AntigramTemplate
	if err := c.ShouldBindJSON(&t); err != nil {
		s.badRequest(c, "Invalid template", err)
		return
	}
	t.ID = 0
	if err := s.services.Antigrams.CreateTemplate(c.Request.Context(), &t); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) handleUpdateTemplate(c *gin.Context) {
	id, ok := s.int64Param(c, "id")
	if !ok {
		return
	}
	var t domain.AntigramTemplate
	if err := c.ShouldBindJSON(&t); err != nil {
		s.badRequest(c, "Invalid template", err)
		return
	}
	t.ID = id
	if err := s.services.Antigrams.UpdateTemplate(c.Request.Context(), &t); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleDeleteTemplate(c *gin.Context) {
	id, ok := s.int64Param(c, "id")
	if !ok {
		return
	}
	if err := s.services.Antigrams.DeleteTemplate(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleListAntigrams(c *gin.Context) {
	antigrams, err := s.services.Antigrams.ListAntigrams(c.Request.Context(), c.Query("search"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, antigrams)
}

func (s *Server) handleGetAntigram(c *gin.Context) {
	id, ok := s.int64Param(c, "id")
	if !ok {
		return
	}
	a, err := s.services.Antigrams.GetAntigram(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) handleCreateAntigram(c *gin.Context) {
	var a domain.Antigram
	if err := c.ShouldBindJSON(&a); err != nil {
		s.badRequest(c, "Invalid antigram", err)
		return
	}
	a.ID = 0
	warnings, err := s.services.Antigrams.CreateAntigram(c.Request.Context(), &a)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"antigram": a, "warnings": nonNil(warnings)})
}

func (s *Server) handleUpdateAntigram(c *gin.Context) {
	id, ok := s.int64Param(c, "id")
	if !ok {
		return
	}
	var a domain.Antigram
	if err := c.ShouldBindJSON(&a); err != nil {
		s.badRequest(c, "Invalid antigram", err)
		return
	}
	a.ID = id
	warnings, err := s.services.Antigrams.UpdateAntigram(c.Request.Context(), &a)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"antigram": a, "warnings": nonNil(warnings)})
}

func (s *Server) handleDeleteAntigram(c *gin.Context) {
	id, ok := s.int64Param(c, "id")
	if !ok {
		return
	}
	if err := s.services.Antigrams.DeleteAntigram(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleDeleteAllAntigrams(c *gin.Context) {
	n, err := s.services.Antigrams.DeleteAllAntigrams(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
