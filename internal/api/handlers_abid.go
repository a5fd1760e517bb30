package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/service"
)

// reactionEntry accepts the reaction under any of the field names clients send
type reactionEntry struct {
	CellNumber      int    `json:"cell_number"`
	Reaction        string `json:"reaction"`
	PatientReaction string `json:"patient_reaction"`
	PatientRxn      string `json:"patient_rxn"`
}

func (e reactionEntry) value() string {
	switch {
	case e.Reaction != "":
		return e.Reaction
	case e.PatientReaction != "":
		return e.PatientReaction
	default:
		return e.PatientRxn
	}
}

// reactionRequest is either a single reaction or a batch for one antigram
type reactionRequest struct {
	AntigramID int64 `json:"antigram_id"`
	reactionEntry
	Reactions []reactionEntry `json:"reactions"`
}

func (s *Server) handleEvaluate(c *gin.Context) {
	result, err := s.services.ABID.Evaluate(c.Request.Context(), sessionID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleNewSession(c *gin.Context) {
	id := s.services.Reactions.NewSession()
	c.Header(SessionHeader, id)
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

func (s *Server) handleStream(c *gin.Context) {
	if s.hub == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented,
			domain.NewAPIError(domain.CodeInternalServer, "Result streaming is disabled", "", ""))
		return
	}
	session := sessionID(c)
	result, err := s.services.ABID.Evaluate(c.Request.Context(), session)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.hub.Serve(c.Writer, c.Request, session, result); err != nil {
		s.logger.WithError(err).WithField("session_id", session).Debug("Websocket upgrade failed")
	}
}

func (s *Server) handleListReactions(c *gin.Context) {
	reactions, err := s.services.Reactions.ListReactions(c.Request.Context(), sessionID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patient_reactions": reactions})
}

func (s *Server) handleRecordReactions(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid patient reaction", err)
		return
	}
	if req.AntigramID <= 0 {
		s.respondError(c, domain.NewValidationError("antigram_id", "is required", req.AntigramID))
		return
	}

	ctx := c.Request.Context()
	session := sessionID(c)

	var err error
	if len(req.Reactions) > 0 {
		entries := make([]service.CellReaction, 0, len(req.Reactions))
		for _, e := range req.Reactions {
			entries = append(entries, service.CellReaction{CellNumber: e.CellNumber, Reaction: e.value()})
		}
		_, err = s.services.Reactions.RecordBatch(ctx, session, req.AntigramID, entries)
	} else {
		_, err = s.services.Reactions.RecordReaction(ctx, session, req.AntigramID, req.CellNumber, req.value())
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondResult(c, session)
}

func (s *Server) handleDeleteReaction(c *gin.Context) {
	antigramID, ok := s.int64Param(c, "antigram_id")
	if !ok {
		return
	}
	cell, err := strconv.Atoi(c.Param("cell_number"))
	if err != nil {
		s.badRequest(c, "Invalid cell_number", err)
		return
	}
	session := sessionID(c)
	if err := s.services.Reactions.DeleteReaction(c.Request.Context(), session, antigramID, cell); err != nil {
		s.respondError(c, err)
		return
	}
	s.respondResult(c, session)
}

func (s *Server) handleClearReactions(c *gin.Context) {
	session := sessionID(c)
	if _, err := s.services.Reactions.ClearAll(c.Request.Context(), session); err != nil {
		s.respondError(c, err)
		return
	}
	s.respondResult(c, session)
}

// respondResult writes the session's refreshed evaluation
func (s *Server) respondResult(c *gin.Context, session string) {
	result, err := s.services.ABID.Evaluate(c.Request.Context(), session)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleFindCells(c *gin.Context) {
	var req struct {
		AntigenProfile map[string]domain.Reaction `json:"antigen_profile"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid antigen profile", err)
		return
	}
	cells, err := s.services.Finder.Find(c.Request.Context(), req.AntigenProfile)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cells": cells, "count": len(cells)})
}

func (s *Server) workupsEnabled(c *gin.Context) bool {
	if s.services.Workups == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented,
			domain.NewAPIError(domain.CodeInternalServer, "Workup archive is disabled", "", ""))
		return false
	}
	return true
}

func (s *Server) handleSaveWorkup(c *gin.Context) {
	if !s.workupsEnabled(c) {
		return
	}
	var req service.WorkupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid workup", err)
		return
	}
	w, conflicts, err := s.services.Workups.SaveWorkup(c.Request.Context(), sessionID(c), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	warnings := make([]string, 0, len(conflicts))
	for _, a := range conflicts {
		warnings = append(warnings, fmt.Sprintf("%s is identified but its antigen is ruled out", a))
	}
	c.JSON(http.StatusCreated, gin.H{"workup": w, "warnings": warnings})
}

func (s *Server) handleListWorkups(c *gin.Context) {
	if !s.workupsEnabled(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	list, total, err := s.services.Workups.ListWorkups(c.Request.Context(), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workups": list, "total": total})
}

func (s *Server) handleGetWorkup(c *gin.Context) {
	if !s.workupsEnabled(c) {
		return
	}
	w, err := s.services.Workups.GetWorkup(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleDeleteWorkup(c *gin.Context) {
	if !s.workupsEnabled(c) {
		return
	}
	id := c.Param("id")
	if err := s.services.Workups.DeleteWorkup(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleExportWorkups(c *gin.Context) {
	if !s.workupsEnabled(c) {
		return
	}
	filename := fmt.Sprintf("workups_%s.json", time.Now().UTC().Format("20060102_150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	if err := s.services.Workups.ExportWorkups(c.Request.Context(), c.Writer); err != nil {
		s.logger.WithError(err).Error("Workup export failed mid-stream")
	}
}
