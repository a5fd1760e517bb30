package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/middleware"
)

// respondError maps domain errors onto HTTP statuses and writes an APIError body
func (s *Server) respondError(c *gin.Context, err error) {
	requestID := c.GetString(middleware.CorrelationIDKey)

	var (
		status  int
		code    string
		details string
	)
	switch {
	case errors.Is(err, domain.ErrInvalidReactionValue):
		status, code = http.StatusBadRequest, domain.CodeInvalidReaction
	case errors.Is(err, domain.ErrValidationFailed):
		status, code = http.StatusBadRequest, domain.CodeValidation
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			details = ve.Field
		}
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, domain.CodeNotFound
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, domain.CodeConflict
	default:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"correlation_id": requestID,
			"path":           c.FullPath(),
		}).Error("Request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError,
			domain.NewAPIError(domain.CodeInternalServer, "Internal server error", "", requestID))
		return
	}

	c.AbortWithStatusJSON(status, domain.NewAPIError(code, err.Error(), details, requestID))
}

// badRequest reports an unparseable request body or parameter
func (s *Server) badRequest(c *gin.Context, message string, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusBadRequest,
		domain.NewAPIError(domain.CodeInvalidInput, message, details, c.GetString(middleware.CorrelationIDKey)))
}

func (s *Server) int64Param(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		s.badRequest(c, "Invalid "+name, err)
		return 0, false
	}
	return id, true
}
