package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Telehealth/internal/app/orch"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const problemContentType = "application/problem+json"

var errRateLimited = errors.New("too many join attempts")

// Problem is an RFC 7807 problem document.
type Problem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate-limited"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not-found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid-transition"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate-request"
	case errors.Is(err, domain.ErrComplianceViolation):
		return http.StatusUnprocessableEntity, "compliance-violation"
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid-request"
	case errors.Is(err, domain.ErrProviderUnavailable), errors.Is(err, orch.ErrShuttingDown):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func writeProblem(c *gin.Context, err error) {
	status, slug := classify(err)
	p := Problem{
		Type:          "/problems/" + slug,
		Title:         http.StatusText(status),
		Status:        status,
		Detail:        err.Error(),
		Instance:      c.Request.URL.Path,
		CorrelationID: c.GetString(correlationKey),
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", p.Instance).Str("correlation_id", p.CorrelationID).Msg("request failed")
		p.Detail = "internal error"
	}
	c.Header("Content-Type", problemContentType)
	c.AbortWithStatusJSON(status, p)
}
