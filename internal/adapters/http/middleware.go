package http

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	CorrelationHeader = "X-Correlation-ID"
	correlationKey    = "correlation_id"
	principalKey      = "principal"
)

// CorrelationMiddleware reuses the caller's correlation id or mints one and
// echoes it on the response.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(CorrelationHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(correlationKey, id)
		c.Header(CorrelationHeader, id)
		c.Next()
	}
}

func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := log.Info()
		if c.Writer.Status() >= 500 {
			ev = log.Error()
		}
		ev.Str("module", "adapters.http").
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("correlation_id", c.GetString(correlationKey)).
			Msg("request")
	}
}

func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// browsers cannot set headers on websocket upgrades
	return c.Query("access_token")
}

var allRoles = []domain.Role{domain.RolePatient, domain.RoleProvider, domain.RoleObserver, domain.RoleAdmin}

// authenticate accepts the bearer token if it is valid for one of roles.
func (a *api) authenticate(c *gin.Context, roles ...domain.Role) (core.Principal, error) {
	token := bearer(c)
	if token == "" {
		return core.Principal{}, domain.ErrUnauthorized
	}
	var last error
	for _, role := range roles {
		ctx, cancel := a.identityContext(c)
		p, err := a.identity.ValidateToken(ctx, token, role)
		cancel()
		if err == nil {
			c.Set(principalKey, p)
			return p, nil
		}
		last = err
	}
	log.Warn().Err(last).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request rejected: token")
	if !errors.Is(last, domain.ErrUnauthorized) {
		last = fmt.Errorf("%w: %v", domain.ErrUnauthorized, last)
	}
	return core.Principal{}, last
}
