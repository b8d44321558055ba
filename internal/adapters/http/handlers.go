package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type joinRequest struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	Role          domain.Role          `json:"role"`
}

type joinResponse struct {
	Session *domain.Session `json:"session"`
	Grant   core.JoinGrant  `json:"grant"`
}

type endResponse struct {
	Session *domain.Session `json:"session"`
	Warning string          `json:"warning,omitempty"`
}

type auditRequest struct {
	Action domain.AuditAction `json:"action"`
	Detail string             `json:"detail"`
}

func sessionID(c *gin.Context) domain.SessionID {
	return domain.SessionID(c.Param("id"))
}

func bad(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
}

func (a *api) createSession(c *gin.Context) {
	p, err := a.authenticate(c, domain.RoleAdmin, domain.RoleProvider)
	if err != nil {
		writeProblem(c, err)
		return
	}
	var req domain.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, bad(err))
		return
	}
	if p.Role == domain.RoleProvider && req.ProviderID != p.Subject {
		writeProblem(c, fmt.Errorf("%w: providers may only schedule their own sessions", domain.ErrUnauthorized))
		return
	}
	req.CorrelationID = c.GetString(correlationKey)

	sess, err := a.sessions.CreateSession(c.Request.Context(), req)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// seated loads sid and checks that p may look at it.
func (a *api) seated(c *gin.Context, p core.Principal) (*domain.Session, error) {
	sess, err := a.sessions.GetSessionStatus(c.Request.Context(), sessionID(c))
	if err != nil {
		return nil, err
	}
	if p.Role == domain.RoleAdmin {
		return sess, nil
	}
	if role, ok := sess.RoleOf(p.Subject); ok && role == p.Role {
		return sess, nil
	}
	return nil, fmt.Errorf("%w: %s is not part of this session", domain.ErrUnauthorized, p.Subject)
}

func (a *api) getSession(c *gin.Context) {
	p, err := a.authenticate(c, allRoles...)
	if err != nil {
		writeProblem(c, err)
		return
	}
	sess, err := a.seated(c, p)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *api) joinSession(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, bad(err))
		return
	}
	req.Role = domain.ParseRole(string(req.Role))
	if !domain.ValidParticipantID(req.ParticipantID) {
		writeProblem(c, bad(errors.New("participantId is required")))
		return
	}
	if !a.limiter.Allow(string(req.ParticipantID)) {
		log.Warn().Str("module", "adapters.http").Str("actor", string(req.ParticipantID)).Msg("join rate limited")
		writeProblem(c, errRateLimited)
		return
	}

	res, err := a.sessions.JoinSession(c.Request.Context(), sessionID(c), req.ParticipantID, req.Role, bearer(c))
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, joinResponse{Session: res.Session, Grant: res.Grant})
}

func (a *api) endSession(c *gin.Context) {
	p, err := a.authenticate(c, allRoles...)
	if err != nil {
		writeProblem(c, err)
		return
	}
	res, err := a.sessions.EndSessionAs(c.Request.Context(), sessionID(c), p.Subject, p.Role)
	if err != nil {
		writeProblem(c, err)
		return
	}
	out := endResponse{Session: res.Session}
	if res.Warning != nil {
		out.Warning = res.Warning.Error()
	}
	c.JSON(http.StatusOK, out)
}

func (a *api) logAudit(c *gin.Context) {
	p, err := a.authenticate(c, allRoles...)
	if err != nil {
		writeProblem(c, err)
		return
	}
	var req auditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, bad(err))
		return
	}
	if _, err := a.seated(c, p); err != nil {
		writeProblem(c, err)
		return
	}
	entry := domain.AuditEntry{
		ActorID: p.Subject,
		Action:  domain.AuditAction(strings.ToUpper(strings.TrimSpace(string(req.Action)))),
		Detail:  req.Detail,
	}
	if err := a.sessions.LogAuditEvent(c.Request.Context(), sessionID(c), entry); err != nil {
		writeProblem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) qualityStream(c *gin.Context) {
	p, err := a.authenticate(c, allRoles...)
	if err != nil {
		writeProblem(c, err)
		return
	}
	if _, err := a.seated(c, p); err != nil {
		writeProblem(c, err)
		return
	}
	if err := a.stream.Serve(a.ctx, c.Writer, c.Request, sessionID(c)); err != nil {
		writeProblem(c, err)
	}
}
