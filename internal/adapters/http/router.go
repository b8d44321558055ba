package http

import (
	"context"
	"time"

	"github.com/dkeye/Telehealth/internal/adapters/stream"
	"github.com/dkeye/Telehealth/internal/app/orch"
	"github.com/dkeye/Telehealth/internal/config"
	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Sessions is the inbound surface of the orchestrator.
type Sessions interface {
	CreateSession(ctx context.Context, req domain.SessionRequest) (*domain.Session, error)
	JoinSession(ctx context.Context, sid domain.SessionID, actor domain.ParticipantID, role domain.Role, token string) (orch.JoinResult, error)
	EndSessionAs(ctx context.Context, sid domain.SessionID, actor domain.ParticipantID, role domain.Role) (orch.EndResult, error)
	GetSessionStatus(ctx context.Context, sid domain.SessionID) (*domain.Session, error)
	LogAuditEvent(ctx context.Context, sid domain.SessionID, e domain.AuditEntry) error
	Monitor(sid domain.SessionID, buf int) (<-chan domain.QualitySample, func(), error)
}

// Signaling exchanges SDP with a participant holding a join grant.
type Signaling interface {
	Negotiate(ctx context.Context, g core.JoinGrant, offerSDP string, onICE func(webrtc.ICECandidateInit)) (string, error)
	AddCandidate(g core.JoinGrant, ci webrtc.ICECandidateInit) error
	Leave(g core.JoinGrant) error
}

type Deps struct {
	Sessions  Sessions
	Identity  core.IdentityService
	Signaling Signaling
}

type api struct {
	sessions        Sessions
	identity        core.IdentityService
	signaling       Signaling
	stream          *stream.Handler
	limiter         *JoinRateLimiter
	identityTimeout time.Duration
	ctx             context.Context
}

func (a *api) identityContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if a.identityTimeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), a.identityTimeout)
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	} else {
		r.Use(RequestLogger())
	}
	r.Use(gin.Recovery())
	r.Use(CorrelationMiddleware())

	a := &api{
		sessions:        d.Sessions,
		identity:        d.Identity,
		signaling:       d.Signaling,
		stream:          stream.NewHandler(d.Sessions, cfg.Server.StreamPing),
		limiter:         NewJoinRateLimiter(cfg.Server.JoinRateLimit, cfg.Server.JoinRateWindow),
		identityTimeout: cfg.Timeouts.Identity,
		ctx:             ctx,
	}
	go a.sweep(ctx, cfg.Server.JoinRateWindow)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sessions := r.Group("/api/sessions")
	sessions.POST("", a.createSession)
	sessions.GET("/:id", a.getSession)
	sessions.POST("/:id/join", a.joinSession)
	sessions.POST("/:id/end", a.endSession)
	sessions.POST("/:id/audit", a.logAudit)
	sessions.GET("/:id/quality", a.qualityStream)
	if d.Signaling != nil {
		sessions.POST("/:id/offer", a.offer)
		sessions.POST("/:id/candidate", a.candidate)
		sessions.POST("/:id/leave", a.leave)
	}

	log.Info().Str("module", "adapters.http").Bool("signaling", d.Signaling != nil).Msg("router setup")
	return r
}

func (a *api) sweep(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.limiter.Sweep()
		}
	}
}
