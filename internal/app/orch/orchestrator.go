package orch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Telehealth/internal/app"
	"github.com/dkeye/Telehealth/internal/app/compliance"
	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrShuttingDown = errors.New("orchestrator shutting down")

type Timeouts struct {
	Provider time.Duration
	Identity time.Duration
	Store    time.Duration
}

type RetryPolicy struct {
	Retries  int
	Interval time.Duration
}

// Orchestrator exposes the inbound session operations and owns the
// background loops that route transport events to sessions.
type Orchestrator struct {
	Registry      *app.Registry
	Gate          *compliance.Gate
	Store         core.SessionStore
	Idempotency   core.IdempotencyStore
	Identity      core.IdentityService
	Deps          *app.Deps
	Timeouts      Timeouts
	ProviderRetry RetryPolicy

	flights  singleflight.Group
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool
}

// Start launches event dispatch, alert delivery and audit reconciliation. Sessions spawned
// afterwards live until Shutdown.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))

	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		o.Deps.Alerts.Run(o.ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.Deps.Audit.Run(o.ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.dispatch(o.ctx)
	}()
	log.Info().Str("module", "app.orch").Msg("orchestrator started")
}

func (o *Orchestrator) dispatch(ctx context.Context) {
	events := o.Deps.Media.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Warn().Str("module", "app.orch").Msg("transport event stream closed")
				return
			}
			s, ok := o.Registry.ByRoom(ev.Room)
			if !ok {
				log.Debug().Str("module", "app.orch").Str("room", string(ev.Room)).Str("reason", string(ev.Reason)).Msg("event for unknown room")
				continue
			}
			s.Notify(ev)
		}
	}
}

// Shutdown fails every live session with SYSTEM_SHUTDOWN, releases the rest
// and flushes pending alerts, all within ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.stopping.CompareAndSwap(false, true) {
		return nil
	}
	sessions := o.Registry.All()
	log.Info().Str("module", "app.orch").Int("sessions", len(sessions)).Msg("shutting down")

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			sess, err := s.End(ctx, domain.SystemActor, "", app.EndShutdown)
			if err != nil {
				log.Error().Err(err).Str("module", "app.orch").Str("session_id", string(s.ID())).Msg("shutdown end failed")
				return nil
			}
			if sess.Status == domain.StatusFailed {
				if err := o.disconnect(ctx, s.Room()); err != nil {
					log.Warn().Err(err).Str("module", "app.orch").Str("session_id", string(s.ID())).Msg("room not disconnected")
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	o.cancel()
	for _, s := range o.Registry.All() {
		select {
		case <-s.Done():
		case <-ctx.Done():
		}
	}
	o.Deps.Monitor.StopAll()
	o.Deps.Reconnect.Wait()
	o.wg.Wait()
	o.Deps.Alerts.Flush(ctx)
	log.Info().Str("module", "app.orch").Msg("orchestrator stopped")
	return ctx.Err()
}
