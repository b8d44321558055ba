package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/dkeye/Telehealth/internal/metrics"
	"github.com/rs/zerolog/log"
)

// callProvider runs fn with the provider timeout, retrying with backoff.
// Exhaustion surfaces as ErrProviderUnavailable.
func (o *Orchestrator) callProvider(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := func() error {
		cctx, cancel := context.WithTimeout(ctx, o.Timeouts.Provider)
		defer cancel()
		err := fn(cctx)
		if err != nil {
			metrics.ProviderErrors.WithLabelValues(op).Inc()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("module", "app.orch").Str("op", op).Dur("retry_in", wait).Msg("provider call failed")
	}
	interval := o.ProviderRetry.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	b := backoff.NewExponentialBackOff(backoff.WithInitialInterval(interval))
	err := backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.ProviderRetry.Retries)), ctx), notify)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrProviderUnavailable, op, err)
	}
	return nil
}

func (o *Orchestrator) disconnect(ctx context.Context, room core.RoomID) error {
	if room == "" {
		return nil
	}
	return o.callProvider(ctx, "disconnect_room", func(ctx context.Context) error {
		return o.Deps.Media.DisconnectRoom(ctx, room)
	})
}
