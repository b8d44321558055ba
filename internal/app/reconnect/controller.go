// Package reconnect drives bounded, backed-off re-establishment of a
// session's media connection after an involuntary disconnect.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/dkeye/Telehealth/internal/metrics"
	"github.com/rs/zerolog/log"
)

// LinkState is the per-session connection state the controller tracks.
type LinkState string

const (
	LinkConnected    LinkState = "CONNECTED"
	LinkDisconnected LinkState = "DISCONNECTED"
	LinkReconnecting LinkState = "RECONNECTING"
	LinkAbandoned    LinkState = "ABANDONED"
)

type Policy struct {
	BaseDelay      time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      time.Second,
		Multiplier:     2,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    3,
		AttemptTimeout: 5 * time.Second,
	}
}

// NewBackOff returns the delay schedule: BaseDelay, x Multiplier, capped at
// MaxDelay, stopping after MaxAttempts delays.
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithMaxInterval(p.MaxDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
}

// Attempt is the ephemeral state of one disconnect episode.
type Attempt struct {
	Count     int
	NextDelay time.Duration
	LastErr   error
}

type Outcome int

const (
	Reconnected Outcome = iota
	Exhausted
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Reconnected:
		return "reconnected"
	case Exhausted:
		return "exhausted"
	}
	return "cancelled"
}

type Result struct {
	Session domain.SessionID
	Outcome Outcome
	Attempt Attempt
}

// RejoinFunc re-establishes the media connection with the participants'
// existing grants.
type RejoinFunc func(ctx context.Context) error

var ErrExhausted = errors.New("reconnect attempts exhausted")

type watch struct {
	state   LinkState
	attempt Attempt
	cancel  context.CancelFunc
}

type Controller struct {
	policy Policy

	mu      sync.Mutex
	watches map[domain.SessionID]*watch
	wg      sync.WaitGroup
}

func NewController(p Policy) *Controller {
	return &Controller{policy: p, watches: make(map[domain.SessionID]*watch)}
}

// Connected marks sid as having a live link.
func (c *Controller) Connected(sid domain.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.watches[sid]; ok && w.cancel != nil {
		w.cancel()
	}
	c.watches[sid] = &watch{state: LinkConnected}
}

// Start begins a reconnect episode for sid. report is called exactly once
// with the outcome, from the controller's goroutine. Starting while an
// episode is running is a no-op and returns false.
func (c *Controller) Start(ctx context.Context, sid domain.SessionID, rejoin RejoinFunc, report func(Result)) bool {
	c.mu.Lock()
	w, ok := c.watches[sid]
	if ok && (w.state == LinkDisconnected || w.state == LinkReconnecting) {
		c.mu.Unlock()
		return false
	}
	epCtx, cancel := context.WithCancel(ctx)
	w = &watch{state: LinkDisconnected, cancel: cancel}
	c.watches[sid] = w
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		report(c.run(epCtx, sid, w, rejoin))
	}()
	return true
}

// Cancel abandons any running episode and forgets sid.
func (c *Controller) Cancel(sid domain.SessionID) {
	c.mu.Lock()
	w, ok := c.watches[sid]
	delete(c.watches, sid)
	c.mu.Unlock()
	if ok && w.cancel != nil {
		w.cancel()
	}
}

func (c *Controller) State(sid domain.SessionID) (LinkState, Attempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watches[sid]
	if !ok {
		return "", Attempt{}, false
	}
	return w.state, w.attempt, true
}

// Wait blocks until every running episode has reported.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) set(w *watch, state LinkState, a Attempt) {
	c.mu.Lock()
	w.state = state
	w.attempt = a
	c.mu.Unlock()
}

func (c *Controller) run(ctx context.Context, sid domain.SessionID, w *watch, rejoin RejoinFunc) Result {
	logger := log.With().
		Str("module", "app.reconnect").
		Str("session_id", string(sid)).
		Logger()

	b := c.policy.NewBackOff()
	var a Attempt
	c.set(w, LinkReconnecting, a)

	for {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			if a.LastErr == nil {
				a.LastErr = ErrExhausted
			}
			c.set(w, LinkAbandoned, a)
			metrics.ReconnectOutcomes.WithLabelValues(Exhausted.String()).Inc()
			logger.Warn().Err(a.LastErr).Int("attempts", a.Count).Msg("reconnect abandoned")
			return Result{Session: sid, Outcome: Exhausted, Attempt: a}
		}
		a.NextDelay = delay
		c.set(w, LinkReconnecting, a)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.ReconnectOutcomes.WithLabelValues(Cancelled.String()).Inc()
			return Result{Session: sid, Outcome: Cancelled, Attempt: a}
		case <-timer.C:
		}

		a.Count++
		metrics.ReconnectAttempts.Inc()
		attemptCtx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
		err := rejoin(attemptCtx)
		cancel()
		if ctx.Err() != nil {
			metrics.ReconnectOutcomes.WithLabelValues(Cancelled.String()).Inc()
			return Result{Session: sid, Outcome: Cancelled, Attempt: a}
		}
		if err == nil {
			a.LastErr = nil
			c.set(w, LinkConnected, a)
			metrics.ReconnectOutcomes.WithLabelValues(Reconnected.String()).Inc()
			logger.Info().Int("attempt", a.Count).Msg("reconnected")
			return Result{Session: sid, Outcome: Reconnected, Attempt: a}
		}
		a.LastErr = fmt.Errorf("attempt %d: %w", a.Count, err)
		logger.Warn().Err(err).Int("attempt", a.Count).Dur("waited", delay).Msg("reconnect attempt failed")
	}
}
