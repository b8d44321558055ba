// Package audit persists session audit entries in order. A write that keeps
// failing is escalated and remembered, never dropped silently.
package audit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/dkeye/Telehealth/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Escalator receives the HIGH alert raised for an unpersisted entry.
type Escalator interface {
	Enqueue(domain.Alert)
}

type Options struct {
	MaxRetries    int
	RetryInterval time.Duration
	Timeout       time.Duration

	// ReconcileInterval paces Run. Zero disables it.
	ReconcileInterval time.Duration
}

type Sink struct {
	store     core.SessionStore
	escalator Escalator
	opts      Options

	// pending holds, per session, everything a failed commit could not
	// persist. The next commit for that session carries it first.
	mu      sync.Mutex
	pending map[domain.SessionID]core.SessionUpdate
	writers map[domain.SessionID]*writer
}

// writer serializes store writes of one session.
type writer struct {
	mu   sync.Mutex
	refs int
}

func NewSink(store core.SessionStore, escalator Escalator, opts Options) *Sink {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Sink{
		store:     store,
		escalator: escalator,
		opts:      opts,
		pending:   make(map[domain.SessionID]core.SessionUpdate),
		writers:   make(map[domain.SessionID]*writer),
	}
}

// Run reconciles the gap ledger every ReconcileInterval until ctx ends.
func (s *Sink) Run(ctx context.Context) {
	if s.opts.ReconcileInterval <= 0 {
		return
	}
	t := time.NewTicker(s.opts.ReconcileInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.reconcileAll(ctx)
		}
	}
}

func (s *Sink) reconcileAll(ctx context.Context) {
	s.mu.Lock()
	sids := slices.Collect(maps.Keys(s.pending))
	s.mu.Unlock()
	for _, sid := range sids {
		if err := s.Reconcile(ctx, sid); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "app.audit").Str("session_id", string(sid)).Msg("audit gap still open")
		}
	}
}

// Append persists one entry.
func (s *Sink) Append(ctx context.Context, sid domain.SessionID, e domain.AuditEntry) error {
	return s.Commit(ctx, sid, core.SessionUpdate{PushAudit: []domain.AuditEntry{e}})
}

// Commit applies u, which carries the audit entries of a transition, as one
// store update behind anything still pending for sid. On final failure the
// whole update joins the gap ledger, a HIGH alert is raised and
// ErrAuditWriteFailure is returned.
func (s *Sink) Commit(ctx context.Context, sid domain.SessionID, u core.SessionUpdate) error {
	defer s.lock(sid)()
	prev, had := s.peek(sid)
	merged := u.Clone()
	if had {
		merged = prev.Then(u)
	}
	err := s.write(ctx, sid, merged)
	if err == nil {
		if had {
			s.settle(sid)
			log.Info().Str("module", "app.audit").Str("session_id", string(sid)).Int("entries", len(prev.PushAudit)).Msg("audit gap flushed")
		}
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}

	s.keep(sid, merged)
	metrics.AuditWriteFailures.Add(float64(len(u.PushAudit)))

	actions := make([]string, 0, len(u.PushAudit))
	for _, e := range u.PushAudit {
		actions = append(actions, string(e.Action))
	}
	ev := log.Error().Err(err).
		Str("module", "app.audit").
		Str("session_id", string(sid)).
		Strs("actions", actions)
	if u.Status != nil {
		ev = ev.Str("status", string(*u.Status))
	}
	ev.Msg("audit write failed, escalating")
	if s.escalator != nil {
		s.escalator.Enqueue(domain.Alert{
			SessionID: sid,
			Kind:      domain.AlertAudit,
			Severity:  domain.SeverityHigh,
			Message:   fmt.Sprintf("audit entries %v not persisted: %v", actions, err),
		})
	}
	return fmt.Errorf("%w: %v", domain.ErrAuditWriteFailure, err)
}

// Unreconciled returns entries that are still missing from the store.
func (s *Sink) Unreconciled(sid domain.SessionID) []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending[sid].PushAudit)
}

// Overlay applies what is still pending for sess onto a record read from
// the store, so readers see the state the session actually reached.
func (s *Sink) Overlay(sess *domain.Session) {
	s.mu.Lock()
	u, ok := s.pending[sess.ID]
	if ok {
		u = u.Clone()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	u.PushAudit = unseen(sess.AuditLog, u.PushAudit)
	u.Apply(sess, sess.UpdatedAt)
}

// Reconcile retries the gap ledger for sid. Entries the store already holds
// are not written twice.
func (s *Sink) Reconcile(ctx context.Context, sid domain.SessionID) error {
	defer s.lock(sid)()
	u, ok := s.peek(sid)
	if !ok {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	stored, err := s.store.FindByID(rctx, sid)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuditWriteFailure, err)
	}
	entries := len(u.PushAudit)
	u.PushAudit = unseen(stored.AuditLog, u.PushAudit)
	if err := s.write(ctx, sid, u); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuditWriteFailure, err)
	}
	s.settle(sid)
	log.Info().Str("module", "app.audit").Str("session_id", string(sid)).Int("entries", entries).Msg("audit gap reconciled")
	return nil
}

// lock holds the session's writer until the returned func is called.
func (s *Sink) lock(sid domain.SessionID) func() {
	s.mu.Lock()
	w := s.writers[sid]
	if w == nil {
		w = &writer{}
		s.writers[sid] = w
	}
	w.refs++
	s.mu.Unlock()

	w.mu.Lock()
	return func() {
		w.mu.Unlock()
		s.mu.Lock()
		if w.refs--; w.refs == 0 {
			delete(s.writers, sid)
		}
		s.mu.Unlock()
	}
}

// The ledger of a session only changes while its writer is held, so what
// peek returns stays current until keep or settle.
func (s *Sink) peek(sid domain.SessionID) (core.SessionUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.pending[sid]
	if ok {
		u = u.Clone()
	}
	return u, ok
}

// keep replaces the ledger of sid with u, which already carries it.
func (s *Sink) keep(sid domain.SessionID, u core.SessionUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Empty() {
		delete(s.pending, sid)
		return
	}
	s.pending[sid] = u.Clone()
}

func (s *Sink) settle(sid domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, sid)
}

// unseen drops pending entries the stored log already ends with. Audit
// timestamps strictly increase within a session.
func unseen(stored, pending []domain.AuditEntry) []domain.AuditEntry {
	if len(stored) == 0 {
		return pending
	}
	last := stored[len(stored)-1].Timestamp
	out := make([]domain.AuditEntry, 0, len(pending))
	for _, e := range pending {
		if e.Timestamp.After(last) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Sink) write(ctx context.Context, sid domain.SessionID, u core.SessionUpdate) error {
	op := func() error {
		wctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
		_, err := s.store.FindByIDAndUpdate(wctx, sid, u)
		if errors.Is(err, domain.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).
			Str("module", "app.audit").
			Str("session_id", string(sid)).
			Dur("retry_in", wait).
			Msg("audit write retry")
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.opts.RetryInterval),
		backoff.WithMaxInterval(8*s.opts.RetryInterval),
	)
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.MaxRetries)), ctx), notify)
}
