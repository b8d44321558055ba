package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Telehealth/internal/app/audit"
	"github.com/dkeye/Telehealth/internal/app/quality"
	"github.com/dkeye/Telehealth/internal/app/reconnect"
	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/dkeye/Telehealth/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned when a session's loop has already exited.
var ErrClosed = errors.New("session closed")

const (
	inboxSize = 64
	// transportBacklog bounds queued voluntary transport events. Involuntary
	// disconnects are always kept.
	transportBacklog = 256
)

// Deps are the collaborators shared by every live session.
type Deps struct {
	Media       core.MediaProvider
	Audit       *audit.Sink
	Monitor     *quality.Monitor
	Reconnect   *reconnect.Controller
	Alerts      *quality.AlertQueue
	Feed        *quality.Feed
	Policy      Policy
	Thresholds  quality.Thresholds
	Streak      quality.StreakPolicy
	HistorySize int
	Clock       func() time.Time
}

func (d *Deps) Now() time.Time {
	if d.Clock != nil {
		return d.Clock().UTC()
	}
	return time.Now().UTC()
}

// EndMode selects how End terminates a session.
type EndMode int

const (
	// EndVoluntary completes a live session or cancels a scheduled one.
	EndVoluntary EndMode = iota
	// EndShutdown fails a live session with SYSTEM_SHUTDOWN.
	EndShutdown
)

const ReasonSystemShutdown = "SYSTEM_SHUTDOWN"

type seat struct {
	role  domain.Role
	grant core.JoinGrant
}

type event interface{ isEvent() }

type joinCmd struct {
	actor domain.ParticipantID
	role  domain.Role
	grant core.JoinGrant
	reply chan result
}

type endCmd struct {
	actor domain.ParticipantID
	role  domain.Role
	mode  EndMode
	reply chan result
}

type auditCmd struct {
	entry domain.AuditEntry
	reply chan result
}

type sampleEvt struct{ sample domain.QualitySample }

type transportEvt struct{ ev core.TransportEvent }

type reconnectEvt struct{ res reconnect.Result }

func (joinCmd) isEvent()      {}
func (endCmd) isEvent()       {}
func (auditCmd) isEvent()     {}
func (sampleEvt) isEvent()    {}
func (transportEvt) isEvent() {}
func (reconnectEvt) isEvent() {}

type result struct {
	sess *domain.Session
	err  error
}

// Session is the single writer for one live session. All mutations arrive
// as messages on its inbox or transport queue and are applied by run.
type Session struct {
	id     domain.SessionID
	room   core.RoomID
	deps   *Deps
	inbox  chan event
	done   chan struct{}
	snap   atomic.Pointer[domain.Session]
	onExit func(domain.SessionID)

	// transport events queue here so dispatch never waits on this loop
	tmu       sync.Mutex
	transport []core.TransportEvent
	wake      chan struct{}

	// owned by run
	ctx     context.Context
	state   *domain.Session
	tracker *quality.Tracker
	seats   map[domain.ParticipantID]seat
	logger  zerolog.Logger

	// participants dropped during the current reconnection episode
	lmu  sync.Mutex
	lost map[domain.ParticipantID]domain.Role
}

func newSession(sess *domain.Session, deps *Deps, onExit func(domain.SessionID)) *Session {
	s := &Session{
		id:      sess.ID,
		room:    core.RoomID(sess.RoomID),
		deps:    deps,
		inbox:   make(chan event, inboxSize),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		onExit:  onExit,
		state:   sess.Clone(),
		tracker: quality.NewTracker(deps.Streak),
		seats:   make(map[domain.ParticipantID]seat),
		lost:    make(map[domain.ParticipantID]domain.Role),
		logger: log.With().
			Str("module", "app.session").
			Str("session_id", string(sess.ID)).
			Logger(),
	}
	s.snap.Store(sess.Clone())
	metrics.LiveSessions.WithLabelValues(string(sess.Status)).Inc()
	return s
}

func (s *Session) ID() domain.SessionID { return s.id }

func (s *Session) Room() core.RoomID { return s.room }

// Snapshot is a copy of the latest committed state; it never waits on the loop.
func (s *Session) Snapshot() *domain.Session { return s.snap.Load().Clone() }

func (s *Session) Done() <-chan struct{} { return s.done }

// Join records a participant whose media join already succeeded.
func (s *Session) Join(ctx context.Context, actor domain.ParticipantID, role domain.Role, grant core.JoinGrant) (*domain.Session, error) {
	return s.ask(ctx, func(reply chan result) event {
		return joinCmd{actor: actor, role: role, grant: grant, reply: reply}
	})
}

func (s *Session) End(ctx context.Context, actor domain.ParticipantID, role domain.Role, mode EndMode) (*domain.Session, error) {
	return s.ask(ctx, func(reply chan result) event {
		return endCmd{actor: actor, role: role, mode: mode, reply: reply}
	})
}

func (s *Session) Log(ctx context.Context, e domain.AuditEntry) error {
	_, err := s.ask(ctx, func(reply chan result) event {
		return auditCmd{entry: e, reply: reply}
	})
	return err
}

// Deliver offers a quality sample. It never blocks the sampler; a full
// inbox drops the sample.
func (s *Session) Deliver(sample domain.QualitySample) {
	select {
	case s.inbox <- sampleEvt{sample: sample}:
	case <-s.done:
	default:
		s.logger.Warn().Msg("inbox full, sample dropped")
	}
}

// Notify queues a transport event for the loop and returns at once, so a
// session stuck on a slow write never holds up events for other rooms.
// Voluntary events past transportBacklog are dropped.
func (s *Session) Notify(ev core.TransportEvent) {
	select {
	case <-s.done:
		return
	default:
	}
	s.tmu.Lock()
	if len(s.transport) >= transportBacklog && !ev.Reason.Involuntary() {
		s.tmu.Unlock()
		metrics.TransportEventsDropped.Inc()
		s.logger.Warn().Str("participant", string(ev.Participant)).Str("reason", string(ev.Reason)).Msg("transport backlog full, event dropped")
		return
	}
	s.transport = append(s.transport, ev)
	s.tmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) takeTransport() []core.TransportEvent {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	evs := s.transport
	s.transport = nil
	return evs
}

func (s *Session) reconnected(res reconnect.Result) {
	select {
	case s.inbox <- reconnectEvt{res: res}:
	case <-s.done:
	}
}

func (s *Session) ask(ctx context.Context, build func(chan result) event) (*domain.Session, error) {
	reply := make(chan result, 1)
	select {
	case s.inbox <- build(reply):
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.sess, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case r := <-reply:
			return r.sess, r.err
		default:
			return nil, ErrClosed
		}
	}
}

func (s *Session) run(ctx context.Context) {
	s.ctx = ctx
	defer close(s.done)
	defer s.onExit(s.id)

	if s.state.Status == domain.StatusInProgress {
		s.startMonitor()
	}
	for {
		select {
		case <-ctx.Done():
			s.release()
			return
		case ev := <-s.inbox:
			s.handle(ev)
		case <-s.wake:
			for _, ev := range s.takeTransport() {
				if s.state.Status.Terminal() {
					break
				}
				s.handle(transportEvt{ev: ev})
			}
		}
		if s.state.Status.Terminal() {
			s.release()
			s.drain()
			return
		}
	}
}

// drain answers commands that raced with the terminal transition.
func (s *Session) drain() {
	for {
		select {
		case ev := <-s.inbox:
			switch c := ev.(type) {
			case joinCmd:
				c.reply <- result{err: &domain.TransitionError{From: s.state.Status, To: domain.StatusInProgress}}
			case endCmd:
				c.reply <- result{sess: s.state.Clone()}
			case auditCmd:
				c.reply <- result{err: ErrClosed}
			}
		default:
			return
		}
	}
}

// handle applies one event. The snapshot is published before any reply so a
// caller that got an answer never reads an older state.
func (s *Session) handle(ev event) {
	var (
		reply chan result
		res   result
	)
	switch e := ev.(type) {
	case joinCmd:
		reply = e.reply
		res.sess, res.err = s.handleJoin(e)
	case endCmd:
		reply = e.reply
		res.sess, res.err = s.handleEnd(e)
	case auditCmd:
		reply = e.reply
		res.err = s.record(core.SessionUpdate{}, e.entry)
	case sampleEvt:
		s.handleSample(e.sample)
	case transportEvt:
		s.handleTransport(e.ev)
	case reconnectEvt:
		s.handleReconnect(e.res)
	}
	s.publish()
	if reply != nil {
		reply <- res
	}
}

func (s *Session) handleJoin(c joinCmd) (*domain.Session, error) {
	st := s.state
	if err := s.deps.Policy.AuthorizeJoin(st, c.actor, c.role); err != nil {
		return nil, err
	}
	if !st.Status.Joinable() {
		return nil, &domain.TransitionError{From: st.Status, To: domain.StatusInProgress}
	}

	now := s.deps.Now()
	var u core.SessionUpdate
	first := st.Status == domain.StatusScheduled
	if first {
		if err := s.transition(domain.StatusInProgress, now); err != nil {
			s.logger.Warn().Err(err).Str("actor", string(c.actor)).Msg("join refused")
			return nil, err
		}
		u.Status = &st.Status
		u.ActualStart = st.ActualStart
	}
	s.seats[c.actor] = seat{role: c.role, grant: c.grant}

	_ = s.record(u, domain.AuditEntry{
		Timestamp: now,
		ActorID:   c.actor,
		Action:    domain.ActionSessionJoined,
		Detail:    string(c.role),
	})
	if first {
		s.deps.Reconnect.Connected(s.id)
		s.startMonitor()
	}
	s.logger.Info().Str("actor", string(c.actor)).Str("role", string(c.role)).Str("status", string(st.Status)).Msg("participant joined")
	return st.Clone(), nil
}

func (s *Session) handleEnd(c endCmd) (*domain.Session, error) {
	st := s.state
	if st.Status.Terminal() {
		return st.Clone(), nil
	}
	if err := s.deps.Policy.AuthorizeEnd(st, c.actor, c.role); err != nil {
		return nil, err
	}

	next, action, reason := domain.StatusCompleted, domain.ActionSessionEnded, "completed"
	switch {
	case c.mode == EndShutdown && !st.Status.Live():
		// scheduled sessions stay scheduled in the store across restarts
		return st.Clone(), nil
	case c.mode == EndShutdown:
		next, action, reason = domain.StatusFailed, domain.ActionSessionFailed, ReasonSystemShutdown
	case st.Status == domain.StatusScheduled:
		next, reason = domain.StatusCancelled, "cancelled"
	}

	now := s.deps.Now()
	if err := s.transition(next, now); err != nil {
		return nil, err
	}
	st.EndReason = reason
	s.stopLiveWork()

	_ = s.record(core.SessionUpdate{
		Status:    &st.Status,
		EndedAt:   st.EndedAt,
		EndReason: &st.EndReason,
	}, domain.AuditEntry{Timestamp: now, ActorID: c.actor, Action: action, Detail: reason})
	s.logger.Info().Str("actor", string(c.actor)).Str("status", string(st.Status)).Str("reason", reason).Msg("session ended")
	return st.Clone(), nil
}

func (s *Session) handleSample(sample domain.QualitySample) {
	st := s.state
	if st.Status != domain.StatusInProgress {
		metrics.SamplesRejected.Inc()
		return
	}
	history, ok := quality.AppendBounded(st.QualityHistory, sample, s.deps.HistorySize)
	if !ok {
		metrics.SamplesRejected.Inc()
		return
	}
	st.QualityHistory = history

	verdict := s.deps.Thresholds.Evaluate(sample)
	metrics.QualitySamples.WithLabelValues(string(verdict)).Inc()
	s.deps.Feed.Publish(s.id, sample)

	raise := s.tracker.Observe(verdict)
	if verdict == domain.VerdictDegraded {
		s.logger.Warn().
			Float64("bitrate", sample.BitrateKbps).
			Float64("loss", sample.PacketLossPct).
			Float64("latency", sample.LatencyMs).
			Int("streak", s.tracker.Streak()).
			Msg("quality degraded")
	}
	if !raise {
		return
	}

	msg := s.deps.Thresholds.Describe(sample)
	_ = s.record(core.SessionUpdate{}, domain.AuditEntry{
		Timestamp: s.deps.Now(),
		ActorID:   domain.SystemActor,
		Action:    domain.ActionQualityDegraded,
		Detail:    msg,
	})
	observed := sample
	s.deps.Alerts.Enqueue(domain.Alert{
		SessionID: s.id,
		Kind:      domain.AlertQuality,
		Severity:  domain.SeverityHigh,
		Message:   "sustained quality degradation: " + msg,
		Metrics:   &observed,
	})
}

func (s *Session) handleTransport(ev core.TransportEvent) {
	st := s.state
	if !st.Status.Live() {
		return
	}
	if !ev.Reason.Involuntary() {
		_ = s.record(core.SessionUpdate{}, domain.AuditEntry{
			Timestamp: s.deps.Now(),
			ActorID:   ev.Participant,
			Action:    domain.ActionParticipantLeft,
			Detail:    string(ev.Reason),
		})
		return
	}
	if st.Status == domain.StatusReconnecting {
		s.markLost(ev.Participant)
		s.logger.Info().Str("participant", string(ev.Participant)).Str("reason", string(ev.Reason)).Msg("participant joins reconnection")
		return
	}

	now := s.deps.Now()
	if err := s.transition(domain.StatusReconnecting, now); err != nil {
		s.logger.Error().Err(err).Msg("cannot enter reconnecting")
		return
	}
	s.deps.Monitor.Stop(s.id)
	s.lmu.Lock()
	clear(s.lost)
	s.lmu.Unlock()
	s.markLost(ev.Participant)
	_ = s.record(core.SessionUpdate{Status: &st.Status}, domain.AuditEntry{
		Timestamp: now,
		ActorID:   ev.Participant,
		Action:    domain.ActionReconnectionStarted,
		Detail:    string(ev.Reason),
	})
	s.logger.Warn().Str("participant", string(ev.Participant)).Str("reason", string(ev.Reason)).Msg("involuntary disconnect")

	s.deps.Reconnect.Start(s.ctx, s.id, s.rejoin, s.reconnected)
}

// markLost adds p to the participants the running episode must bring back.
func (s *Session) markLost(p domain.ParticipantID) {
	role := domain.Role("")
	if st, ok := s.seats[p]; ok {
		role = st.role
	} else if r, ok := s.state.RoleOf(p); ok {
		role = r
	}
	s.lmu.Lock()
	s.lost[p] = role
	s.lmu.Unlock()
}

// rejoin runs on the reconnect controller. Each attempt rejoins every
// participant still lost, so one dropped mid-episode is retried with the rest.
func (s *Session) rejoin(ctx context.Context) error {
	s.lmu.Lock()
	lost := maps.Clone(s.lost)
	s.lmu.Unlock()

	var errs []error
	for p, role := range lost {
		if _, err := s.deps.Media.JoinRoom(ctx, s.room, p, role); err != nil {
			metrics.ProviderErrors.WithLabelValues("rejoin").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		s.lmu.Lock()
		delete(s.lost, p)
		s.lmu.Unlock()
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, errors.Join(errs...))
	}
	s.lmu.Lock()
	left := len(s.lost)
	s.lmu.Unlock()
	if left > 0 {
		return fmt.Errorf("%w: %d participants dropped during attempt", domain.ErrProviderUnavailable, left)
	}
	return nil
}

func (s *Session) handleReconnect(res reconnect.Result) {
	st := s.state
	if st.Status != domain.StatusReconnecting {
		return
	}
	now := s.deps.Now()
	switch res.Outcome {
	case reconnect.Reconnected:
		if err := s.transition(domain.StatusInProgress, now); err != nil {
			s.logger.Error().Err(err).Msg("cannot resume")
			return
		}
		_ = s.record(core.SessionUpdate{Status: &st.Status}, domain.AuditEntry{
			Timestamp: now,
			ActorID:   domain.SystemActor,
			Action:    domain.ActionReconnectionSucceeded,
			Detail:    fmt.Sprintf("attempt %d", res.Attempt.Count),
		})
		s.startMonitor()

	case reconnect.Exhausted:
		if err := s.transition(domain.StatusFailed, now); err != nil {
			s.logger.Error().Err(err).Msg("cannot fail session")
			return
		}
		st.EndReason = string(domain.ActionReconnectionExhausted)
		s.stopLiveWork()
		detail := fmt.Sprintf("%d attempts", res.Attempt.Count)
		if res.Attempt.LastErr != nil {
			detail += ": " + res.Attempt.LastErr.Error()
		}
		_ = s.record(core.SessionUpdate{
			Status:    &st.Status,
			EndedAt:   st.EndedAt,
			EndReason: &st.EndReason,
		}, domain.AuditEntry{
			Timestamp: now,
			ActorID:   domain.SystemActor,
			Action:    domain.ActionReconnectionExhausted,
			Detail:    detail,
		})
		s.deps.Alerts.Enqueue(domain.Alert{
			SessionID: s.id,
			Kind:      domain.AlertReconnect,
			Severity:  domain.SeverityHigh,
			Message:   "reconnection exhausted after " + detail,
		})
	}
}

func (s *Session) transition(next domain.Status, at time.Time) error {
	prev := s.state.Status
	if err := s.state.Transition(next, at); err != nil {
		return err
	}
	metrics.LiveSessions.WithLabelValues(string(prev)).Dec()
	metrics.LiveSessions.WithLabelValues(string(next)).Inc()
	if next.Terminal() {
		metrics.SessionsTerminated.WithLabelValues(string(next)).Inc()
	}
	return nil
}

// record appends entries to the in-memory log and persists them together
// with u. A persistence failure is escalated by the sink and returned, but
// the in-memory transition stands.
func (s *Session) record(u core.SessionUpdate, entries ...domain.AuditEntry) error {
	for _, e := range entries {
		e = s.state.StampAudit(e)
		s.state.AuditLog = append(s.state.AuditLog, e)
		u.PushAudit = append(u.PushAudit, e)
	}
	err := s.deps.Audit.Commit(s.ctx, s.id, u)
	if err != nil {
		s.logger.Error().Err(err).Msg("session update not persisted")
	}
	return err
}

func (s *Session) startMonitor() {
	media, room := s.deps.Media, s.room
	s.deps.Monitor.Start(s.ctx, s.id, func(ctx context.Context) (domain.QualitySample, error) {
		return media.ConnectionStats(ctx, room)
	}, s.Deliver)
}

func (s *Session) stopLiveWork() {
	s.deps.Monitor.Stop(s.id)
	s.deps.Reconnect.Cancel(s.id)
	s.deps.Alerts.Purge(s.id, domain.AlertQuality)
}

func (s *Session) publish() {
	s.snap.Store(s.state.Clone())
}

func (s *Session) release() {
	s.stopLiveWork()
	s.deps.Feed.Close(s.id)
	s.publish()
	metrics.LiveSessions.WithLabelValues(string(s.state.Status)).Dec()
}
