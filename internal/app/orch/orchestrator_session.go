package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Telehealth/internal/app"
	"github.com/dkeye/Telehealth/internal/app/compliance"
	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type JoinResult struct {
	Session *domain.Session `json:"session"`
	Grant   core.JoinGrant  `json:"grant"`
}

// EndResult carries the final state. Warning is set when the provider did
// not acknowledge the room disconnect; the session is terminal regardless.
type EndResult struct {
	Session *domain.Session `json:"session"`
	Warning error           `json:"-"`
}

// CreateSession admits req through the compliance gate and initializes it.
func (o *Orchestrator) CreateSession(ctx context.Context, req domain.SessionRequest) (*domain.Session, error) {
	rec, err := o.Gate.Admit(req)
	if err != nil {
		return nil, err
	}
	return o.InitializeSession(ctx, req, rec)
}

// InitializeSession allocates a room and persists a SCHEDULED session.
// Concurrent calls for one appointment yield the same session.
func (o *Orchestrator) InitializeSession(ctx context.Context, req domain.SessionRequest, rec compliance.Record) (*domain.Session, error) {
	if o.stopping.Load() {
		return nil, ErrShuttingDown
	}
	if rec.AppointmentRef != req.AppointmentRef || rec.ComplianceVersion == "" {
		return nil, fmt.Errorf("%w: compliance record does not cover appointment %q", domain.ErrInvalidRequest, req.AppointmentRef)
	}

	key := IdempotencyKey(req.AppointmentRef)
	v, err, shared := o.flights.Do(key, func() (any, error) {
		return o.initialize(ctx, key, req, rec)
	})
	if err != nil {
		return nil, err
	}
	sess := v.(*domain.Session)
	if shared {
		sess = sess.Clone()
	}
	return sess, nil
}

func (o *Orchestrator) initialize(ctx context.Context, key string, req domain.SessionRequest, rec compliance.Record) (*domain.Session, error) {
	id := domain.SessionID(uuid.NewString())
	logger := log.With().Str("module", "app.orch").Str("appointment", req.AppointmentRef).Logger()

	cctx, cancel := context.WithTimeout(ctx, o.Timeouts.Store)
	existing, claimed, err := o.Idempotency.Claim(cctx, key, id)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("claim appointment: %w", err)
	}
	if !claimed {
		logger.Info().Str("session_id", string(existing)).Msg("appointment already has a session")
		sess, err := o.GetSessionStatus(ctx, existing)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrDuplicateRequest
		}
		return sess, err
	}

	var room core.RoomID
	err = o.callProvider(ctx, "create_room", func(ctx context.Context) error {
		var err error
		room, err = o.Deps.Media.CreateRoom(ctx, core.RoomSpec{SessionID: id, Tech: req.Tech, DTLSRole: rec.DTLSRole})
		return err
	})
	if err != nil {
		o.release(ctx, key)
		return nil, err
	}

	at := o.Deps.Now()
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}
	sess := &domain.Session{
		ID:             id,
		CorrelationID:  correlation,
		AppointmentRef: req.AppointmentRef,
		RoomID:         string(room),
		PatientID:      req.PatientID,
		ProviderID:     req.ProviderID,
		Observers:      req.Observers,
		AllowObservers: req.AllowObservers,
		ScheduledStart: req.ScheduledStart,
		Status:         domain.StatusScheduled,
		Security:       rec.Security(),
		Tech:           req.Tech,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	sess.AuditLog = append(sess.AuditLog, sess.StampAudit(domain.AuditEntry{
		Timestamp: at,
		ActorID:   domain.SystemActor,
		Action:    domain.ActionSessionCreated,
		Detail:    fmt.Sprintf("appointment %s, compliance %s", req.AppointmentRef, rec.ComplianceVersion),
	}))

	cctx, cancel = context.WithTimeout(ctx, o.Timeouts.Store)
	err = o.Store.Create(cctx, sess)
	cancel()
	if err != nil {
		if derr := o.disconnect(ctx, room); derr != nil {
			logger.Warn().Err(derr).Msg("orphaned room")
		}
		o.release(ctx, key)
		return nil, fmt.Errorf("persist session: %w", err)
	}

	s := o.Registry.Spawn(o.ctx, sess, o.Deps)
	logger.Info().Str("session_id", string(id)).Str("room", string(room)).Msg("session initialized")
	return s.Snapshot(), nil
}

func (o *Orchestrator) release(ctx context.Context, key string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.Timeouts.Store)
	defer cancel()
	if err := o.Idempotency.Release(cctx, key); err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("key", key).Msg("idempotency key not released")
	}
}

// JoinSession validates the token and the seat, joins the media room and
// records the participant. The first join starts the session.
func (o *Orchestrator) JoinSession(ctx context.Context, sid domain.SessionID, actor domain.ParticipantID, role domain.Role, token string) (JoinResult, error) {
	if o.stopping.Load() {
		return JoinResult{}, ErrShuttingDown
	}
	logger := log.With().Str("module", "app.orch").Str("session_id", string(sid)).Str("actor", string(actor)).Logger()

	if !role.Valid() || role == domain.RoleAdmin {
		logger.Warn().Str("role", string(role)).Msg("join rejected: role")
		return JoinResult{}, fmt.Errorf("%w: role %q cannot join", domain.ErrUnauthorized, role)
	}
	cctx, cancel := context.WithTimeout(ctx, o.Timeouts.Identity)
	principal, err := o.Identity.ValidateToken(cctx, token, role)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("join rejected: token")
		if errors.Is(err, domain.ErrUnauthorized) {
			return JoinResult{}, err
		}
		return JoinResult{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if principal.Subject != actor {
		logger.Warn().Str("subject", string(principal.Subject)).Msg("join rejected: subject mismatch")
		return JoinResult{}, fmt.Errorf("%w: token subject does not match actor", domain.ErrUnauthorized)
	}

	s, snap, err := o.live(ctx, sid)
	if err != nil {
		return JoinResult{}, err
	}
	if s == nil {
		return JoinResult{}, &domain.TransitionError{From: snap.Status, To: domain.StatusInProgress}
	}
	if err := o.Deps.Policy.AuthorizeJoin(snap, actor, role); err != nil {
		logger.Warn().Err(err).Msg("join rejected: seat")
		return JoinResult{}, err
	}
	if !snap.Status.Joinable() {
		return JoinResult{}, &domain.TransitionError{From: snap.Status, To: domain.StatusInProgress}
	}
	if snap.Status == domain.StatusScheduled && !snap.Security.EncryptionVerified {
		return JoinResult{}, domain.ErrEncryptionUnavailable
	}

	var grant core.JoinGrant
	err = o.callProvider(ctx, "join_room", func(ctx context.Context) error {
		var err error
		grant, err = o.Deps.Media.JoinRoom(ctx, s.Room(), actor, role)
		return err
	})
	if err != nil {
		return JoinResult{}, err
	}

	sess, err := s.Join(ctx, actor, role, grant)
	if errors.Is(err, app.ErrClosed) {
		final, lerr := o.load(ctx, sid)
		if lerr != nil {
			return JoinResult{}, lerr
		}
		return JoinResult{}, &domain.TransitionError{From: final.Status, To: domain.StatusInProgress}
	}
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{Session: sess, Grant: grant}, nil
}

// EndSession ends sid on behalf of a seated participant.
func (o *Orchestrator) EndSession(ctx context.Context, sid domain.SessionID, actor domain.ParticipantID) (EndResult, error) {
	return o.EndSessionAs(ctx, sid, actor, "")
}

// EndSessionAs is EndSession for an authenticated principal; admins may end
// sessions they are not seated in. Ending is idempotent.
func (o *Orchestrator) EndSessionAs(ctx context.Context, sid domain.SessionID, actor domain.ParticipantID, role domain.Role) (EndResult, error) {
	s, snap, err := o.live(ctx, sid)
	if err != nil {
		return EndResult{}, err
	}
	if err := o.Deps.Policy.AuthorizeEnd(snap, actor, role); err != nil {
		return EndResult{}, err
	}
	if s == nil {
		return EndResult{Session: snap}, nil
	}

	sess, err := s.End(ctx, actor, role, app.EndVoluntary)
	if errors.Is(err, app.ErrClosed) {
		final, lerr := o.load(ctx, sid)
		if lerr != nil {
			return EndResult{}, lerr
		}
		return EndResult{Session: final}, nil
	}
	if err != nil {
		return EndResult{}, err
	}

	res := EndResult{Session: sess}
	if err := o.disconnect(ctx, s.Room()); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("session_id", string(sid)).Msg("provider did not acknowledge disconnect")
		res.Warning = err
	}
	return res, nil
}

// GetSessionStatus answers from the live snapshot when there is one and
// falls back to the store for finished sessions, including any state the
// store has not caught up with yet.
func (o *Orchestrator) GetSessionStatus(ctx context.Context, sid domain.SessionID) (*domain.Session, error) {
	if s, ok := o.Registry.Get(sid); ok {
		return s.Snapshot(), nil
	}
	return o.load(ctx, sid)
}

// LogAuditEvent appends a caller-supplied entry behind every entry the
// session has already produced.
func (o *Orchestrator) LogAuditEvent(ctx context.Context, sid domain.SessionID, e domain.AuditEntry) error {
	if e.Action == "" || e.Action.Reserved() {
		return fmt.Errorf("%w: action %q cannot be logged directly", domain.ErrInvalidRequest, e.Action)
	}
	if e.ActorID == "" {
		e.ActorID = domain.SystemActor
	}
	if s, ok := o.Registry.Get(sid); ok {
		err := s.Log(ctx, e)
		if !errors.Is(err, app.ErrClosed) {
			return err
		}
	}
	snap, err := o.load(ctx, sid)
	if err != nil {
		return err
	}
	return o.Deps.Audit.Append(ctx, sid, snap.StampAudit(e))
}

// Monitor streams accepted quality samples of a live session until the
// session ends or stop is called.
func (o *Orchestrator) Monitor(sid domain.SessionID, buf int) (<-chan domain.QualitySample, func(), error) {
	s, ok := o.Registry.Get(sid)
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	if st := s.Snapshot().Status; st.Terminal() {
		return nil, nil, &domain.TransitionError{From: st, To: domain.StatusInProgress}
	}
	ch, stop := o.Deps.Feed.Subscribe(sid, buf)
	return ch, stop, nil
}

// live returns the session's loop, starting one for a non-terminal record
// that this process does not hold yet. Terminal sessions come back as a
// snapshot with a nil loop.
func (o *Orchestrator) live(ctx context.Context, sid domain.SessionID) (*app.Session, *domain.Session, error) {
	if s, ok := o.Registry.Get(sid); ok {
		return s, s.Snapshot(), nil
	}
	snap, err := o.load(ctx, sid)
	if err != nil {
		return nil, nil, err
	}
	if snap.Status.Terminal() || o.stopping.Load() {
		return nil, snap, nil
	}
	v, _, _ := o.flights.Do("spawn:"+string(sid), func() (any, error) {
		if s, ok := o.Registry.Get(sid); ok {
			return s, nil
		}
		log.Info().Str("module", "app.orch").Str("session_id", string(sid)).Str("status", string(snap.Status)).Msg("rehydrating session")
		return o.Registry.Spawn(o.ctx, snap, o.Deps), nil
	})
	s := v.(*app.Session)
	return s, s.Snapshot(), nil
}

func (o *Orchestrator) load(ctx context.Context, sid domain.SessionID) (*domain.Session, error) {
	cctx, cancel := context.WithTimeout(ctx, o.Timeouts.Store)
	defer cancel()
	sess, err := o.Store.FindByID(cctx, sid)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, sid)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	o.Deps.Audit.Overlay(sess)
	return sess, nil
}
