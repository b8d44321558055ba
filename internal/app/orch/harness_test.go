package orch_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Telehealth/internal/adapters/store"
	"github.com/dkeye/Telehealth/internal/app"
	"github.com/dkeye/Telehealth/internal/app/audit"
	"github.com/dkeye/Telehealth/internal/app/compliance"
	"github.com/dkeye/Telehealth/internal/app/orch"
	"github.com/dkeye/Telehealth/internal/app/quality"
	"github.com/dkeye/Telehealth/internal/app/reconnect"
	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
)

var errDown = errors.New("provider down")

type fakeMedia struct {
	events chan core.TransportEvent

	rooms          atomic.Int32
	failJoin       atomic.Bool
	failDisconnect atomic.Bool
	degraded       atomic.Bool
	disconnects    atomic.Int32

	mu     sync.Mutex
	joins  map[domain.ParticipantID]int
	grants map[domain.ParticipantID]int
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		events: make(chan core.TransportEvent, 16),
		joins:  make(map[domain.ParticipantID]int),
		grants: make(map[domain.ParticipantID]int),
	}
}

func (m *fakeMedia) CreateRoom(_ context.Context, spec core.RoomSpec) (core.RoomID, error) {
	n := m.rooms.Add(1)
	return core.RoomID(fmt.Sprintf("room-%d", n)), nil
}

func (m *fakeMedia) JoinRoom(_ context.Context, room core.RoomID, p domain.ParticipantID, _ domain.Role) (core.JoinGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins[p]++
	if m.failJoin.Load() {
		return core.JoinGrant{}, errDown
	}
	m.grants[p]++
	return core.JoinGrant{Room: room, Participant: p, AccessToken: "grant-" + string(p)}, nil
}

// joinCalls counts JoinRoom calls for p, failed ones included.
func (m *fakeMedia) joinCalls(p domain.ParticipantID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joins[p]
}

func (m *fakeMedia) granted(p domain.ParticipantID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[p]
}

func (m *fakeMedia) ConnectionStats(context.Context, core.RoomID) (domain.QualitySample, error) {
	s := domain.QualitySample{Timestamp: time.Now().UTC(), BitrateKbps: 1500, PacketLossPct: 0.1, LatencyMs: 40}
	if m.degraded.Load() {
		s.BitrateKbps, s.PacketLossPct = 200, 6
	}
	return s, nil
}

func (m *fakeMedia) DisconnectRoom(context.Context, core.RoomID) error {
	m.disconnects.Add(1)
	if m.failDisconnect.Load() {
		return errDown
	}
	return nil
}

func (m *fakeMedia) Events() <-chan core.TransportEvent { return m.events }

type encryption bool

func (e encryption) EncryptionSupported(domain.TechConfig) bool { return bool(e) }

// tokens look like "<role>:<subject>"
type fakeIdentity struct{}

func (fakeIdentity) ValidateToken(_ context.Context, token string, expected domain.Role) (core.Principal, error) {
	role, sub, ok := strings.Cut(token, ":")
	if !ok || domain.Role(role) != expected {
		return core.Principal{}, domain.ErrUnauthorized
	}
	return core.Principal{Subject: domain.ParticipantID(sub), Role: expected, Expires: time.Now().Add(time.Hour)}, nil
}

// flakyStore fails updates on demand, or stalls those of one session.
type flakyStore struct {
	*store.Memory
	failUpdates atomic.Bool

	mu      sync.Mutex
	stalled domain.SessionID
	resume  chan struct{}
}

// stall makes updates of sid wait until the returned func is called or
// their context ends.
func (f *flakyStore) stall(sid domain.SessionID) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalled, f.resume = sid, make(chan struct{})
	resume := f.resume
	var once sync.Once
	return func() { once.Do(func() { close(resume) }) }
}

func (f *flakyStore) FindByIDAndUpdate(ctx context.Context, id domain.SessionID, u core.SessionUpdate) (*domain.Session, error) {
	f.mu.Lock()
	resume := f.resume
	stalled := resume != nil && f.stalled == id
	f.mu.Unlock()
	if stalled {
		select {
		case <-resume:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failUpdates.Load() {
		return nil, errors.New("store unavailable")
	}
	return f.Memory.FindByIDAndUpdate(ctx, id, u)
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (r *alertRecorder) TriggerAlert(_ context.Context, a domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *alertRecorder) count(sid domain.SessionID, kind domain.AlertKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.SessionID == sid && a.Kind == kind && a.Severity == domain.SeverityHigh {
			n++
		}
	}
	return n
}

type harness struct {
	o      *orch.Orchestrator
	media  *fakeMedia
	store  *flakyStore
	alerts *alertRecorder
}

type harnessConfig struct {
	policy    compliance.Policy
	crypto    encryption
	reconnect reconnect.Policy
}

type option func(*harnessConfig)

func withoutEncryption(required bool) option {
	return func(c *harnessConfig) {
		c.policy.RequireEncryption = required
		c.crypto = false
	}
}

func withReconnectAttempts(n int) option {
	return func(c *harnessConfig) { c.reconnect.MaxAttempts = n }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	cfg := harnessConfig{
		policy: compliance.Policy{
			Version:            "hipaa-2026.1",
			RequireEncryption:  true,
			ConsentRequiredFor: []domain.OperationType{domain.OpConsultation},
			DTLSRole:           "auto",
		},
		crypto: true,
		reconnect: reconnect.Policy{
			BaseDelay:      5 * time.Millisecond,
			Multiplier:     2,
			MaxDelay:       20 * time.Millisecond,
			MaxAttempts:    3,
			AttemptTimeout: 100 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		media:  newFakeMedia(),
		store:  &flakyStore{Memory: store.NewMemory()},
		alerts: &alertRecorder{},
	}
	alerts := quality.NewAlertQueue(h.alerts, 32, time.Second)
	deps := &app.Deps{
		Media:       h.media,
		Audit:       audit.NewSink(h.store, alerts, audit.Options{MaxRetries: 1, RetryInterval: time.Millisecond, Timeout: time.Second}),
		Monitor:     quality.NewMonitor(5*time.Millisecond, 100*time.Millisecond),
		Reconnect:   reconnect.NewController(cfg.reconnect),
		Alerts:      alerts,
		Feed:        quality.NewFeed(),
		Policy:      app.SimplePolicy{},
		Thresholds:  quality.DefaultThresholds(),
		Streak:      quality.StreakPolicy{Consecutive: 2, Reset: quality.ResetOnGoodSample},
		HistorySize: 50,
	}
	h.o = &orch.Orchestrator{
		Registry:      app.NewRegistry(),
		Gate:          compliance.NewGate(cfg.policy, cfg.crypto),
		Store:         h.store,
		Idempotency:   h.store,
		Identity:      fakeIdentity{},
		Deps:          deps,
		Timeouts:      orch.Timeouts{Provider: time.Second, Identity: time.Second, Store: time.Second},
		ProviderRetry: orch.RetryPolicy{Retries: 1, Interval: time.Millisecond},
	}
	h.o.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.o.Shutdown(ctx)
	})
	return h
}

func request(ref string) domain.SessionRequest {
	return domain.SessionRequest{
		AppointmentRef:  ref,
		PatientID:       "pat-1",
		ProviderID:      "doc-1",
		ScheduledStart:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Operation:       domain.OpConsultation,
		ConsentObtained: true,
		Tech:            domain.TechConfig{QualityTier: domain.TierStandard, AudioCodec: "opus", VideoCodec: "VP8"},
	}
}

func (h *harness) create(t *testing.T, ref string) *domain.Session {
	t.Helper()
	sess, err := h.o.CreateSession(context.Background(), request(ref))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func (h *harness) join(t *testing.T, sid domain.SessionID, actor domain.ParticipantID, role domain.Role) *domain.Session {
	t.Helper()
	res, err := h.o.JoinSession(context.Background(), sid, actor, role, string(role)+":"+string(actor))
	if err != nil {
		t.Fatalf("join %s: %v", actor, err)
	}
	return res.Session
}

func (h *harness) drop(sess *domain.Session, who domain.ParticipantID, reason core.DisconnectReason) {
	h.media.events <- core.TransportEvent{Room: core.RoomID(sess.RoomID), Participant: who, Reason: reason, At: time.Now()}
}

func (h *harness) status(sid domain.SessionID) *domain.Session {
	s, err := h.o.GetSessionStatus(context.Background(), sid)
	if err != nil {
		return &domain.Session{}
	}
	return s
}

func actions(log []domain.AuditEntry) []domain.AuditAction {
	out := make([]domain.AuditAction, 0, len(log))
	for _, e := range log {
		out = append(out, e.Action)
	}
	return out
}

func count(log []domain.AuditEntry, a domain.AuditAction) int {
	n := 0
	for _, e := range log {
		if e.Action == a {
			n++
		}
	}
	return n
}

func hasAction(log []domain.AuditEntry, a domain.AuditAction) bool {
	for _, e := range log {
		if e.Action == a {
			return true
		}
	}
	return false
}
