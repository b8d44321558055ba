package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Telehealth/internal/adapters/store"
	"github.com/dkeye/Telehealth/internal/app/audit"
	"github.com/dkeye/Telehealth/internal/app/quality"
	"github.com/dkeye/Telehealth/internal/app/reconnect"
	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopMedia struct{ events chan core.TransportEvent }

func (nopMedia) CreateRoom(context.Context, core.RoomSpec) (core.RoomID, error) { return "r1", nil }

func (nopMedia) JoinRoom(_ context.Context, room core.RoomID, p domain.ParticipantID, _ domain.Role) (core.JoinGrant, error) {
	return core.JoinGrant{Room: room, Participant: p}, nil
}

func (nopMedia) ConnectionStats(context.Context, core.RoomID) (domain.QualitySample, error) {
	return domain.QualitySample{}, context.Canceled
}

func (nopMedia) DisconnectRoom(context.Context, core.RoomID) error { return nil }

func (m nopMedia) Events() <-chan core.TransportEvent { return m.events }

type nopSink struct{}

func (nopSink) TriggerAlert(context.Context, domain.Alert) error { return nil }

func testDeps(st core.SessionStore) *Deps {
	alerts := quality.NewAlertQueue(nopSink{}, 8, time.Second)
	return &Deps{
		Media:       nopMedia{events: make(chan core.TransportEvent)},
		Audit:       audit.NewSink(st, alerts, audit.Options{MaxRetries: 0, RetryInterval: time.Millisecond}),
		Monitor:     quality.NewMonitor(time.Hour, time.Second),
		Reconnect:   reconnect.NewController(reconnect.DefaultPolicy()),
		Alerts:      alerts,
		Feed:        quality.NewFeed(),
		Policy:      SimplePolicy{},
		Thresholds:  quality.DefaultThresholds(),
		Streak:      quality.StreakPolicy{Consecutive: 2},
		HistorySize: 3,
		Clock:       func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
	}
}

func scheduled(t *testing.T, st *store.Memory) *domain.Session {
	t.Helper()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s := &domain.Session{
		ID:         "s1",
		RoomID:     "r1",
		PatientID:  "pat-1",
		ProviderID: "doc-1",
		Status:     domain.StatusScheduled,
		Security:   domain.SecurityMeta{EncryptionVerified: true},
		AuditLog:   []domain.AuditEntry{{Timestamp: at, ActorID: domain.SystemActor, Action: domain.ActionSessionCreated}},
		CreatedAt:  at,
	}
	require.NoError(t, st.Create(context.Background(), s))
	return s
}

func TestRegistrySpawnAndRelease(t *testing.T) {
	st := store.NewMemory()
	r := NewRegistry()
	s := r.Spawn(context.Background(), scheduled(t, st), testDeps(st))

	got, ok := r.ByRoom("r1")
	require.True(t, ok)
	assert.Same(t, s, got)

	ended, err := s.End(context.Background(), "pat-1", domain.RolePatient, EndVoluntary)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, ended.Status)

	<-s.Done()
	_, ok = r.Get("s1")
	assert.False(t, ok)
	_, ok = r.ByRoom("r1")
	assert.False(t, ok)

	_, err = s.Join(context.Background(), "pat-1", domain.RolePatient, core.JoinGrant{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessionJoinStartsAndStampsAudit(t *testing.T) {
	st := store.NewMemory()
	r := NewRegistry()
	s := r.Spawn(context.Background(), scheduled(t, st), testDeps(st))
	defer s.End(context.Background(), domain.SystemActor, "", EndVoluntary)

	sess, err := s.Join(context.Background(), "pat-1", domain.RolePatient, core.JoinGrant{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, sess.Status)
	assert.Equal(t, domain.StatusInProgress, s.Snapshot().Status)

	_, err = s.Join(context.Background(), "doc-1", domain.RolePatient, core.JoinGrant{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	stored, err := st.FindByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, stored.Status)
	require.Len(t, stored.AuditLog, 2)
	assert.True(t, stored.AuditLog[1].Timestamp.After(stored.AuditLog[0].Timestamp))
}

func TestSessionDropsSamplesOutsideInProgress(t *testing.T) {
	st := store.NewMemory()
	r := NewRegistry()
	s := r.Spawn(context.Background(), scheduled(t, st), testDeps(st))
	defer s.End(context.Background(), domain.SystemActor, "", EndVoluntary)

	s.Deliver(domain.QualitySample{Timestamp: time.Now(), BitrateKbps: 900})
	// a round trip through the inbox orders the sample before the read
	require.NoError(t, s.Log(context.Background(), domain.AuditEntry{Action: "NOTE"}))
	assert.Empty(t, s.Snapshot().QualityHistory)

	_, err := s.Join(context.Background(), "pat-1", domain.RolePatient, core.JoinGrant{})
	require.NoError(t, err)
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Deliver(domain.QualitySample{Timestamp: base.Add(time.Duration(i) * time.Second), BitrateKbps: 900})
	}
	s.Deliver(domain.QualitySample{Timestamp: base.Add(-time.Minute), BitrateKbps: 900})
	require.NoError(t, s.Log(context.Background(), domain.AuditEntry{Action: "NOTE"}))

	h := s.Snapshot().QualityHistory
	require.Len(t, h, 3)
	assert.Equal(t, base.Add(4*time.Second), h[2].Timestamp)
}

func TestShutdownEndLeavesScheduledAlone(t *testing.T) {
	st := store.NewMemory()
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	s := r.Spawn(ctx, scheduled(t, st), testDeps(st))

	sess, err := s.End(context.Background(), domain.SystemActor, "", EndShutdown)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, sess.Status)

	cancel()
	<-s.Done()
	assert.Zero(t, r.Len())
}

func TestSimplePolicy(t *testing.T) {
	s := &domain.Session{PatientID: "p", ProviderID: "d", AllowObservers: true, Observers: []domain.ParticipantID{"o"}}
	p := SimplePolicy{}

	assert.NoError(t, p.AuthorizeJoin(s, "p", domain.RolePatient))
	assert.NoError(t, p.AuthorizeJoin(s, "d", domain.RoleProvider))
	assert.NoError(t, p.AuthorizeJoin(s, "o", domain.RoleObserver))
	assert.ErrorIs(t, p.AuthorizeJoin(s, "x", domain.RoleObserver), domain.ErrUnauthorized)
	assert.ErrorIs(t, p.AuthorizeJoin(s, "p", domain.RoleProvider), domain.ErrUnauthorized)

	assert.NoError(t, p.AuthorizeEnd(s, "d", ""))
	assert.NoError(t, p.AuthorizeEnd(s, "ops", domain.RoleAdmin))
	assert.NoError(t, p.AuthorizeEnd(s, domain.SystemActor, ""))
	assert.ErrorIs(t, p.AuthorizeEnd(s, "o", domain.RoleObserver), domain.ErrUnauthorized)
}

func TestNotifyKeepsInvoluntaryEventsOnFullBacklog(t *testing.T) {
	st := store.NewMemory()
	// never run, so nothing drains the queue
	s := newSession(scheduled(t, st), testDeps(st), func(domain.SessionID) {})

	for range transportBacklog + 10 {
		s.Notify(core.TransportEvent{Room: "r1", Participant: "pat-1", Reason: core.ReasonClientLeft})
	}
	s.Notify(core.TransportEvent{Room: "r1", Participant: "doc-1", Reason: core.ReasonNetworkLoss})

	evs := s.takeTransport()
	require.Len(t, evs, transportBacklog+1)
	assert.Equal(t, core.ReasonNetworkLoss, evs[transportBacklog].Reason)
	assert.Empty(t, s.takeTransport())
}
