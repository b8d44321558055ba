package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptionSupported(t *testing.T) {
	p := NewProvider(Config{})
	assert.True(t, p.EncryptionSupported(domain.TechConfig{AudioCodec: "opus", VideoCodec: "VP8"}))
	assert.True(t, p.EncryptionSupported(domain.TechConfig{AudioCodec: "audio/opus", VideoCodec: "video/H264"}))
	assert.True(t, p.EncryptionSupported(domain.TechConfig{AudioCodec: "PCMU"}))
	assert.False(t, p.EncryptionSupported(domain.TechConfig{AudioCodec: "speex", VideoCodec: "VP8"}))
	assert.False(t, p.EncryptionSupported(domain.TechConfig{AudioCodec: "VP8", VideoCodec: "opus"}))
}

func TestRoomLifecycle(t *testing.T) {
	p := NewProvider(Config{ConnectTimeout: time.Hour})
	ctx := context.Background()

	id, err := p.CreateRoom(ctx, core.RoomSpec{SessionID: "s1", DTLSRole: "server"})
	require.NoError(t, err)

	_, err = p.ConnectionStats(ctx, id)
	assert.ErrorIs(t, err, ErrNoPeers)

	g, err := p.JoinRoom(ctx, id, "pat-1", domain.RolePatient)
	require.NoError(t, err)
	assert.Equal(t, id, g.Room)
	assert.NotEmpty(t, g.AccessToken)

	again, err := p.JoinRoom(ctx, id, "pat-1", domain.RolePatient)
	require.NoError(t, err)
	assert.NotEqual(t, g.AccessToken, again.AccessToken)
	assert.ErrorIs(t, p.AddCandidate(g, webrtc.ICECandidateInit{}), ErrBadGrant)

	s, err := p.ConnectionStats(ctx, id)
	require.NoError(t, err)
	assert.False(t, s.Timestamp.IsZero())

	require.NoError(t, p.Leave(again))
	select {
	case ev := <-p.Events():
		assert.Equal(t, core.ReasonClientLeft, ev.Reason)
		assert.Equal(t, domain.ParticipantID("pat-1"), ev.Participant)
	case <-time.After(time.Second):
		t.Fatal("no leave event")
	}

	require.NoError(t, p.DisconnectRoom(ctx, id))
	require.NoError(t, p.DisconnectRoom(ctx, id))
	_, err = p.JoinRoom(ctx, id, "pat-1", domain.RolePatient)
	assert.ErrorIs(t, err, ErrUnknownRoom)

	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectTimeoutReported(t *testing.T) {
	p := NewProvider(Config{ConnectTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	id, err := p.CreateRoom(ctx, core.RoomSpec{SessionID: "s1"})
	require.NoError(t, err)
	_, err = p.JoinRoom(ctx, id, "doc-1", domain.RoleProvider)
	require.NoError(t, err)
	defer p.Close()

	select {
	case ev := <-p.Events():
		assert.Equal(t, core.ReasonTimeout, ev.Reason)
		assert.True(t, ev.Reason.Involuntary())
	case <-time.After(time.Second):
		t.Fatal("no timeout event")
	}
}

func TestFullBufferKeepsInvoluntaryEvents(t *testing.T) {
	p := NewProvider(Config{EventBuffer: 1})
	defer p.Close()

	p.emit(core.TransportEvent{Room: "r1", Participant: "pat-1", Reason: core.ReasonClientLeft})
	p.emit(core.TransportEvent{Room: "r1", Participant: "pat-1", Reason: core.ReasonClientLeft})
	p.emit(core.TransportEvent{Room: "r2", Participant: "doc-1", Reason: core.ReasonNetworkLoss})
	p.emit(core.TransportEvent{Room: "r3", Participant: "doc-2", Reason: core.ReasonICEFailure})

	var got []core.TransportEvent
	for range 3 {
		select {
		case ev := <-p.Events():
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("only %d events delivered", len(got))
		}
	}
	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, core.ReasonClientLeft, got[0].Reason)
	rooms := []core.RoomID{got[1].Room, got[2].Room}
	assert.ElementsMatch(t, []core.RoomID{"r2", "r3"}, rooms)
}

func TestSummarize(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first := []webrtc.StatsReport{{
		"in": webrtc.InboundRTPStreamStats{BytesReceived: 100_000, PacketsReceived: 1000, PacketsLost: 0, Jitter: 0.01},
	}}
	_, prev := summarize(first, counters{}, t0)

	second := []webrtc.StatsReport{
		{
			"in":   webrtc.InboundRTPStreamStats{BytesReceived: 1_350_000, PacketsReceived: 1950, PacketsLost: 50, Jitter: 0.02},
			"pair": webrtc.ICECandidatePairStats{Nominated: true, CurrentRoundTripTime: 0.120},
		},
		{
			"other": webrtc.ICECandidatePairStats{Nominated: false, CurrentRoundTripTime: 2},
		},
	}
	s, _ := summarize(second, prev, t0.Add(10*time.Second))
	assert.InDelta(t, 1000, s.BitrateKbps, 0.001)
	assert.InDelta(t, 5, s.PacketLossPct, 0.001)
	assert.InDelta(t, 120, s.LatencyMs, 0.001)
	assert.InDelta(t, 20, s.JitterMs, 0.001)
}
