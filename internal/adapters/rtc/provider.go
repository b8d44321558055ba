// Package rtc is the pion/webrtc media provider. Each room holds one
// PeerConnection per participant; connection state changes surface as
// transport events.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownRoom = errors.New("unknown room")
	ErrNoPeers     = errors.New("room has no connected peers")
	ErrBadGrant    = fmt.Errorf("%w: grant does not match participant", domain.ErrUnauthorized)
)

// codecs pion can carry over DTLS-SRTP with its default media engine.
var codecs = map[string]webrtc.RTPCodecType{
	"opus": webrtc.RTPCodecTypeAudio,
	"g722": webrtc.RTPCodecTypeAudio,
	"pcmu": webrtc.RTPCodecTypeAudio,
	"pcma": webrtc.RTPCodecTypeAudio,
	"vp8":  webrtc.RTPCodecTypeVideo,
	"vp9":  webrtc.RTPCodecTypeVideo,
	"h264": webrtc.RTPCodecTypeVideo,
	"av1":  webrtc.RTPCodecTypeVideo,
}

type Config struct {
	ICEServers     []string
	EventBuffer    int
	ConnectTimeout time.Duration
}

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

type room struct {
	id    core.RoomID
	spec  core.RoomSpec
	api   *webrtc.API
	peers map[domain.ParticipantID]*peerConn
	last  counters
}

type Provider struct {
	cfg     Config
	rtcCfg  webrtc.Configuration
	events  chan core.TransportEvent
	timeout time.Duration
	done    chan struct{}
	once    sync.Once

	mu    sync.Mutex
	rooms map[core.RoomID]*room
}

func NewProvider(cfg Config) *Provider {
	if cfg.EventBuffer < 1 {
		cfg.EventBuffer = 256
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Provider{
		cfg:     cfg,
		rtcCfg:  DefaultWebRTCConfig(cfg.ICEServers),
		events:  make(chan core.TransportEvent, cfg.EventBuffer),
		timeout: cfg.ConnectTimeout,
		done:    make(chan struct{}),
		rooms:   make(map[core.RoomID]*room),
	}
}

func (p *Provider) Events() <-chan core.TransportEvent { return p.events }

// EncryptionSupported reports whether both codecs can be negotiated. Every
// pion media path is DTLS-SRTP, so a negotiable codec is an encrypted one.
func (p *Provider) EncryptionSupported(tc domain.TechConfig) bool {
	return supports(tc.AudioCodec, webrtc.RTPCodecTypeAudio) && supports(tc.VideoCodec, webrtc.RTPCodecTypeVideo)
}

func supports(codec string, kind webrtc.RTPCodecType) bool {
	if codec == "" {
		return true
	}
	name := strings.ToLower(codec)
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	t, ok := codecs[name]
	return ok && t == kind
}

func newAPI(dtlsRole string) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	var se webrtc.SettingEngine
	switch strings.ToLower(dtlsRole) {
	case "client":
		if err := se.SetAnsweringDTLSRole(webrtc.DTLSRoleClient); err != nil {
			return nil, err
		}
	case "server":
		if err := se.SetAnsweringDTLSRole(webrtc.DTLSRoleServer); err != nil {
			return nil, err
		}
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)), nil
}

func (p *Provider) CreateRoom(ctx context.Context, spec core.RoomSpec) (core.RoomID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	api, err := newAPI(spec.DTLSRole)
	if err != nil {
		return "", fmt.Errorf("media engine: %w", err)
	}
	id := core.RoomID("room-" + uuid.NewString())

	p.mu.Lock()
	p.rooms[id] = &room{id: id, spec: spec, api: api, peers: make(map[domain.ParticipantID]*peerConn)}
	p.mu.Unlock()

	log.Info().Str("module", "adapters.rtc").Str("room", string(id)).Str("session_id", string(spec.SessionID)).Msg("room created")
	return id, nil
}

// JoinRoom prepares a fresh PeerConnection for participant. A previous
// connection of the same participant is replaced without an event.
func (p *Provider) JoinRoom(ctx context.Context, id core.RoomID, participant domain.ParticipantID, role domain.Role) (core.JoinGrant, error) {
	if err := ctx.Err(); err != nil {
		return core.JoinGrant{}, err
	}
	p.mu.Lock()
	r, ok := p.rooms[id]
	if !ok {
		p.mu.Unlock()
		return core.JoinGrant{}, fmt.Errorf("%w: %s", ErrUnknownRoom, id)
	}
	token := uuid.NewString()
	conn, err := newPeerConn(r.api, p.rtcCfg, id, participant, role, token)
	if err != nil {
		p.mu.Unlock()
		return core.JoinGrant{}, fmt.Errorf("webrtc new pc: %w", err)
	}
	old := r.peers[participant]
	r.peers[participant] = conn
	p.mu.Unlock()

	if old != nil {
		old.close(true)
	}
	conn.start(func(reason core.DisconnectReason) {
		p.emit(core.TransportEvent{Room: id, Participant: participant, Reason: reason, At: time.Now().UTC()})
	})
	time.AfterFunc(p.timeout, conn.timeout)

	return core.JoinGrant{Room: id, Participant: participant, AccessToken: token}, nil
}

// emit never blocks the pion callback. On a full buffer an involuntary
// disconnect waits in its own goroutine until delivered or Close; anything
// else is dropped.
func (p *Provider) emit(ev core.TransportEvent) {
	select {
	case p.events <- ev:
		return
	default:
	}
	logger := log.Warn().Str("module", "adapters.rtc").Str("room", string(ev.Room)).Str("participant", string(ev.Participant)).Str("reason", string(ev.Reason))
	if !ev.Reason.Involuntary() {
		logger.Msg("event buffer full, dropped")
		return
	}
	logger.Msg("event buffer full, delivery deferred")
	go func() {
		select {
		case p.events <- ev:
		case <-p.done:
		}
	}()
}

func (p *Provider) ConnectionStats(ctx context.Context, id core.RoomID) (domain.QualitySample, error) {
	if err := ctx.Err(); err != nil {
		return domain.QualitySample{}, err
	}
	p.mu.Lock()
	r, ok := p.rooms[id]
	if !ok {
		p.mu.Unlock()
		return domain.QualitySample{}, fmt.Errorf("%w: %s", ErrUnknownRoom, id)
	}
	peers := make([]*peerConn, 0, len(r.peers))
	for _, c := range r.peers {
		peers = append(peers, c)
	}
	prev := r.last
	p.mu.Unlock()

	if len(peers) == 0 {
		return domain.QualitySample{}, ErrNoPeers
	}
	reports := make([]webrtc.StatsReport, 0, len(peers))
	for _, c := range peers {
		reports = append(reports, c.stats())
	}
	sample, cur := summarize(reports, prev, time.Now())

	p.mu.Lock()
	if r, ok := p.rooms[id]; ok {
		r.last = cur
	}
	p.mu.Unlock()
	return sample, nil
}

// DisconnectRoom closes every peer and forgets the room. Closing an unknown
// room succeeds.
func (p *Provider) DisconnectRoom(ctx context.Context, id core.RoomID) error {
	p.mu.Lock()
	r, ok := p.rooms[id]
	delete(p.rooms, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	for _, c := range r.peers {
		c.close(true)
	}
	log.Info().Str("module", "adapters.rtc").Str("room", string(id)).Int("peers", len(r.peers)).Msg("room closed")
	return ctx.Err()
}

// Close releases every room and abandons deferred events.
func (p *Provider) Close() {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	ids := make([]core.RoomID, 0, len(p.rooms))
	for id := range p.rooms {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		_ = p.DisconnectRoom(context.Background(), id)
	}
}

func (p *Provider) peer(id core.RoomID, participant domain.ParticipantID, token string) (*peerConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, id)
	}
	c, ok := r.peers[participant]
	if !ok || c.token != token {
		return nil, ErrBadGrant
	}
	return c, nil
}

// Negotiate answers a participant's SDP offer. Local candidates are
// gathered before the answer is returned; onICE receives trickled ones.
func (p *Provider) Negotiate(ctx context.Context, g core.JoinGrant, offerSDP string, onICE func(webrtc.ICECandidateInit)) (string, error) {
	c, err := p.peer(g.Room, g.Participant, g.AccessToken)
	if err != nil {
		return "", err
	}
	if onICE != nil {
		c.onICECandidate(onICE)
	}
	answer, err := c.applyOfferAndCreateAnswer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP})
	if err != nil {
		return "", fmt.Errorf("webrtc apply offer: %w", err)
	}
	return answer.SDP, nil
}

func (p *Provider) AddCandidate(g core.JoinGrant, ci webrtc.ICECandidateInit) error {
	c, err := p.peer(g.Room, g.Participant, g.AccessToken)
	if err != nil {
		return err
	}
	return c.addICECandidate(ci)
}

// Leave closes the participant's connection and reports CLIENT_LEFT.
func (p *Provider) Leave(g core.JoinGrant) error {
	c, err := p.peer(g.Room, g.Participant, g.AccessToken)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if r, ok := p.rooms[g.Room]; ok && r.peers[g.Participant] == c {
		delete(r.peers, g.Participant)
	}
	p.mu.Unlock()
	c.emit(core.ReasonClientLeft)
	c.close(true)
	return nil
}
