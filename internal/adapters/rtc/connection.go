package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// peerConn is one participant's PeerConnection inside a room.
type peerConn struct {
	pc          *webrtc.PeerConnection
	room        core.RoomID
	participant domain.ParticipantID
	role        domain.Role
	token       string
	logger      zerolog.Logger

	mu        sync.Mutex
	connected bool
	reported  bool
	closing   bool

	onICE  func(webrtc.ICECandidateInit)
	report func(core.DisconnectReason)
}

func newPeerConn(api *webrtc.API, cfg webrtc.Configuration, room core.RoomID, p domain.ParticipantID, role domain.Role, token string) (*peerConn, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &peerConn{
		pc:          pc,
		room:        room,
		participant: p,
		role:        role,
		token:       token,
		logger: log.With().
			Str("module", "adapters.rtc").
			Str("room", string(room)).
			Str("participant", string(p)).
			Logger(),
	}, nil
}

// start wires state callbacks. report receives at most one reason per
// connected period.
func (c *peerConn) start(report func(core.DisconnectReason)) {
	c.report = report

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			c.markConnected()
		case webrtc.ICEConnectionStateDisconnected:
			c.emit(core.ReasonNetworkLoss)
		case webrtc.ICEConnectionStateFailed:
			c.emit(core.ReasonICEFailure)
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.emit(core.ReasonICEFailure)
		case webrtc.PeerConnectionStateClosed:
			c.emit(core.ReasonClientLeft)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if cand != nil && fn != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *peerConn) markConnected() {
	c.mu.Lock()
	c.connected = true
	c.reported = false
	c.mu.Unlock()
}

// emit reports a reason unless the connection is being torn down by us or
// a reason was already reported for this period.
func (c *peerConn) emit(reason core.DisconnectReason) {
	c.mu.Lock()
	if c.closing || c.reported || c.report == nil {
		c.mu.Unlock()
		return
	}
	c.reported = true
	c.connected = false
	report := c.report
	c.mu.Unlock()
	report(reason)
}

// timeout fires when the peer never reached a connected state.
func (c *peerConn) timeout() {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		c.emit(core.ReasonTimeout)
	}
}

func (c *peerConn) applyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.pc.LocalDescription(), nil
}

func (c *peerConn) addICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *peerConn) onICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *peerConn) stats() webrtc.StatsReport { return c.pc.GetStats() }

// close tears the connection down. silent suppresses the CLIENT_LEFT event
// the closed state would otherwise raise.
func (c *peerConn) close(silent bool) {
	c.mu.Lock()
	c.closing = silent
	c.mu.Unlock()
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
	} else {
		c.logger.Info().Msg("closed")
	}
}
