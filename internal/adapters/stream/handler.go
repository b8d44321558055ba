// Package stream serves a session's quality samples and status over a
// websocket for dashboards.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Source is the part of the orchestrator the stream reads from.
type Source interface {
	Monitor(sid domain.SessionID, buf int) (<-chan domain.QualitySample, func(), error)
	GetSessionStatus(ctx context.Context, sid domain.SessionID) (*domain.Session, error)
}

type Frame struct {
	Type    string                `json:"type"`
	Session domain.SessionID      `json:"sessionId"`
	Status  domain.Status         `json:"status,omitempty"`
	Sample  *domain.QualitySample `json:"sample,omitempty"`
}

const (
	FrameSample = "sample"
	FrameStatus = "status"
	FramePong   = "pong"
)

type Handler struct {
	src      Source
	ping     time.Duration
	buffer   int
	upgrader websocket.Upgrader
}

func NewHandler(src Source, ping time.Duration) *Handler {
	if ping <= 0 {
		ping = 30 * time.Second
	}
	return &Handler{
		src:    src,
		ping:   ping,
		buffer: 32,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve subscribes before upgrading so a missing or finished session is
// reported as a plain error the caller can render.
func (h *Handler) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, sid domain.SessionID) error {
	samples, stop, err := h.src.Monitor(sid, h.buffer)
	if err != nil {
		return err
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		stop()
		log.Error().Err(err).Str("module", "adapters.stream").Msg("ws upgrade")
		return nil
	}

	logger := log.With().Str("module", "adapters.stream").Str("session_id", string(sid)).Logger()
	conn := &wsConn{conn: ws, send: make(chan []byte, h.buffer), logger: logger}
	ctx, cancel := context.WithCancel(ctx)
	logger.Info().Msg("stream opened")

	go conn.writePump(ctx, h.ping)
	go conn.readPump(cancel, h.ping, func(data []byte) {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &env) == nil && env.Type == "ping" {
			_ = conn.sendJSON(Frame{Type: FramePong, Session: sid})
		}
	})
	go func() {
		defer func() {
			stop()
			// close the queue before cancelling so the pump sends what is left
			conn.Close()
			cancel()
			logger.Info().Msg("stream closed")
		}()
		h.forward(ctx, sid, samples, conn)
	}()
	return nil
}

// forward pushes samples as they arrive and a status frame whenever the
// status changes. It returns once the session is terminal.
func (h *Handler) forward(ctx context.Context, sid domain.SessionID, samples <-chan domain.QualitySample, conn *wsConn) {
	var last domain.Status
	status := func() bool {
		s, err := h.src.GetSessionStatus(ctx, sid)
		if err != nil {
			return false
		}
		if s.Status != last {
			last = s.Status
			_ = conn.sendJSON(Frame{Type: FrameStatus, Session: sid, Status: s.Status})
		}
		return !s.Status.Terminal()
	}
	if !status() {
		return
	}

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				status()
				return
			}
			if err := conn.sendJSON(Frame{Type: FrameSample, Session: sid, Sample: &s}); err != nil {
				conn.logger.Debug().Err(err).Msg("sample not sent")
			}
		case <-ticker.C:
			if !status() {
				return
			}
		}
	}
}
