package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
)

// grantRequest identifies the caller by the grant JoinSession returned.
type grantRequest struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	AccessToken   string               `json:"accessToken"`
}

type offerRequest struct {
	grantRequest
	SDP string `json:"sdp"`
}

type candidateRequest struct {
	grantRequest
	Candidate     string  `json:"candidate"`
	SDPMid        string  `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

func (a *api) grant(c *gin.Context, g grantRequest) (core.JoinGrant, error) {
	sess, err := a.sessions.GetSessionStatus(c.Request.Context(), sessionID(c))
	if err != nil {
		return core.JoinGrant{}, err
	}
	if !sess.Status.Live() {
		return core.JoinGrant{}, &domain.TransitionError{From: sess.Status, To: domain.StatusInProgress}
	}
	return core.JoinGrant{Room: core.RoomID(sess.RoomID), Participant: g.ParticipantID, AccessToken: g.AccessToken}, nil
}

func (a *api) offer(c *gin.Context) {
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, bad(err))
		return
	}
	if req.SDP == "" {
		writeProblem(c, bad(errors.New("sdp is required")))
		return
	}
	g, err := a.grant(c, req.grantRequest)
	if err != nil {
		writeProblem(c, err)
		return
	}
	answer, err := a.signaling.Negotiate(c.Request.Context(), g, req.SDP, nil)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "answer", "sdp": answer})
}

func (a *api) candidate(c *gin.Context) {
	var req candidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, bad(err))
		return
	}
	g, err := a.grant(c, req.grantRequest)
	if err != nil {
		writeProblem(c, err)
		return
	}
	cand := webrtc.ICECandidateInit{Candidate: req.Candidate, SDPMLineIndex: req.SDPMLineIndex}
	if req.SDPMid != "" {
		cand.SDPMid = &req.SDPMid
	}
	if err := a.signaling.AddCandidate(g, cand); err != nil {
		writeProblem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) leave(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, bad(err))
		return
	}
	g, err := a.grant(c, req)
	if err != nil {
		writeProblem(c, err)
		return
	}
	if err := a.signaling.Leave(g); err != nil {
		writeProblem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
