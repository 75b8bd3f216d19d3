package signal

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/AvatarStream/internal/core"
)

func sendCandidate(c core.SignalConnection, ci webrtc.ICECandidateInit) {
	resp := struct {
		Type          string `json:"type"`
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid,omitempty"`
		SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	}{
		Type:      "candidate",
		Candidate: ci.Candidate,
	}
	if ci.SDPMid != nil {
		resp.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		resp.SDPMLineIndex = *ci.SDPMLineIndex
	}
	sendJSON(c, resp)
}

func (ctl *SignalWSController) handleOffer(
	ctx context.Context,
	sid core.SessionID,
	conn core.SignalConnection,
	data []byte,
) {
	type offerPayload struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	var p offerPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SDP == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		sendError(conn, "bad_payload")
		return
	}

	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	}
	answer, err := ctl.Orch.OpenViewer(ctx, sid, offer, func(ci webrtc.ICECandidateInit) {
		sendCandidate(conn, ci)
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("viewer offer")
		sendError(conn, "offer_failed")
		return
	}

	sendJSON(conn, map[string]string{
		"type": "answer",
		"sdp":  answer.SDP,
	})
}

func (ctl *SignalWSController) handleCandidate(
	sid core.SessionID,
	conn core.SignalConnection,
	data []byte,
) {
	type candidatePayload struct {
		Type          string  `json:"type"`
		Candidate     string  `json:"candidate"`
		SDPMid        string  `json:"sdpMid"`
		SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	}
	var p candidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		sendError(conn, "bad_payload")
		return
	}

	cand := webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMLineIndex: p.SDPMLineIndex,
	}
	if p.SDPMid != "" {
		cand.SDPMid = &p.SDPMid
	}

	if err := ctl.Orch.AddCandidate(sid, cand); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("add ice candidate")
	}
}
