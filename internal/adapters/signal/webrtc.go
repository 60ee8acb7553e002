package signal

import (
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/core"
	"github.com/unerue/studytube/internal/domain"
	"github.com/unerue/studytube/internal/metrics"
)

// The server never terminates media. Offers, answers and candidates are
// decoded into pion types to reject garbage early, then relayed to a single
// peer in the same room.

func (s *session) handleRequestConnection(data []byte) {
	var p struct {
		TargetInstructorID domain.ParticipantID `json:"targetInstructorId"`
	}
	if !decode(data, &p) || p.TargetInstructorID == "" {
		s.ctl.Metrics.Error(metrics.KindDecode)
		s.reject("bad_payload")
		return
	}
	s.relayed(p.TargetInstructorID, s.room.RequestConnection(s.conn, p.TargetInstructorID))
}

func (s *session) handleOffer(data []byte) {
	var p struct {
		Offer        *webrtc.SessionDescription `json:"offer"`
		TargetPeerID domain.ParticipantID       `json:"targetPeerId"`
	}
	if !decode(data, &p) || p.TargetPeerID == "" || !validSDP(p.Offer, webrtc.SDPTypeOffer) {
		s.ctl.Metrics.Error(metrics.KindDecode)
		s.reject("bad offer payload")
		return
	}
	s.relayed(p.TargetPeerID, s.room.Offer(s.conn, p.TargetPeerID, *p.Offer))
}

func (s *session) handleAnswer(data []byte) {
	var p struct {
		Answer       *webrtc.SessionDescription `json:"answer"`
		TargetPeerID domain.ParticipantID       `json:"targetPeerId"`
	}
	if !decode(data, &p) || p.TargetPeerID == "" || !validSDP(p.Answer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer) {
		s.ctl.Metrics.Error(metrics.KindDecode)
		s.reject("bad answer payload")
		return
	}
	s.relayed(p.TargetPeerID, s.room.Answer(s.conn, p.TargetPeerID, *p.Answer))
}

func (s *session) handleCandidate(data []byte) {
	var p struct {
		Candidate    *webrtc.ICECandidateInit `json:"candidate"`
		TargetPeerID domain.ParticipantID     `json:"targetPeerId"`
	}
	if !decode(data, &p) || p.TargetPeerID == "" || p.Candidate == nil {
		s.ctl.Metrics.Error(metrics.KindDecode)
		s.reject("bad candidate payload")
		return
	}
	s.relayed(p.TargetPeerID, s.room.ICECandidate(s.conn, p.TargetPeerID, *p.Candidate))
}

func validSDP(d *webrtc.SessionDescription, allowed ...webrtc.SDPType) bool {
	if d == nil || d.SDP == "" {
		return false
	}
	for _, t := range allowed {
		if d.Type == t {
			return true
		}
	}
	return false
}

// relayed reports a missed target back to the sender.
func (s *session) relayed(target domain.ParticipantID, err error) {
	if err == nil {
		return
	}
	log.Debug().Str("module", "signal").Str("room", string(s.room.ID())).Str("target", string(target)).Err(err).Msg("relay failed")
	if errors.Is(err, core.ErrParticipantNotFound) {
		s.reject("peer not connected: " + string(target))
	}
}
