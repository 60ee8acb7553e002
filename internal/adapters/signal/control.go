package signal

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/domain"
	"github.com/unerue/studytube/internal/metrics"
)

const (
	eventPing         domain.EventType = "ping"
	legacyScreenShare domain.EventType = "screen_share"

	maxChatLen = 2000
)

func (s *session) handlePing() {
	_ = s.room.Reply(s.conn, domain.NewPong(s.room.ID()))
}

func (s *session) handleChat(data []byte) {
	var p struct {
		Message   string `json:"message"`
		IsPrivate bool   `json:"is_private"`
	}
	if !decode(data, &p) {
		s.ctl.Metrics.Error(metrics.KindDecode)
		s.reject("bad_payload")
		return
	}
	msg := strings.TrimSpace(p.Message)
	if msg == "" {
		s.reject("empty message")
		return
	}
	msg = domain.Truncate(msg, maxChatLen)
	if !s.ctl.chat.Allow(chatKey{room: s.room.ID(), user: s.conn.Participant.ID}) {
		log.Debug().Str("module", "signal").Str("room", string(s.room.ID())).Str("participant", string(s.conn.Participant.ID)).Msg("chat rate limited")
		s.reject("rate limited")
		return
	}
	s.room.Chat(s.conn, msg, p.IsPrivate)
}

// handleSubtitle relays text recognized on the client. The sender's identity
// is taken from the connection, never from the payload.
func (s *session) handleSubtitle(data []byte) {
	var p struct {
		Text                string   `json:"text"`
		Confidence          *float64 `json:"confidence"`
		TranslatedText      string   `json:"translatedText"`
		Language            string   `json:"language"`
		TranslationLanguage string   `json:"translationLanguage"`
	}
	if !decode(data, &p) {
		s.ctl.Metrics.Error(metrics.KindDecode)
		s.reject("bad_payload")
		return
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return
	}
	ev := domain.NewSubtitle(s.room.ID(), text, 0)
	ev.Confidence = p.Confidence
	ev.UserID = s.conn.Participant.ID
	ev.Username = s.conn.Participant.Username
	ev.TranslatedText = p.TranslatedText
	ev.Language = p.Language
	ev.TranslationLanguage = p.TranslationLanguage
	s.room.Subtitle(ev)
}

// handleLegacyScreenShare maps the old {type: screen_share, is_sharing}
// message onto the started and stopped events.
func (s *session) handleLegacyScreenShare(data []byte) {
	var p struct {
		IsSharing bool `json:"is_sharing"`
	}
	if !decode(data, &p) {
		s.ctl.Metrics.Error(metrics.KindDecode)
		s.reject("bad_payload")
		return
	}
	s.room.ScreenShare(s.conn, p.IsSharing)
}
