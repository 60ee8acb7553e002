package signal

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/audio"
	"github.com/unerue/studytube/internal/auth"
	"github.com/unerue/studytube/internal/domain"
	"github.com/unerue/studytube/internal/metrics"
)

// HandleAudio serves the audio ingest socket of a room. The client proves
// who it is in-band with {type: auth, token} and then streams framed audio
// chunks. Ingest connections feed the room's recognizer and do not appear
// in its presence list.
func (ctl *SignalWSController) HandleAudio(c *gin.Context) {
	roomID, err := domain.ParseRoomID(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	defer ws.Close()
	l := log.With().Str("module", "signal").Str("room", string(roomID)).Logger()

	p, err := ctl.authenticate(c, ws, roomID)
	if err != nil {
		ctl.Metrics.Error(metrics.KindAuth)
		l.Warn().Err(err).Msg("audio auth rejected")
		ctl.writeEvent(ws, domain.NewAuthRejected(roomID, err.Error()))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(ctl.opts.WriteTimeout))
		return
	}

	ctx := c.Request.Context()
	room, err := ctl.Registry.Acquire(ctx, roomID)
	if err != nil {
		l.Error().Err(err).Msg("acquire room")
		return
	}
	defer ctl.Registry.Release(room)
	ctl.writeEvent(ws, domain.NewAuthAccepted(roomID, p))
	l.Info().Str("participant", string(p.ID)).Msg("audio ingest connected")

	ws.SetReadLimit(ctl.opts.ReadLimit)
	wait := ctl.opts.pongWait()
	for {
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				l.Warn().Err(err).Msg("audio read error")
			}
			break
		}
		if kind != websocket.BinaryMessage {
			l.Debug().Int("bytes", len(data)).Msg("audio socket text ignored")
			continue
		}
		f, err := audio.ParseFrame(data)
		if err != nil {
			ctl.Metrics.Error(metrics.KindDecode)
			l.Debug().Int("bytes", len(data)).Msg("bad audio frame")
			continue
		}
		ctl.Metrics.InboundMessages.WithLabelValues("audio_frame").Inc()
		room.FeedFrame(f)
	}
	l.Info().Str("participant", string(p.ID)).Msg("audio ingest closed")
}

// authenticate reads the first text message, which must be an auth message
// carrying a valid token, before the auth timeout.
func (ctl *SignalWSController) authenticate(c *gin.Context, ws *websocket.Conn, roomID domain.RoomID) (domain.Participant, error) {
	if err := ws.SetReadDeadline(time.Now().Add(ctl.opts.AuthTimeout)); err != nil {
		return domain.Participant{}, err
	}
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return domain.Participant{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg struct {
			Type  domain.EventType `json:"type"`
			Token string           `json:"token"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != domain.EventAuth {
			// Keep waiting for a well-formed auth message until the deadline.
			continue
		}
		if ctl.Verifier == nil {
			return domain.Participant{}, auth.ErrMissingToken
		}
		who, err := ctl.Verifier.Verify(c.Request.Context(), msg.Token)
		if err != nil {
			return domain.Participant{}, err
		}
		// Ingest connections are not counted against the room's cap.
		if err := ctl.Directory.Authorize(c.Request.Context(), roomID, who, 0); err != nil {
			return domain.Participant{}, err
		}
		return participantOf(who)
	}
}
