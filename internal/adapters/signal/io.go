package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/app"
	"github.com/unerue/studytube/internal/audio"
	"github.com/unerue/studytube/internal/core"
	"github.com/unerue/studytube/internal/domain"
	"github.com/unerue/studytube/internal/metrics"
)

const (
	connectionTest   = "connection-test"
	connectionTestOK = "connection-test-ok"
)

// session is the inbound side of one admitted connection.
type session struct {
	ctl  *SignalWSController
	room *app.Room
	conn *core.Connection
	ws   *WsSignalConn
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ping.Stop()
		c.Close()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, s *session) {
	l := log.With().Str("module", "signal").Str("room", string(s.room.ID())).Str("conn", string(s.conn.ID)).Logger()
	defer func() {
		l.Info().Uint64("messages", s.conn.Messages()).Msg("readPump closing")
		s.ws.Close()
	}()

	ws := s.ws.conn
	ws.SetReadLimit(ctl.opts.ReadLimit)
	wait := ctl.opts.pongWait()
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		if ctx.Err() != nil {
			l.Debug().Msg("readPump ctx done")
			return
		}
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !s.ws.isClosed() {
				l.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		s.conn.CountMessage()
		switch kind {
		case websocket.BinaryMessage:
			if f, err := audio.ParseFrame(data); err == nil {
				ctl.Metrics.InboundMessages.WithLabelValues("audio_frame").Inc()
				s.room.FeedFrame(f)
				continue
			}
			ctl.Metrics.InboundMessages.WithLabelValues("audio").Inc()
			s.room.FeedAudio(data)
		case websocket.TextMessage:
			s.handleText(data)
		}
	}
}

// handleText dispatches one JSON envelope. The bare connection-test probe
// is answered in kind.
func (s *session) handleText(data []byte) {
	if string(data) == connectionTest {
		s.ctl.Metrics.InboundMessages.WithLabelValues(connectionTest).Inc()
		_ = s.ws.TrySend(core.Frame(connectionTestOK))
		return
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		s.ctl.Metrics.Error(metrics.KindDecode)
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(s.conn.ID)).Msg("bad json")
		s.reject("bad_payload")
		return
	}

	switch domain.EventType(env.Type) {
	case domain.EventChatMessage:
		s.handleChat(data)
	case domain.EventSubtitle:
		s.handleSubtitle(data)
	case domain.EventScreenShareStarted:
		s.room.ScreenShare(s.conn, true)
	case domain.EventScreenShareStopped:
		s.room.ScreenShare(s.conn, false)
	case legacyScreenShare:
		s.handleLegacyScreenShare(data)
	case domain.EventRequestConnection:
		s.handleRequestConnection(data)
	case domain.EventOffer:
		s.handleOffer(data)
	case domain.EventAnswer:
		s.handleAnswer(data)
	case domain.EventICECandidate:
		s.handleCandidate(data)
	case eventPing:
		s.handlePing()
	default:
		log.Warn().Str("module", "signal").Str("conn", string(s.conn.ID)).Str("type", env.Type).Msg("unknown signal")
		s.ctl.Metrics.InboundMessages.WithLabelValues("unknown").Inc()
		s.reject("unknown message type: " + env.Type)
		return
	}
	s.ctl.Metrics.InboundMessages.WithLabelValues(env.Type).Inc()
}

// reject answers the sender with an error event.
func (s *session) reject(msg string) {
	if err := s.room.Reply(s.conn, domain.NewError(s.room.ID(), msg)); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(s.conn.ID)).Msg("error reply")
	}
}

func decode(data []byte, v any) bool {
	return json.Unmarshal(data, v) == nil
}

// writeEvent writes ev straight to a socket that has no write pump.
func (ctl *SignalWSController) writeEvent(ws *websocket.Conn, ev domain.Event) {
	f, err := domain.Encode(ev)
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(ctl.opts.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, f); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("direct write")
	}
}
