// Package signal is the lecture websocket gateway: admission, the per
// connection pumps and the inbound message handlers.
package signal

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/app"
	"github.com/unerue/studytube/internal/auth"
	"github.com/unerue/studytube/internal/core"
	"github.com/unerue/studytube/internal/domain"
	"github.com/unerue/studytube/internal/metrics"
)

// Options tune the websocket side of the gateway. Zero values fall back to
// the defaults in DefaultOptions.
type Options struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	SendBuffer     int
	SendTimeout    time.Duration
	WriteTimeout   time.Duration
	ChatLimit      int
	ChatWindow     time.Duration
	AuthTimeout    time.Duration
	AllowAnonymous bool
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:    1 << 20,
		PingPeriod:   54 * time.Second,
		SendBuffer:   64,
		SendTimeout:  50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ChatLimit:    10,
		ChatWindow:   5 * time.Second,
		AuthTimeout:  10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = d.PingPeriod
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = d.SendTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.ChatLimit <= 0 {
		o.ChatLimit = d.ChatLimit
	}
	if o.ChatWindow <= 0 {
		o.ChatWindow = d.ChatWindow
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = d.AuthTimeout
	}
	return o
}

// pongWait is how long a connection may stay silent, pongs included.
func (o Options) pongWait() time.Duration { return o.PingPeriod * 10 / 9 }

type SignalWSController struct {
	Registry  *app.Registry
	Directory app.RoomDirectory
	Verifier  auth.Verifier
	Metrics   *metrics.Collector

	opts     Options
	chat     *RoomRateLimiter
	upgrader websocket.Upgrader
}

func NewSignalWSController(reg *app.Registry, dir app.RoomDirectory, ver auth.Verifier, m *metrics.Collector, opts Options) *SignalWSController {
	if dir == nil {
		dir = app.OpenDirectory{}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	opts = opts.withDefaults()
	return &SignalWSController{
		Registry:  reg,
		Directory: dir,
		Verifier:  ver,
		Metrics:   m,
		opts:      opts,
		chat:      NewRoomRateLimiter(opts.ChatLimit, opts.ChatWindow),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WsSignalConn is the core.Sender for one websocket. Frames queue on send
// and are written by writePump.
type WsSignalConn struct {
	conn    *websocket.Conn
	send    chan core.Frame
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int, timeout time.Duration) *WsSignalConn {
	return &WsSignalConn{
		conn:    ws,
		send:    make(chan core.Frame, buffer),
		timeout: timeout,
	}
}

// TrySend queues f, waiting at most the send timeout for room in the buffer.
func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
	}
	t := time.NewTimer(c.timeout)
	defer t.Stop()
	select {
	case c.send <- f:
		return nil
	case <-t.C:
		return core.ErrBackpressure
	}
}

// Close stops accepting frames. writePump flushes what is queued, sends a
// close frame and then closes the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

func (c *WsSignalConn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// HandleLecture admits a participant into a lecture room and serves the
// connection until it closes. Admission failures are answered with a plain
// HTTP status before the upgrade.
func (ctl *SignalWSController) HandleLecture(c *gin.Context) {
	roomID, err := domain.ParseRoomID(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	who, err := ctl.identify(c)
	if err != nil {
		ctl.Metrics.Error(metrics.KindAuth)
		log.Warn().Str("module", "signal").Str("room", string(roomID)).Err(err).Msg("auth rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	p, err := participantOf(who)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := ctl.admit(c, roomID, who); err != nil {
		ctl.Metrics.Error(metrics.KindAdmission)
		log.Warn().Str("module", "signal").Str("room", string(roomID)).Str("participant", string(p.ID)).Err(err).Msg("join rejected")
		status := http.StatusForbidden
		switch {
		case errors.Is(err, app.ErrRoomNotFound):
			status = http.StatusNotFound
		case errors.Is(err, app.ErrRoomFull):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, upgradeHeader(c))
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ctx := c.Request.Context()
	room, err := ctl.Registry.Acquire(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("room", string(roomID)).Msg("acquire room")
		_ = ws.Close()
		return
	}
	defer ctl.Registry.Release(room)

	wc := newWsSignalConn(ws, ctl.opts.SendBuffer, ctl.opts.SendTimeout)
	conn, err := room.Admit(p, wc, func(current int) error {
		return ctl.Directory.Authorize(ctx, roomID, who, current)
	})
	if err != nil {
		// Lost a race for the last seat after the handshake.
		ctl.Metrics.Error(metrics.KindAdmission)
		log.Warn().Str("module", "signal").Str("room", string(roomID)).Str("participant", string(p.ID)).Err(err).Msg("join rejected after upgrade")
		ctl.writeEvent(ws, domain.NewError(roomID, err.Error()))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(ctl.opts.WriteTimeout))
		_ = ws.Close()
		return
	}
	log.Info().Str("module", "signal").Str("room", string(roomID)).Str("participant", string(p.ID)).Str("conn", string(conn.ID)).Msg("new WS connection")

	go ctl.writePump(ctx, wc)
	ctl.readPump(ctx, &session{ctl: ctl, room: room, conn: conn, ws: wc})

	if room.Leave(conn) {
		ctl.chat.Forget(chatKey{room: roomID, user: p.ID})
	}
}

// admit asks the directory before the upgrade so refusals get a plain HTTP
// status. Room.Admit repeats the check atomically with the join.
func (ctl *SignalWSController) admit(c *gin.Context, room domain.RoomID, who auth.Principal) error {
	current := 0
	if r, ok := ctl.Registry.Get(room); ok {
		current = r.Len()
		if r.Has(who.ID) {
			current--
		}
	}
	return ctl.Directory.Authorize(c.Request.Context(), room, who, current)
}

// upgradeHeader carries cookies set during admission into the handshake
// response, which the upgrader writes itself.
func upgradeHeader(c *gin.Context) http.Header {
	cookies := c.Writer.Header().Values("Set-Cookie")
	if len(cookies) == 0 {
		return nil
	}
	return http.Header{"Set-Cookie": cookies}
}
