package app

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/audio"
	"github.com/unerue/studytube/internal/core"
	"github.com/unerue/studytube/internal/domain"
	"github.com/unerue/studytube/internal/metrics"
	"github.com/unerue/studytube/internal/stt"
)

// Deps are the collaborators every room is built with.
type Deps struct {
	Normalizer     *audio.Normalizer
	FlushThreshold int
	Engines        stt.EngineFactory
	STT            stt.Config
	Metrics        *metrics.Collector
	Archive        ChatArchive
}

func (d Deps) withDefaults() Deps {
	if d.Normalizer == nil {
		d.Normalizer = audio.NewNormalizer(audio.DefaultNormalizerConfig())
	}
	if d.Engines == nil {
		d.Engines = stt.NopFactory
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.Archive == nil {
		d.Archive = NewMemoryArchive(0)
	}
	return d
}

// RoomInfo is a read-only view for APIs.
type RoomInfo struct {
	ID          domain.RoomID          `json:"room_id"`
	Connections int                    `json:"connections"`
	Recognizer  stt.State              `json:"recognizer"`
	Pinned      bool                   `json:"pinned"`
	CreatedAt   time.Time              `json:"created_at"`
	Audio       audio.AccumulatorStats `json:"audio"`
	STT         *stt.MetricsSnapshot   `json:"stt,omitempty"`
}

// Room is one lecture: its connections, its audio path and its recognizer.
type Room struct {
	id        domain.RoomID
	deps      Deps
	conns     *core.ConnectionSet
	createdAt time.Time

	// sendMu keeps fan-out FIFO per room.
	sendMu sync.Mutex

	// admitMu makes the capacity check and the registration one step.
	admitMu sync.Mutex

	// feedMu serializes the accumulator and the order blocks reach the bridge.
	feedMu sync.Mutex
	acc    *audio.Accumulator

	// lifeMu serializes recognizer start and stop; mu guards the pointer.
	lifeMu sync.Mutex
	mu     sync.RWMutex
	bridge *stt.Bridge
}

func newRoom(id domain.RoomID, deps Deps) *Room {
	return &Room{
		id:        id,
		deps:      deps,
		conns:     core.NewConnectionSet(id),
		createdAt: time.Now().UTC(),
		acc:       audio.NewAccumulator(deps.Normalizer, deps.FlushThreshold),
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

func (r *Room) Len() int { return r.conns.Len() }

func (r *Room) Has(id domain.ParticipantID) bool { return r.conns.Has(id) }

func (r *Room) Presence() []domain.Participant { return r.conns.Presence() }

// Recognizer returns the current bridge, or nil when none was started.
func (r *Room) Recognizer() *stt.Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bridge
}

// startRecognizer starts a bridge unless a live one exists. A dead bridge
// is stopped before its replacement is created.
func (r *Room) startRecognizer() *stt.Bridge {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if b := r.Recognizer(); b != nil {
		if s := b.State(); s != stt.StateStopped && s != stt.StateStopping {
			return b
		}
		b.Stop()
	}
	b := stt.NewBridge(r.id, r.deps.Engines, r.deps.STT, r.deps.Metrics)
	r.mu.Lock()
	r.bridge = b
	r.mu.Unlock()
	b.Start()
	go r.dispatch(b)
	return b
}

// stopRecognizer stops the current bridge and waits for it to wind down.
func (r *Room) stopRecognizer() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	r.mu.Lock()
	b := r.bridge
	r.bridge = nil
	r.mu.Unlock()
	if b != nil {
		b.Stop()
	}
}

// dispatch turns recognition results into subtitle broadcasts until the
// bridge closes its queue.
func (r *Room) dispatch(b *stt.Bridge) {
	for res := range b.Results() {
		ev := domain.NewSubtitle(r.id, res.Text, res.Sequence)
		ev.Timestamp = res.At
		r.Broadcast(ev, "")
	}
	log.Debug().Str("module", "app.room").Str("room", string(r.id)).Msg("subtitle dispatch finished")
}

// Join registers a connection for p. A previous connection of the same
// participant is told why and closed.
func (r *Room) Join(p domain.Participant, s core.Sender) *core.Connection {
	c := core.NewConnection(r.id, p, s)
	if old := r.conns.Connect(c); old != nil {
		r.deps.Metrics.Evictions.Inc()
		r.deps.Metrics.Connections.Dec()
		if f, err := domain.Encode(domain.NewError(r.id, "replaced by a newer connection")); err == nil {
			_ = old.Send(f)
		}
		old.Close()
		log.Info().Str("module", "app.room").Str("room", string(r.id)).Str("participant", string(p.ID)).Str("conn", string(old.ID)).Msg("evicted previous connection")
	}
	r.deps.Metrics.Connections.Inc()

	r.Broadcast(domain.NewUserJoined(r.id, p.Username), "")
	presence := r.conns.Presence()
	_ = r.sendConn(c, domain.NewParticipantsUpdate(r.id, presence, p.ID))
	r.Broadcast(domain.NewParticipantsUpdate(r.id, presence, ""), c.ID)
	log.Info().Str("module", "app.room").Str("room", string(r.id)).Str("participant", string(p.ID)).Str("conn", string(c.ID)).Int("connections", len(presence)).Msg("joined")
	return c
}

// Admit joins p only if check accepts the room's current connection count.
// A connection p is about to replace is not counted.
func (r *Room) Admit(p domain.Participant, s core.Sender, check func(current int) error) (*core.Connection, error) {
	r.admitMu.Lock()
	defer r.admitMu.Unlock()
	current := r.conns.Len()
	if r.conns.Has(p.ID) {
		current--
	}
	if check != nil {
		if err := check(current); err != nil {
			return nil, err
		}
	}
	return r.Join(p, s), nil
}

// Leave removes c. Leaving with a connection that was already replaced or
// dropped does nothing and announces nothing.
func (r *Room) Leave(c *core.Connection) bool {
	removed, remaining := r.conns.Disconnect(c)
	if !removed {
		return false
	}
	r.deps.Metrics.Connections.Dec()
	r.announceLeft(c)
	log.Info().Str("module", "app.room").Str("room", string(r.id)).Str("participant", string(c.Participant.ID)).Str("conn", string(c.ID)).Int("remaining", remaining).Msg("left")
	return true
}

func (r *Room) announceLeft(c *core.Connection) {
	r.Broadcast(domain.NewUserLeft(r.id, c.Participant.Username), "")
	r.Broadcast(domain.NewParticipantsUpdate(r.id, r.conns.Presence(), ""), "")
}

// Broadcast fans ev out to every connection except skip. Connections that
// fail to accept it are closed and announced as gone.
func (r *Room) Broadcast(ev domain.Event, skip core.ConnID) core.PublishResult {
	f, err := domain.Encode(ev)
	if err != nil {
		r.deps.Metrics.Error(metrics.KindBroadcast)
		log.Error().Str("module", "app.room").Str("room", string(r.id)).Err(err).Msg("encode event")
		return core.PublishResult{}
	}
	r.sendMu.Lock()
	res := r.conns.Broadcast(f, skip)
	r.sendMu.Unlock()

	for _, c := range res.Dropped {
		r.drop(c, ev)
	}
	for _, c := range res.Dropped {
		r.announceLeft(c)
	}
	return res
}

// drop closes a connection the set already removed after a failed send.
func (r *Room) drop(c *core.Connection, ev domain.Event) {
	r.deps.Metrics.BroadcastDrops.Inc()
	r.deps.Metrics.Connections.Dec()
	c.Close()
	log.Warn().Str("module", "app.room").Str("room", string(r.id)).Str("conn", string(c.ID)).Str("type", string(domain.TypeOf(ev))).Msg("dropped slow connection")
}

// SendTo delivers ev to a single participant of the room.
func (r *Room) SendTo(to domain.ParticipantID, ev domain.Event) error {
	f, err := domain.Encode(ev)
	if err != nil {
		return err
	}
	dropped, err := r.conns.SendTo(to, f)
	if err != nil {
		log.Debug().Str("module", "app.room").Str("room", string(r.id)).Str("participant", string(to)).Err(err).Msg("direct send miss")
	}
	if dropped != nil {
		r.drop(dropped, ev)
		r.announceLeft(dropped)
	}
	return err
}

func (r *Room) sendConn(c *core.Connection, ev domain.Event) error {
	f, err := domain.Encode(ev)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Reply sends ev back to the connection that caused it.
func (r *Room) Reply(c *core.Connection, ev domain.Event) error { return r.sendConn(c, ev) }

// FeedAudio appends a raw fragment to the room's accumulator and forwards
// each flushed block to the recognizer in arrival order.
func (r *Room) FeedAudio(fragment []byte) {
	r.deps.Metrics.AudioChunks.Inc()
	r.deps.Metrics.AudioBytes.Add(float64(len(fragment)))

	r.feedMu.Lock()
	defer r.feedMu.Unlock()
	block, ok := r.acc.Add(fragment)
	if !ok || block.Empty() {
		return
	}
	r.handOff(block)
}

// FeedFrame forwards a chunk that declared its own sample rate. It is
// resampled and handed to the recognizer at once, bypassing the
// accumulator.
func (r *Room) FeedFrame(f audio.Frame) {
	r.deps.Metrics.AudioChunks.Inc()
	r.deps.Metrics.AudioBytes.Add(float64(len(f.PCM)))

	block := r.deps.Normalizer.FromPCM(f.PCM, f.Metadata.SampleRate)
	if block.Empty() {
		return
	}
	r.feedMu.Lock()
	defer r.feedMu.Unlock()
	r.handOff(block)
}

// handOff passes a normalized block to the recognizer. Callers hold feedMu.
func (r *Room) handOff(block audio.PCMBlock) {
	r.deps.Metrics.AudioConversions.Inc()
	r.deps.Metrics.AudioBlockSize.Observe(float64(len(block.Data)))
	if b := r.Recognizer(); b != nil {
		b.Feed(block)
	}
}

// Chat broadcasts a chat message to everyone, sender included, and archives it.
func (r *Room) Chat(from *core.Connection, message string, private bool) {
	ev := domain.NewChatMessage(r.id, from.Participant, message, private)
	r.Broadcast(ev, "")
	rec := ChatRecord{
		RoomID:    r.id,
		UserID:    from.Participant.ID,
		Username:  from.Participant.Username,
		Message:   message,
		IsPrivate: private,
		CreatedAt: ev.Timestamp,
	}
	if err := r.deps.Archive.Append(context.Background(), rec); err != nil {
		r.deps.Metrics.Error(metrics.KindArchive)
		log.Warn().Str("module", "app.room").Str("room", string(r.id)).Err(err).Msg("archive chat")
	}
}

// Subtitle broadcasts text that did not come from the room's recognizer,
// such as client-side recognition or an operator injection.
func (r *Room) Subtitle(ev *domain.Subtitle) core.PublishResult {
	return r.Broadcast(ev, "")
}

// ScreenShare announces a screen share change to the whole room, the sharer
// included.
func (r *Room) ScreenShare(from *core.Connection, started bool) {
	r.Broadcast(domain.NewScreenShare(r.id, started, from.Participant), "")
}

// RequestConnection asks target to open a peer connection to from.
func (r *Room) RequestConnection(from *core.Connection, target domain.ParticipantID) error {
	return r.SendTo(target, domain.NewRequestConnection(r.id, from.Participant, target))
}

func (r *Room) Offer(from *core.Connection, target domain.ParticipantID, sdp webrtc.SessionDescription) error {
	return r.SendTo(target, domain.NewOffer(r.id, from.Participant.ID, target, sdp))
}

func (r *Room) Answer(from *core.Connection, target domain.ParticipantID, sdp webrtc.SessionDescription) error {
	return r.SendTo(target, domain.NewAnswer(r.id, from.Participant.ID, target, sdp))
}

func (r *Room) ICECandidate(from *core.Connection, target domain.ParticipantID, c webrtc.ICECandidateInit) error {
	return r.SendTo(target, domain.NewICECandidate(r.id, from.Participant.ID, target, c))
}

// closeAll closes every connection without announcing. Used on shutdown.
func (r *Room) closeAll() {
	for _, c := range r.conns.Connections() {
		if removed, _ := r.conns.Disconnect(c); removed {
			r.deps.Metrics.Connections.Dec()
			c.Close()
		}
	}
}

func (r *Room) info(pinned bool) RoomInfo {
	r.feedMu.Lock()
	st := r.acc.Stats()
	r.feedMu.Unlock()
	info := RoomInfo{
		ID:          r.id,
		Connections: r.conns.Len(),
		Recognizer:  stt.StateStopped,
		Pinned:      pinned,
		CreatedAt:   r.createdAt,
		Audio:       st,
	}
	if b := r.Recognizer(); b != nil {
		m := b.Metrics()
		info.Recognizer = m.State
		info.STT = &m
	}
	return info
}
