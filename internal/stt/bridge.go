package stt

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/audio"
	"github.com/unerue/studytube/internal/domain"
)

const degradedAfter = 3

type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	InitTimeout       time.Duration
	JoinTimeout       time.Duration
	FeedQueue         int
	ResultQueue       int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		HeartbeatInterval: 10 * time.Second,
		InitTimeout:       30 * time.Second,
		JoinTimeout:       5 * time.Second,
		FeedQueue:         64,
		ResultQueue:       64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.FeedQueue <= 0 {
		c.FeedQueue = d.FeedQueue
	}
	if c.ResultQueue <= 0 {
		c.ResultQueue = d.ResultQueue
	}
	return c
}

// Result is one recognized utterance. Sequence increases by one per result
// within a bridge.
type Result struct {
	RoomID   domain.RoomID
	Text     string
	Sequence uint64
	At       time.Time
}

// Bridge owns one engine for one room. A single worker goroutine feeds and
// polls the engine; callers only ever enqueue.
type Bridge struct {
	room    domain.RoomID
	cfg     Config
	factory EngineFactory
	obs     Observer
	metrics *Metrics

	state   atomic.Int32
	started atomic.Bool

	feed    chan audio.PCMBlock
	results chan Result
	stop    chan struct{}
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce    sync.Once
	resultsOnce sync.Once
}

func NewBridge(room domain.RoomID, factory EngineFactory, cfg Config, obs Observer) *Bridge {
	if factory == nil {
		factory = NopFactory
	}
	if obs == nil {
		obs = nopObserver{}
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		room:    room,
		cfg:     cfg,
		factory: factory,
		obs:     obs,
		metrics: newMetrics(),
		feed:    make(chan audio.PCMBlock, cfg.FeedQueue),
		results: make(chan Result, cfg.ResultQueue),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Bridge) Room() domain.RoomID { return b.room }

func (b *Bridge) State() State { return State(b.state.Load()) }

func (b *Bridge) setState(s State) { b.state.Store(int32(s)) }

func (b *Bridge) Results() <-chan Result { return b.results }

func (b *Bridge) Metrics() MetricsSnapshot { return b.metrics.snapshot(b.State()) }

// Alive reports whether the worker goroutine is running.
func (b *Bridge) Alive() bool {
	if !b.started.Load() {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// Start launches the worker. It returns immediately; engine initialization
// happens on the worker. Calling Start twice, or after Stop, does nothing.
func (b *Bridge) Start() {
	if !b.state.CompareAndSwap(int32(StateUninitialized), int32(StateStarting)) {
		return
	}
	b.started.Store(true)
	log.Info().Str("module", "stt.bridge").Str("room", string(b.room)).Msg("starting recognizer")
	go b.run()
}

// Feed enqueues block for the worker. It never blocks and reports whether
// the block was accepted.
func (b *Bridge) Feed(block audio.PCMBlock) bool {
	if block.Empty() || b.State() != StateActive {
		return false
	}
	select {
	case b.feed <- block:
		b.metrics.blocks.Add(1)
		b.metrics.bytes.Add(uint64(len(block.Data)))
		b.metrics.touch()
		return true
	default:
		b.metrics.dropped.Add(1)
		b.metrics.errors.Add(1)
		b.obs.RecognitionError(StageQueue)
		log.Warn().Str("module", "stt.bridge").Str("room", string(b.room)).Int("bytes", len(block.Data)).Msg("feed queue full, block dropped")
		return false
	}
}

// Stop signals the worker, waits up to JoinTimeout for it and closes the
// result queue. It is safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.setState(StateStopping)
		b.cancel()
		close(b.stop)
		if b.started.Load() {
			select {
			case <-b.done:
			case <-time.After(b.cfg.JoinTimeout):
				log.Warn().Str("module", "stt.bridge").Str("room", string(b.room)).Dur("timeout", b.cfg.JoinTimeout).Msg("worker did not exit in time")
			}
		} else {
			b.closeResults()
		}
		b.setState(StateStopped)
		b.logFinal()
	})
}

func (b *Bridge) closeResults() { b.resultsOnce.Do(func() { close(b.results) }) }

type initResult struct {
	eng Engine
	err error
}

// initEngine waits for the factory. Past InitTimeout the bridge is flagged
// degraded but keeps waiting, so a slow engine still comes up eventually.
func (b *Bridge) initEngine() (Engine, error) {
	ch := make(chan initResult, 1)
	go func() {
		eng, err := b.factory(b.ctx, b.room)
		ch <- initResult{eng, err}
	}()
	bound := time.NewTimer(b.cfg.InitTimeout)
	defer bound.Stop()
	for {
		select {
		case r := <-ch:
			return r.eng, r.err
		case <-bound.C:
			b.metrics.degraded.Store(true)
			log.Warn().Str("module", "stt.bridge").Str("room", string(b.room)).Dur("after", b.cfg.InitTimeout).Msg("engine init slow, still waiting")
		case <-b.stop:
			// The factory saw ctx cancel; give it a moment so a late engine
			// is closed before Stop returns.
			select {
			case r := <-ch:
				if r.eng != nil {
					_ = r.eng.Close()
				}
			case <-time.After(b.cfg.JoinTimeout / 2):
				go func() {
					if r := <-ch; r.eng != nil {
						_ = r.eng.Close()
					}
				}()
			}
			return nil, ErrStopped
		}
	}
}

func (b *Bridge) run() {
	defer close(b.done)
	defer b.closeResults()
	l := log.With().Str("module", "stt.bridge").Str("room", string(b.room)).Logger()

	eng, err := b.initEngine()
	if err != nil {
		if err != ErrStopped {
			b.metrics.errors.Add(1)
			b.obs.RecognitionError(StageInit)
			l.Error().Err(err).Msg("engine init failed")
		}
		b.setState(StateStopped)
		return
	}
	defer func() {
		if err := eng.Close(); err != nil {
			l.Warn().Err(err).Msg("engine close")
		}
	}()
	b.metrics.degraded.Store(false)
	if !b.state.CompareAndSwap(int32(StateStarting), int32(StateReady)) {
		return
	}
	if !b.state.CompareAndSwap(int32(StateReady), int32(StateActive)) {
		return
	}
	l.Info().Msg("recognizer active")

	poll := time.NewTicker(b.cfg.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(b.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var seq uint64
	streak := 0
	for {
		select {
		case <-b.stop:
			return
		case block := <-b.feed:
			if err := eng.Feed(b.ctx, block); err != nil {
				if b.ctx.Err() != nil {
					return
				}
				b.metrics.errors.Add(1)
				b.obs.RecognitionError(StageFeed)
				l.Warn().Err(err).Int("bytes", len(block.Data)).Msg("engine feed")
			}
		case <-poll.C:
			text, err := eng.Text(b.ctx)
			if err != nil {
				if b.ctx.Err() != nil {
					return
				}
				streak++
				b.metrics.pollFailures.Add(1)
				b.metrics.errors.Add(1)
				b.obs.RecognitionError(StagePoll)
				if streak >= degradedAfter && !b.metrics.degraded.Swap(true) {
					l.Error().Err(err).Int("streak", streak).Msg("recognizer degraded")
				} else {
					l.Warn().Err(err).Int("streak", streak).Msg("engine poll")
				}
				continue
			}
			streak = 0
			b.metrics.degraded.Store(false)
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			seq++
			b.publish(Result{RoomID: b.room, Text: text, Sequence: seq, At: time.Now().UTC()})
		case <-heartbeat.C:
			m := b.Metrics()
			l.Info().Uint64("blocks", m.Blocks).Uint64("bytes", m.Bytes).Uint64("results", m.Results).Uint64("errors", m.Errors).Bool("degraded", m.Degraded).Str("uptime", m.Uptime).Msg("recognizer heartbeat")
		}
	}
}

func (b *Bridge) publish(r Result) {
	b.metrics.results.Add(1)
	b.metrics.touch()
	b.obs.RecognitionResult()
	select {
	case b.results <- r:
	default:
		b.metrics.dropped.Add(1)
		b.metrics.errors.Add(1)
		b.obs.RecognitionError(StageQueue)
		log.Warn().Str("module", "stt.bridge").Str("room", string(b.room)).Uint64("seq", r.Sequence).Msg("result queue full, dropped")
	}
}

func (b *Bridge) logFinal() {
	m := b.Metrics()
	log.Info().Str("module", "stt.bridge").Str("room", string(b.room)).
		Uint64("blocks", m.Blocks).
		Uint64("bytes", m.Bytes).
		Uint64("results", m.Results).
		Uint64("errors", m.Errors).
		Uint64("dropped", m.Dropped).
		Uint64("poll_failures", m.PollFailures).
		Str("uptime", m.Uptime).
		Msg("recognizer stopped")
}
