package stt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unerue/studytube/internal/audio"
	"github.com/unerue/studytube/internal/domain"
)

type fakeEngine struct {
	mu       sync.Mutex
	fed      int
	texts    []string
	textErr  error
	feedHook func(ctx context.Context)
	closed   atomic.Bool
}

func (f *fakeEngine) Feed(ctx context.Context, _ audio.PCMBlock) error {
	f.mu.Lock()
	f.fed++
	hook := f.feedHook
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return nil
}

func (f *fakeEngine) Text(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil {
		return "", f.textErr
	}
	if len(f.texts) == 0 {
		return "", nil
	}
	t := f.texts[0]
	f.texts = f.texts[1:]
	return t, nil
}

func (f *fakeEngine) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeEngine) fedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fed
}

func factoryOf(e Engine) EngineFactory {
	return func(context.Context, domain.RoomID) (Engine, error) { return e, nil }
}

func fastConfig() Config {
	return Config{
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		InitTimeout:       time.Second,
		JoinTimeout:       time.Second,
		FeedQueue:         4,
		ResultQueue:       4,
	}
}

func block(n int) audio.PCMBlock {
	return audio.PCMBlock{Data: make([]byte, n), SampleRate: 16000}
}

func waitActive(t *testing.T, b *Bridge) {
	t.Helper()
	require.Eventually(t, func() bool { return b.State() == StateActive }, time.Second, 5*time.Millisecond)
}

func TestBridgeLifecycle(t *testing.T) {
	eng := &fakeEngine{texts: []string{"  hello  ", "", "world"}}
	b := NewBridge("r1", factoryOf(eng), fastConfig(), nil)
	assert.Equal(t, StateUninitialized, b.State())
	assert.False(t, b.Alive())

	b.Start()
	waitActive(t, b)
	assert.True(t, b.Alive())

	require.True(t, b.Feed(block(640)))
	require.Eventually(t, func() bool { return eng.fedCount() == 1 }, time.Second, 5*time.Millisecond)

	first := <-b.Results()
	second := <-b.Results()
	assert.Equal(t, "hello", first.Text)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, "world", second.Text)
	assert.Equal(t, uint64(2), second.Sequence)

	b.Stop()
	assert.Equal(t, StateStopped, b.State())
	assert.False(t, b.Alive())
	assert.True(t, eng.closed.Load())
	_, open := <-b.Results()
	assert.False(t, open)

	m := b.Metrics()
	assert.Equal(t, uint64(1), m.Blocks)
	assert.Equal(t, uint64(640), m.Bytes)
	assert.Equal(t, uint64(2), m.Results)
}

func TestBridgeFeedIgnoredUnlessActive(t *testing.T) {
	b := NewBridge("r1", factoryOf(&fakeEngine{}), fastConfig(), nil)
	assert.False(t, b.Feed(block(10)))
	b.Start()
	waitActive(t, b)
	assert.False(t, b.Feed(audio.PCMBlock{}))
	b.Stop()
	assert.False(t, b.Feed(block(10)))
}

func TestBridgeStopMidFeed(t *testing.T) {
	entered := make(chan struct{})
	eng := &fakeEngine{}
	eng.feedHook = func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
	}
	b := NewBridge("r1", factoryOf(eng), fastConfig(), nil)
	b.Start()
	waitActive(t, b)
	require.True(t, b.Feed(block(10)))
	<-entered

	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
	assert.False(t, b.Alive())
	assert.True(t, eng.closed.Load())
}

func TestBridgeStopIdempotent(t *testing.T) {
	b := NewBridge("r1", factoryOf(&fakeEngine{}), fastConfig(), nil)
	b.Start()
	waitActive(t, b)
	b.Stop()
	assert.NotPanics(t, b.Stop)
	b.Start()
	assert.Equal(t, StateStopped, b.State())
}

func TestBridgeStopBeforeStartClosesResults(t *testing.T) {
	b := NewBridge("r1", nil, fastConfig(), nil)
	b.Stop()
	_, open := <-b.Results()
	assert.False(t, open)
	assert.Equal(t, StateStopped, b.State())
}

func TestBridgeDegradedAfterConsecutivePollFailures(t *testing.T) {
	eng := &fakeEngine{textErr: errors.New("boom")}
	b := NewBridge("r1", factoryOf(eng), fastConfig(), nil)
	b.Start()
	defer b.Stop()
	waitActive(t, b)

	require.Eventually(t, func() bool { return b.Metrics().Degraded }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, b.Metrics().PollFailures, uint64(degradedAfter))

	eng.mu.Lock()
	eng.textErr = nil
	eng.mu.Unlock()
	require.Eventually(t, func() bool { return !b.Metrics().Degraded }, time.Second, 5*time.Millisecond)
}

func TestBridgeInitFailure(t *testing.T) {
	obs := &countingObserver{}
	b := NewBridge("r1", func(context.Context, domain.RoomID) (Engine, error) {
		return nil, errors.New("no model")
	}, fastConfig(), obs)
	b.Start()
	require.Eventually(t, func() bool { return !b.Alive() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStopped, b.State())
	assert.Equal(t, uint64(1), b.Metrics().Errors)
	assert.Equal(t, int64(1), obs.errors.Load())
	b.Stop()
}

func TestBridgeSlowInitDegradesThenRecovers(t *testing.T) {
	release := make(chan struct{})
	eng := &fakeEngine{}
	cfg := fastConfig()
	cfg.InitTimeout = 20 * time.Millisecond
	b := NewBridge("r1", func(ctx context.Context, _ domain.RoomID) (Engine, error) {
		select {
		case <-release:
			return eng, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, cfg, nil)
	b.Start()
	require.Eventually(t, func() bool { return b.Metrics().Degraded }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStarting, b.State())

	close(release)
	waitActive(t, b)
	assert.False(t, b.Metrics().Degraded)
	b.Stop()
}

func TestBridgeStopDuringInitClosesLateEngine(t *testing.T) {
	release := make(chan struct{})
	eng := &fakeEngine{}
	b := NewBridge("r1", func(context.Context, domain.RoomID) (Engine, error) {
		<-release
		return eng, nil
	}, fastConfig(), nil)
	b.Start()
	b.Stop()
	assert.False(t, b.Alive())

	close(release)
	require.Eventually(t, eng.closed.Load, time.Second, 5*time.Millisecond)
}

func TestBridgeResultQueueOverflowDrops(t *testing.T) {
	texts := make([]string, 10)
	for i := range texts {
		texts[i] = "t"
	}
	eng := &fakeEngine{texts: texts}
	cfg := fastConfig()
	cfg.ResultQueue = 2
	b := NewBridge("r1", factoryOf(eng), cfg, nil)
	b.Start()
	defer b.Stop()

	require.Eventually(t, func() bool { return b.Metrics().Results == 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(8), b.Metrics().Dropped)
	assert.Len(t, b.Results(), 2)
}

type countingObserver struct {
	results atomic.Int64
	errors  atomic.Int64
}

func (o *countingObserver) RecognitionResult() { o.results.Add(1) }
func (o *countingObserver) RecognitionError(string) { o.errors.Add(1) }
