package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unerue/studytube/internal/domain"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []Frame
	fail   bool
	closed bool
}

func (f *fakeSender) TrySend(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return ErrBackpressure
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newConn(t *testing.T, id string, s Sender) *Connection {
	t.Helper()
	p, err := domain.NewParticipant(domain.ParticipantID(id), "user-"+id)
	require.NoError(t, err)
	return NewConnection("r1", p, s)
}

func TestConnectEvictsSameParticipant(t *testing.T) {
	set := NewConnectionSet("r1")
	first := newConn(t, "7", &fakeSender{})
	second := newConn(t, "7", &fakeSender{})

	assert.Nil(t, set.Connect(first))
	evicted := set.Connect(second)
	require.NotNil(t, evicted)
	assert.Equal(t, first.ID, evicted.ID)
	assert.Equal(t, 1, set.Len())

	removed, remaining := set.Disconnect(first)
	assert.False(t, removed, "stale connection must not remove its replacement")
	assert.Equal(t, 1, remaining)
	assert.True(t, set.Has("7"))

	removed, remaining = set.Disconnect(second)
	assert.True(t, removed)
	assert.Equal(t, 0, remaining)
}

func TestBroadcastRemovesFailedConnections(t *testing.T) {
	set := NewConnectionSet("r1")
	ok1, ok2, bad := &fakeSender{}, &fakeSender{}, &fakeSender{fail: true}
	set.Connect(newConn(t, "a", ok1))
	set.Connect(newConn(t, "b", ok2))
	badConn := newConn(t, "c", bad)
	set.Connect(badConn)

	res := set.Broadcast(Frame("hi"), "")
	assert.Equal(t, 2, res.SentTo)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, badConn.ID, res.Dropped[0].ID)
	assert.Equal(t, 2, set.Len())
	assert.False(t, set.Has("c"))
	assert.Equal(t, 1, ok1.count())
	assert.Equal(t, 1, ok2.count())
}

func TestBroadcastSkipsSender(t *testing.T) {
	set := NewConnectionSet("r1")
	a, b := &fakeSender{}, &fakeSender{}
	ca := newConn(t, "a", a)
	set.Connect(ca)
	set.Connect(newConn(t, "b", b))

	res := set.Broadcast(Frame("x"), ca.ID)
	assert.Equal(t, 1, res.SentTo)
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
}

func TestBroadcastEmptySet(t *testing.T) {
	res := NewConnectionSet("r1").Broadcast(Frame("x"), "")
	assert.Zero(t, res.SentTo)
	assert.Empty(t, res.Dropped)
}

func TestSendTo(t *testing.T) {
	set := NewConnectionSet("r1")
	s := &fakeSender{}
	set.Connect(newConn(t, "a", s))

	dropped, err := set.SendTo("a", Frame("x"))
	require.NoError(t, err)
	assert.Nil(t, dropped)
	assert.Equal(t, 1, s.count())

	dropped, err = set.SendTo("missing", Frame("x"))
	assert.ErrorIs(t, err, ErrParticipantNotFound)
	assert.Nil(t, dropped)
}

func TestSendToRemovesFailedConnection(t *testing.T) {
	set := NewConnectionSet("r1")
	bad := newConn(t, "a", &fakeSender{fail: true})
	set.Connect(bad)
	set.Connect(newConn(t, "b", &fakeSender{}))

	dropped, err := set.SendTo("a", Frame("x"))
	assert.ErrorIs(t, err, ErrBackpressure)
	require.NotNil(t, dropped)
	assert.Equal(t, bad.ID, dropped.ID)
	assert.False(t, set.Has("a"))
	assert.Equal(t, 1, set.Len())

	dropped, err = set.SendTo("a", Frame("x"))
	assert.ErrorIs(t, err, ErrParticipantNotFound)
	assert.Nil(t, dropped)
}

func TestPresenceOrdered(t *testing.T) {
	set := NewConnectionSet("r1")
	for _, id := range []string{"a", "b", "c"} {
		set.Connect(newConn(t, id, &fakeSender{}))
	}
	list := set.Presence()
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].ConnectedAt.Before(list[i-1].ConnectedAt))
	}
	for _, p := range list {
		assert.True(t, p.IsOnline)
	}
}
