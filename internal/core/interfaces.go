package core

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/unerue/studytube/internal/domain"
)

// Frame is an encoded outbound message.
type Frame []byte

// ConnID identifies one transport endpoint. A participant that reconnects
// gets a new ConnID under the same ParticipantID.
type ConnID string

var (
	ErrBackpressure        = errors.New("send queue full")
	ErrClosed              = errors.New("connection closed")
	ErrParticipantNotFound = errors.New("participant not connected")
)

// Sender abstracts a messaging transport.
// Owned by the adapter; the adapter must Close() it.
type Sender interface {
	TrySend(Frame) error
	Close()
}

// Connection binds a participant to its transport endpoint.
// This is what a room stores and fans out to.
type Connection struct {
	ID          ConnID
	RoomID      domain.RoomID
	Participant domain.Participant
	ConnectedAt time.Time

	sender   Sender
	messages atomic.Uint64
}

func NewConnection(room domain.RoomID, p domain.Participant, s Sender) *Connection {
	now := time.Now().UTC()
	p.ConnectedAt = now
	p.IsOnline = true
	return &Connection{
		ID:          ConnID(xid.New().String()),
		RoomID:      room,
		Participant: p,
		ConnectedAt: now,
		sender:      s,
	}
}

func (c *Connection) Send(f Frame) error { return c.sender.TrySend(f) }

func (c *Connection) Close() { c.sender.Close() }

// CountMessage records one inbound message.
func (c *Connection) CountMessage() uint64 { return c.messages.Add(1) }

func (c *Connection) Messages() uint64 { return c.messages.Load() }

// PublishResult reports delivery stats and backpressure to the room.
type PublishResult struct {
	SentTo  int
	Dropped []*Connection
}
