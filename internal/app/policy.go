package app

import (
	"context"
	"errors"

	"github.com/unerue/studytube/internal/auth"
	"github.com/unerue/studytube/internal/domain"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room full")
)

// RoomDirectory decides whether a principal may join a room. current is the
// number of connections the room already holds.
type RoomDirectory interface {
	Authorize(ctx context.Context, room domain.RoomID, who auth.Principal, current int) error
}

// OpenDirectory admits anyone into any room, subject to an optional cap.
// Rooms listed in Closed are reported as not found.
type OpenDirectory struct {
	MaxParticipants int
	Closed          map[domain.RoomID]bool
}

func (d OpenDirectory) Authorize(_ context.Context, room domain.RoomID, _ auth.Principal, current int) error {
	if d.Closed[room] {
		return ErrRoomNotFound
	}
	if d.MaxParticipants > 0 && current >= d.MaxParticipants {
		return ErrRoomFull
	}
	return nil
}
