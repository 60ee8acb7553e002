// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
	"time"
)

const (
	MaxParticipantIDLen = 64
	MaxUsernameLen      = 36
)

var (
	ErrParticipantIDEmpty = errors.New("participant id empty")
	ErrUsernameTooLong    = errors.New("username too long")
	ErrUsernameEmpty      = errors.New("username empty")
)

type ParticipantID string

// Participant is one entry of a room's presence list.
type Participant struct {
	ID          ParticipantID `json:"user_id"`
	Username    string        `json:"username"`
	IsOnline    bool          `json:"is_online"`
	ConnectedAt time.Time     `json:"connected_at"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(id ParticipantID, username string) (Participant, error) {
	if id == "" {
		return Participant{}, ErrParticipantIDEmpty
	}
	id = ParticipantID(Truncate(string(id), MaxParticipantIDLen))
	if len(username) == 0 {
		return Participant{}, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return Participant{}, ErrUsernameTooLong
	}
	return Participant{ID: id, Username: username, IsOnline: true}, nil
}
