package signal

import (
	"sync"
	"time"

	"github.com/unerue/studytube/internal/domain"
)

type chatKey struct {
	room domain.RoomID
	user domain.ParticipantID
}

// RoomRateLimiter is a sliding window limiter keyed by room and participant.
type RoomRateLimiter struct {
	mu       sync.Mutex
	history  map[chatKey][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRoomRateLimiter(limit int, interval time.Duration) *RoomRateLimiter {
	return &RoomRateLimiter{
		history:  make(map[chatKey][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RoomRateLimiter) Allow(k chatKey) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[k]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[k] = fresh
		return false
	}
	rl.history[k] = append(fresh, now)
	return true
}

// Forget drops the history of k once its connection is gone.
func (rl *RoomRateLimiter) Forget(k chatKey) {
	rl.mu.Lock()
	delete(rl.history, k)
	rl.mu.Unlock()
}
