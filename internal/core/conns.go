package core

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/domain"
)

// ConnectionSet is a threadsafe membership set keyed by participant.
// Sends happen outside the lock so a slow peer never stalls membership changes.
// It never closes adapter-owned resources.
type ConnectionSet struct {
	room   domain.RoomID
	mu     sync.RWMutex
	byID   map[ConnID]*Connection
	byUser map[domain.ParticipantID]*Connection
}

func NewConnectionSet(room domain.RoomID) *ConnectionSet {
	return &ConnectionSet{
		room:   room,
		byID:   make(map[ConnID]*Connection),
		byUser: make(map[domain.ParticipantID]*Connection),
	}
}

func (s *ConnectionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *ConnectionSet) Has(id domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byUser[id]
	return ok
}

// Connect registers c and returns the connection it replaced for the same
// participant, if any. The caller decides what to do with the evicted one.
func (s *ConnectionSet) Connect(c *Connection) (evicted *Connection) {
	u := c.Participant.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byUser[u]; ok {
		delete(s.byID, old.ID)
		evicted = old
	}
	s.byID[c.ID] = c
	s.byUser[u] = c
	log.Info().Str("module", "core.conns").Str("room", string(s.room)).Str("conn", string(c.ID)).Str("user", string(u)).Bool("evicted", evicted != nil).Msg("connection added")
	return evicted
}

// Disconnect removes c only if it is still the registered connection of its
// participant. Removing a stale (already replaced) connection is a no-op.
func (s *ConnectionSet) Disconnect(c *Connection) (removed bool, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byID[c.ID]; ok && cur == c {
		delete(s.byID, c.ID)
		if s.byUser[c.Participant.ID] == c {
			delete(s.byUser, c.Participant.ID)
		}
		removed = true
		log.Info().Str("module", "core.conns").Str("room", string(s.room)).Str("conn", string(c.ID)).Msg("connection removed")
	}
	return removed, len(s.byID)
}

func (s *ConnectionSet) snapshot() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	return out
}

// Broadcast delivers f to every connection except the one with id skip.
// Connections whose send fails are removed from the set and reported back.
func (s *ConnectionSet) Broadcast(f Frame, skip ConnID) PublishResult {
	res := PublishResult{}
	for _, c := range s.snapshot() {
		if c.ID == skip {
			continue
		}
		if err := c.Send(f); err != nil {
			res.Dropped = append(res.Dropped, c)
			continue
		}
		res.SentTo++
	}
	kept := res.Dropped[:0]
	for _, c := range res.Dropped {
		if removed, _ := s.Disconnect(c); removed {
			kept = append(kept, c)
		}
	}
	res.Dropped = kept
	log.Debug().Str("module", "core.conns").Str("room", string(s.room)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// SendTo delivers f to a single participant. A connection that fails to
// accept f is removed and returned as dropped, as Broadcast does.
func (s *ConnectionSet) SendTo(id domain.ParticipantID, f Frame) (dropped *Connection, err error) {
	s.mu.RLock()
	c, ok := s.byUser[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrParticipantNotFound
	}
	if err := c.Send(f); err != nil {
		if removed, _ := s.Disconnect(c); removed {
			return c, err
		}
		return nil, err
	}
	return nil, nil
}

// Presence lists connected participants ordered by connect time.
func (s *ConnectionSet) Presence() []domain.Participant {
	conns := s.snapshot()
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].Participant.ID < conns[j].Participant.ID
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
	out := make([]domain.Participant, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Participant)
	}
	return out
}

// Connections returns a snapshot of the set.
func (s *ConnectionSet) Connections() []*Connection { return s.snapshot() }
