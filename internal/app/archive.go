package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/domain"
)

var ErrArchiveClosed = errors.New("archive closed")

type ChatRecord struct {
	RoomID    domain.RoomID        `json:"room_id"`
	UserID    domain.ParticipantID `json:"user_id"`
	Username  string               `json:"username"`
	Message   string               `json:"message"`
	IsPrivate bool                 `json:"is_private"`
	CreatedAt time.Time            `json:"created_at"`
}

type ChatArchive interface {
	Append(ctx context.Context, rec ChatRecord) error
}

// ChatHistory is implemented by archives that can serve recent messages back.
type ChatHistory interface {
	History(room domain.RoomID, limit int) []ChatRecord
}

// MemoryArchive keeps the last PerRoom messages of each room in memory.
type MemoryArchive struct {
	mu      sync.RWMutex
	perRoom int
	rooms   map[domain.RoomID][]ChatRecord
}

func NewMemoryArchive(perRoom int) *MemoryArchive {
	if perRoom <= 0 {
		perRoom = 200
	}
	return &MemoryArchive{perRoom: perRoom, rooms: make(map[domain.RoomID][]ChatRecord)}
}

func (a *MemoryArchive) Append(_ context.Context, rec ChatRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := append(a.rooms[rec.RoomID], rec)
	if len(list) > a.perRoom {
		list = append([]ChatRecord(nil), list[len(list)-a.perRoom:]...)
	}
	a.rooms[rec.RoomID] = list
	return nil
}

// History returns up to limit records, oldest first.
func (a *MemoryArchive) History(room domain.RoomID, limit int) []ChatRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	list := a.rooms[room]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]ChatRecord, len(list))
	copy(out, list)
	return out
}

// AsyncArchive hands records to a single background writer so the chat path
// never waits on storage. When the queue is full the record is dropped.
type AsyncArchive struct {
	next   ChatArchive
	queue  chan ChatRecord
	done   chan struct{}
	onDrop func()

	mu     sync.RWMutex
	closed bool
}

func NewAsyncArchive(next ChatArchive, size int, onDrop func()) *AsyncArchive {
	if size <= 0 {
		size = 256
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	a := &AsyncArchive{next: next, queue: make(chan ChatRecord, size), done: make(chan struct{}), onDrop: onDrop}
	go a.loop()
	return a
}

func (a *AsyncArchive) Append(_ context.Context, rec ChatRecord) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrArchiveClosed
	}
	select {
	case a.queue <- rec:
	default:
		a.onDrop()
		log.Warn().Str("module", "app.archive").Str("room", string(rec.RoomID)).Msg("archive queue full, chat record dropped")
	}
	return nil
}

func (a *AsyncArchive) History(room domain.RoomID, limit int) []ChatRecord {
	if h, ok := a.next.(ChatHistory); ok {
		return h.History(room, limit)
	}
	return nil
}

func (a *AsyncArchive) loop() {
	defer close(a.done)
	for rec := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.next.Append(ctx, rec); err != nil {
			a.onDrop()
			log.Error().Str("module", "app.archive").Str("room", string(rec.RoomID)).Err(err).Msg("archive append")
		}
		cancel()
	}
}

// Close stops accepting records and waits for the queue to drain.
func (a *AsyncArchive) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
