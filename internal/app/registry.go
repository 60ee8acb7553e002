package app

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/domain"
	"golang.org/x/sync/errgroup"
)

type roomEntry struct {
	room   *Room
	refs   int
	pinned bool
	// ready closes once the room's previous incarnation has fully stopped
	// and the recognizer of this one has been started.
	ready chan struct{}
}

// Registry maps room ids to live rooms. Its lock covers the map only;
// recognizer start and stop run outside it.
type Registry struct {
	deps Deps

	mu       sync.Mutex
	rooms    map[domain.RoomID]*roomEntry
	stopping map[domain.RoomID]chan struct{}
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps.withDefaults(),
		rooms:    make(map[domain.RoomID]*roomEntry),
		stopping: make(map[domain.RoomID]chan struct{}),
	}
}

// Acquire returns the room for id, creating it and starting its recognizer
// when needed, and takes a reference that must be given back with Release.
func (g *Registry) Acquire(ctx context.Context, id domain.RoomID) (*Room, error) {
	return g.acquire(ctx, id, false)
}

func (g *Registry) acquire(ctx context.Context, id domain.RoomID, pin bool) (*Room, error) {
	g.mu.Lock()
	e, ok := g.rooms[id]
	if ok {
		if pin {
			e.pinned = true
		} else {
			e.refs++
		}
		g.mu.Unlock()
		return g.await(ctx, e, pin)
	}
	e = &roomEntry{room: newRoom(id, g.deps), ready: make(chan struct{})}
	if !pin {
		e.refs = 1
	}
	e.pinned = pin
	g.rooms[id] = e
	prev := g.stopping[id]
	g.mu.Unlock()

	g.deps.Metrics.RoomsCreated.Inc()
	g.deps.Metrics.ActiveRooms.Inc()
	log.Info().Str("module", "app.registry").Str("room", string(id)).Bool("pinned", pin).Msg("room created")

	go func() {
		if prev != nil {
			<-prev
		}
		e.room.startRecognizer()
		close(e.ready)
	}()
	return g.await(ctx, e, pin)
}

// await waits for the entry's recognizer to have been started. Start itself
// does not block, so this only waits on a previous incarnation's stop.
func (g *Registry) await(ctx context.Context, e *roomEntry, pin bool) (*Room, error) {
	select {
	case <-e.ready:
		return e.room, nil
	case <-ctx.Done():
		if !pin {
			g.Release(e.room)
		}
		return nil, ctx.Err()
	}
}

// Release gives back a reference taken by Acquire. The last reference of an
// unpinned room removes it and stops its recognizer. Releasing a room that
// has already been removed, or replaced by a newer incarnation, is a no-op.
func (g *Registry) Release(r *Room) {
	id := r.id
	g.mu.Lock()
	e, ok := g.rooms[id]
	if !ok || e.room != r {
		g.mu.Unlock()
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs > 0 || e.pinned {
		g.mu.Unlock()
		return
	}
	done := g.removeLocked(id, e)
	g.mu.Unlock()
	g.teardown(id, e, done)
}

func (g *Registry) removeLocked(id domain.RoomID, e *roomEntry) chan struct{} {
	delete(g.rooms, id)
	done := make(chan struct{})
	g.stopping[id] = done
	return done
}

func (g *Registry) teardown(id domain.RoomID, e *roomEntry, done chan struct{}) {
	<-e.ready
	e.room.stopRecognizer()
	g.deps.Metrics.RoomsDestroyed.Inc()
	g.deps.Metrics.ActiveRooms.Dec()

	g.mu.Lock()
	if g.stopping[id] == done {
		delete(g.stopping, id)
	}
	g.mu.Unlock()
	close(done)
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room destroyed")
}

// StartRecognition pins the room so it outlives its connections and makes
// sure a live recognizer is running.
func (g *Registry) StartRecognition(ctx context.Context, id domain.RoomID) (*Room, error) {
	r, err := g.acquire(ctx, id, true)
	if err != nil {
		return nil, err
	}
	r.startRecognizer()
	return r, nil
}

// StopRecognition stops the room's recognizer and unpins it. A room with no
// connections left is removed.
func (g *Registry) StopRecognition(id domain.RoomID) error {
	g.mu.Lock()
	e, ok := g.rooms[id]
	if !ok {
		g.mu.Unlock()
		return ErrRoomNotFound
	}
	e.pinned = false
	if e.refs == 0 {
		done := g.removeLocked(id, e)
		g.mu.Unlock()
		g.teardown(id, e, done)
		return nil
	}
	g.mu.Unlock()
	<-e.ready
	e.room.stopRecognizer()
	return nil
}

// Get returns a live room without taking a reference.
func (g *Registry) Get(id domain.RoomID) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.rooms[id]
	if !ok {
		return nil, false
	}
	return e.room, true
}

// Connections reports how many connections room id holds, 0 when absent.
func (g *Registry) Connections(id domain.RoomID) int {
	if r, ok := g.Get(id); ok {
		return r.Len()
	}
	return 0
}

func (g *Registry) Info(id domain.RoomID) (RoomInfo, bool) {
	g.mu.Lock()
	e, ok := g.rooms[id]
	var pinned bool
	if ok {
		pinned = e.pinned
	}
	g.mu.Unlock()
	if !ok {
		return RoomInfo{}, false
	}
	return e.room.info(pinned), true
}

func (g *Registry) List() []RoomInfo {
	type snap struct {
		room   *Room
		pinned bool
	}
	g.mu.Lock()
	rooms := make([]snap, 0, len(g.rooms))
	for _, e := range g.rooms {
		rooms = append(rooms, snap{e.room, e.pinned})
	}
	g.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, s := range rooms {
		out = append(out, s.room.info(s.pinned))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type Overview struct {
	ActiveRooms      int        `json:"active_rooms"`
	TotalConnections int        `json:"total_connections"`
	Rooms            []RoomInfo `json:"rooms"`
}

func (g *Registry) Overview() Overview {
	rooms := g.List()
	o := Overview{ActiveRooms: len(rooms), Rooms: rooms}
	for _, r := range rooms {
		o.TotalConnections += r.Connections
	}
	return o
}

// Shutdown closes every connection and stops every recognizer.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	type item struct {
		id   domain.RoomID
		e    *roomEntry
		done chan struct{}
	}
	items := make([]item, 0, len(g.rooms))
	for id, e := range g.rooms {
		items = append(items, item{id, e, g.removeLocked(id, e)})
	}
	g.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	for _, it := range items {
		eg.Go(func() error {
			it.e.room.closeAll()
			finished := make(chan struct{})
			go func() {
				g.teardown(it.id, it.e, it.done)
				close(finished)
			}()
			select {
			case <-finished:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	err := eg.Wait()
	log.Info().Str("module", "app.registry").Int("rooms", len(items)).Err(err).Msg("registry shut down")
	return err
}
