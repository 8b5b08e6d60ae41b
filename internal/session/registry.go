package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"codehive/collab/internal/crdt"
	"codehive/collab/internal/metrics"
	"codehive/collab/internal/models"
)

// Store is the slice of the persistence gateway the registry needs.
type Store interface {
	LoadProjectState(ctx context.Context, roomID string, doc *crdt.Doc) (map[string]models.Role, error)
	PersistProjectState(ctx context.Context, roomID string, doc *crdt.Doc) error
}

type creation struct {
	done chan struct{}
	room *Room
	err  error
}

// Registry owns the process-wide room map. Concurrent acquisitions of the
// same id observe a single in-flight creation, so at most one live Room
// exists per room id.
type Registry struct {
	log   *zap.Logger
	store Store

	// lifecycle hooks and instruments, set before first use
	RoomOpened func(roomID string)
	RoomClosed func(roomID string)
	Metrics    *metrics.Collectors

	mu      sync.Mutex
	rooms   map[string]*Room
	pending map[string]*creation
}

func NewRegistry(store Store, log *zap.Logger) *Registry {
	return &Registry{
		log:     log,
		store:   store,
		rooms:   make(map[string]*Room),
		pending: make(map[string]*creation),
	}
}

// GetOrCreate returns the live room for id, waiting out a concurrent
// creation or teardown when one is in flight.
func (reg *Registry) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	for {
		reg.mu.Lock()
		if r, ok := reg.rooms[id]; ok {
			if !r.Closing() {
				reg.mu.Unlock()
				return r, nil
			}
			done := r.Done()
			reg.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if c, ok := reg.pending[id]; ok {
			reg.mu.Unlock()
			select {
			case <-c.done:
				if c.err != nil {
					return nil, c.err
				}
				return c.room, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		c := &creation{done: make(chan struct{})}
		reg.pending[id] = c
		reg.mu.Unlock()

		c.room, c.err = reg.create(ctx, id)

		reg.mu.Lock()
		if c.err == nil {
			reg.rooms[id] = c.room
		}
		delete(reg.pending, id)
		reg.mu.Unlock()
		close(c.done)

		if c.err != nil {
			return nil, c.err
		}
		if reg.RoomOpened != nil {
			reg.RoomOpened(id)
		}
		return c.room, nil
	}
}

func (reg *Registry) create(ctx context.Context, id string) (*Room, error) {
	room := NewRoom(id)
	perms, err := reg.store.LoadProjectState(ctx, id, room.Doc)
	if err != nil {
		return nil, err
	}
	room.setPerms(perms)
	room.Wire(func(fctx context.Context) error {
		return reg.store.PersistProjectState(fctx, id, room.Doc)
	}, reg.Metrics, reg.log)
	reg.log.Info("room created", zap.String("room", id))
	return room, nil
}

// Get returns the live room for id without creating one.
func (reg *Registry) Get(id string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// Release tears the room down if its last socket has gone: cancels the
// persist timer, awaits a final flush, destroys the doc and presence
// registry, and removes the room from the map.
func (reg *Registry) Release(ctx context.Context, room *Room) {
	reg.mu.Lock()
	if reg.rooms[room.ID] != room || !room.markClosing() {
		reg.mu.Unlock()
		return
	}
	reg.mu.Unlock()

	if err := room.sched.FinalFlush(ctx); err != nil {
		reg.log.Error("final flush failed", zap.String("room", room.ID), zap.Error(err))
	}
	room.sched.Stop()
	room.Doc.Destroy()
	room.Awareness.Destroy()

	reg.mu.Lock()
	delete(reg.rooms, room.ID)
	reg.mu.Unlock()
	close(room.done)

	reg.log.Info("room destroyed", zap.String("room", room.ID))
	if reg.RoomClosed != nil {
		reg.RoomClosed(room.ID)
	}
}

// Rooms snapshots the live rooms.
func (reg *Registry) Rooms() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

// Shutdown flushes every live room and closes its sockets with the given
// close code.
func (reg *Registry) Shutdown(ctx context.Context, closeCode int) {
	for _, room := range reg.Rooms() {
		if err := room.sched.FinalFlush(ctx); err != nil {
			reg.log.Error("shutdown flush failed", zap.String("room", room.ID), zap.Error(err))
		}
		room.sched.Stop()
		room.CloseAll(closeCode, "server shutting down")
	}
}
