package session

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codehive/collab/internal/crdt"
	"codehive/collab/internal/metrics"
	"codehive/collab/internal/models"
)

// Room holds one project's live collaboration state: the CRDT document, the
// presence registry, the attached sockets, the effective permission
// overrides, and the persist scheduler.
type Room struct {
	ID        string
	Doc       *crdt.Doc
	Awareness *crdt.Awareness

	mu      sync.Mutex
	clients map[*Client]struct{}
	perms   map[string]models.Role
	closing bool

	sched *PersistScheduler
	done  chan struct{}
}

func NewRoom(id string) *Room {
	return &Room{
		ID:        id,
		Doc:       crdt.NewDoc(),
		Awareness: crdt.NewAwareness(),
		clients:   make(map[*Client]struct{}),
		perms:     make(map[string]models.Role),
		done:      make(chan struct{}),
	}
}

// Wire attaches the doc and awareness observers and the persist scheduler.
// Called once, after the initial load, so the loaded snapshot does not
// broadcast or schedule a persist.
func (r *Room) Wire(flush FlushFunc, met *metrics.Collectors, log *zap.Logger) {
	r.sched = NewPersistScheduler(flush, log.With(zap.String("room", r.ID)), met)
	r.Doc.OnUpdate(func(update []byte, origin any) {
		r.BroadcastBinary(origin, models.FrameSync, update)
		r.sched.ScheduleFlush()
	})
	r.Awareness.OnUpdate(func(update []byte, origin any) {
		r.BroadcastBinary(origin, models.FrameAwareness, update)
	})
}

// Scheduler exposes the room's persist scheduler.
func (r *Room) Scheduler() *PersistScheduler { return r.sched }

func (r *Room) Join(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = struct{}{}
}

func (r *Room) Leave(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
	return len(r.clients)
}

func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// BroadcastBinary sends a typed binary frame to every attached socket
// except the origin.
func (r *Room) BroadcastBinary(origin any, frameType byte, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		if c == origin {
			continue
		}
		c.SendBinary(frameType, payload)
	}
}

// BroadcastJSON sends a text frame to every attached socket, the sender
// included.
func (r *Room) BroadcastJSON(v any) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.SendJSON(v)
	}
}

// CloseAll closes every attached socket with the given close code.
func (r *Room) CloseAll(code int, reason string) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	for _, c := range clients {
		if c.Conn != nil {
			_ = c.Conn.WriteMessage(websocket.CloseMessage, msg)
			_ = c.Conn.Close()
		}
	}
}

// EffectiveRole resolves a user's authority: the room override when present,
// the token role otherwise.
func (r *Room) EffectiveRole(user models.User) models.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role, ok := r.perms[user.UserID]; ok {
		return role
	}
	return user.Role
}

// SetPerm overrides one user's role for this room.
func (r *Room) SetPerm(userID string, role models.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perms[userID] = role
}

func (r *Room) setPerms(perms map[string]models.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, role := range perms {
		r.perms[userID] = role
	}
}

// Perms returns a copy of the permission overrides.
func (r *Room) Perms() map[string]models.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]models.Role, len(r.perms))
	for k, v := range r.perms {
		out[k] = v
	}
	return out
}

func (r *Room) markClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing || len(r.clients) > 0 {
		return false
	}
	r.closing = true
	return true
}

func (r *Room) Closing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// Done is closed once the room has been fully torn down.
func (r *Room) Done() <-chan struct{} { return r.done }
