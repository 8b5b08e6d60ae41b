package session

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"codehive/collab/internal/models"
)

// Client is one attached socket together with its connection context: the
// authenticated identity, the room it joined, and every awareness client-id
// it has ever claimed (so disconnect can revoke them).
type Client struct {
	Conn   *websocket.Conn
	User   models.User
	RoomID string

	mu        sync.Mutex
	hook      func(msgType int, data []byte)
	awareness map[uint32]struct{}
}

func NewClient(conn *websocket.Conn, user models.User, roomID string) *Client {
	return &Client{Conn: conn, User: user, RoomID: roomID, awareness: make(map[uint32]struct{})}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(msgType int, data []byte)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send writes one frame; send is fire-and-forget, write errors surface on
// the reader side of the connection.
func (c *Client) Send(msgType int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != nil {
		c.hook(msgType, data)
		return
	}
	if c.Conn == nil {
		return
	}
	_ = c.Conn.WriteMessage(msgType, data)
}

// SendJSON marshals v into a text frame.
func (c *Client) SendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Send(websocket.TextMessage, b)
}

// SendBinary writes a typed binary frame: the type byte followed by the
// payload.
func (c *Client) SendBinary(frameType byte, payload []byte) {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, frameType)
	frame = append(frame, payload...)
	c.Send(websocket.BinaryMessage, frame)
}

// ClaimAwareness records presence client-ids this socket has used.
func (c *Client) ClaimAwareness(ids []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.awareness[id] = struct{}{}
	}
}

// AwarenessIDs returns every claimed presence client-id.
func (c *Client) AwarenessIDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, 0, len(c.awareness))
	for id := range c.awareness {
		out = append(out, id)
	}
	return out
}
