package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel carries room lifecycle events for interested services
// (activity feeds, session history).
const Channel = "collab:rooms"

type RoomEvent struct {
	Event  string `json:"event"`
	RoomID string `json:"roomId"`
	At     string `json:"at"`
}

// Publisher fans room lifecycle events out over Redis pub/sub. With no
// address configured it is inert.
type Publisher struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewPublisher(addr string, log *zap.Logger) *Publisher {
	p := &Publisher{log: log}
	if addr != "" {
		p.rdb = redis.NewClient(&redis.Options{Addr: addr})
	}
	return p
}

func (p *Publisher) publish(event, roomID string) {
	if p.rdb == nil {
		return
	}
	payload, _ := json.Marshal(RoomEvent{
		Event:  event,
		RoomID: roomID,
		At:     time.Now().UTC().Format(time.RFC3339),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.rdb.Publish(ctx, Channel, payload).Err(); err != nil {
		p.log.Warn("room event publish failed", zap.String("room", roomID), zap.Error(err))
	}
}

// RoomOpened announces a freshly created room.
func (p *Publisher) RoomOpened(roomID string) { p.publish("room_opened", roomID) }

// RoomClosed announces a destroyed room.
func (p *Publisher) RoomClosed(roomID string) { p.publish("room_closed", roomID) }

// Close releases the Redis connection.
func (p *Publisher) Close() {
	if p.rdb != nil {
		_ = p.rdb.Close()
	}
}
