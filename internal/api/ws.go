package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codehive/collab/internal/crdt"
	"codehive/collab/internal/models"
	"codehive/collab/internal/session"
	"codehive/collab/internal/utils"
)

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// originAllowed applies the configured allow-list; an empty list allows any
// origin (development mode).
func (h *Handlers) originAllowed(origin string) bool {
	if len(h.origins) == 0 {
		return true
	}
	if origin == "" {
		return false
	}
	for _, allowed := range h.origins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// CollabWS is the collaboration endpoint: handshake, initial snapshot,
// then the per-socket demultiplex loop.
func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if h.shuttingDown.Load() {
		closeWith(conn, 1012, "server shutting down")
		return
	}
	if !h.originAllowed(r.Header.Get("Origin")) {
		closeWith(conn, websocket.ClosePolicyViolation, "origin not allowed")
		return
	}
	query, _ := url.ParseQuery(r.URL.RawQuery)
	tokenStr := query.Get("token")
	roomID := query.Get("room")
	if tokenStr == "" || roomID == "" {
		closeWith(conn, websocket.ClosePolicyViolation, "token and room required")
		return
	}
	user, err := utils.VerifyToken(tokenStr, h.secret)
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "invalid token")
		return
	}
	if !roomIDPattern.MatchString(roomID) {
		closeWith(conn, websocket.ClosePolicyViolation, "invalid room id")
		return
	}

	client := session.NewClient(conn, user, roomID)
	room, err := h.joinRoom(r.Context(), roomID, client)
	if err != nil {
		h.log.Error("room init failed", zap.String("room", roomID), zap.Error(err))
		closeWith(conn, websocket.CloseInternalServerErr, "room initialization failed")
		return
	}
	h.met.ConnectionsActive.Inc()
	h.log.Info("socket connected",
		zap.String("room", roomID), zap.String("user", user.Username))

	client.SendJSON(models.WelcomeMessage{Type: "welcome", Message: "connected", RoomID: roomID, User: user})
	client.SendBinary(models.FrameSync, room.Doc.EncodeState())
	if room.Awareness.Count() > 0 {
		client.SendBinary(models.FrameAwareness, room.Awareness.EncodeAll())
	}

	defer h.disconnect(room, client)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			h.handleBinary(room, client, data)
		case websocket.TextMessage:
			h.handleText(room, client, data)
		}
	}
}

// joinRoom acquires the room and registers the socket, retrying when it
// races a teardown of the same room id.
func (h *Handlers) joinRoom(ctx context.Context, roomID string, client *session.Client) (*session.Room, error) {
	for {
		room, err := h.hub.GetOrCreate(ctx, roomID)
		if err != nil {
			return nil, err
		}
		room.Join(client)
		if !room.Closing() {
			return room, nil
		}
		room.Leave(client)
		select {
		case <-room.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *Handlers) handleBinary(room *session.Room, client *session.Client, data []byte) {
	if len(data) < 1 {
		return
	}
	payload := data[1:]
	switch data[0] {
	case models.FrameSync:
		if !room.EffectiveRole(client.User).AtLeast(models.RoleEditor) {
			client.SendJSON(models.ErrorMessage{Type: "error", Message: "insufficient permissions for editing"})
			return
		}
		if err := room.Doc.ApplyUpdate(payload, client); err != nil {
			return
		}
		h.met.UpdatesTotal.Inc()
		h.creditContribution(room, client.User.UserID, payload)
	case models.FrameAwareness:
		ids, err := crdt.ClientIDs(payload)
		if err != nil {
			return
		}
		client.ClaimAwareness(ids)
		_ = room.Awareness.ApplyUpdate(payload, client)
	}
}

// creditContribution accounts inserted characters to the sender's
// leaderboard counter. Server-originated, so it fans out to every socket.
func (h *Handlers) creditContribution(room *session.Room, userID string, update []byte) {
	n := crdt.CountInsertedRunes(update)
	if n == 0 {
		return
	}
	contrib := room.Doc.Map("editor:contrib:chars")
	room.Doc.Transact(nil, func() {
		cur, _ := contrib.Get(userID).(int64)
		contrib.Set(userID, cur+int64(n))
	})
}

type inboundChat struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (h *Handlers) handleText(room *session.Room, client *session.Client, data []byte) {
	if string(data) == "ping" {
		client.Send(websocket.TextMessage, []byte("pong"))
		return
	}
	var msg inboundChat
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "chat":
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return
		}
		room.BroadcastJSON(models.ChatMessage{
			Type:     "chat",
			ID:       uuid.NewString(),
			UserID:   client.User.UserID,
			Username: client.User.Username,
			Text:     text,
			SentAt:   time.Now().UTC().Format(time.RFC3339),
		})
	default:
		// unknown types drop silently
	}
}

func (h *Handlers) disconnect(room *session.Room, client *session.Client) {
	h.met.ConnectionsActive.Dec()
	room.Leave(client)
	if ids := client.AwarenessIDs(); len(ids) > 0 {
		room.Awareness.Remove(ids, client)
	}
	if room.ClientCount() == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.hub.Release(ctx, room)
	}
	h.log.Info("socket disconnected",
		zap.String("room", room.ID), zap.String("user", client.User.Username))
}
