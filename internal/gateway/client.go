package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/auth"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/room"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxMessageSize = 16 * 1024
)

var errSendBufferFull = errors.New("send buffer full")

// wireEvent is the outbound envelope: {"event": name, "data": payload}.
type wireEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// clientEvent is the inbound envelope.
type clientEvent struct {
	Type   string         `json:"type"`
	Token  string         `json:"token,omitempty"`
	RoomID string         `json:"roomId,omitempty"`
	Status string         `json:"status,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

var validStatuses = map[string]bool{
	"online": true, "away": true, "busy": true, "offline": true,
}

// client is one authenticated WebSocket connection. It satisfies the
// router's Conn: Send queues into a bounded buffer and reports a full or
// closed buffer as an error instead of blocking.
type client struct {
	id        string
	principal auth.Principal
	sock      *websocket.Conn
	srv       *Server

	send chan wireEvent
	done chan struct{}
}

func newClient(srv *Server, sock *websocket.Conn, p auth.Principal) *client {
	return &client{
		id:        uuid.NewString(),
		principal: p,
		sock:      sock,
		srv:       srv,
		send:      make(chan wireEvent, srv.cfg.WriteBuffer),
		done:      make(chan struct{}),
	}
}

func (c *client) ID() string { return c.id }

func (c *client) Send(event string, payload map[string]any) error {
	select {
	case c.send <- wireEvent{Event: event, Data: payload}:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		return errSendBufferFull
	}
}

// run drives both pumps and unregisters on exit. Blocks until the socket
// is gone.
func (c *client) run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)

	close(c.done)
	c.srv.router.Unregister(ctx, c.principal, c.id)
	slog.Debug("Connection closed", "user", c.principal.UserID, "connId", c.id)
}

func (c *client) readPump(ctx context.Context) {
	defer c.sock.Close()

	c.sock.SetReadLimit(maxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Unexpected socket close", "user", c.principal.UserID, "error", err)
			}
			return
		}

		var evt clientEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.Send("error", map[string]any{"message": "invalid event"})
			continue
		}
		c.handleEvent(ctx, evt)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.sock.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleEvent routes one inbound client event. Every event counts
// against the per-user sliding-window budget.
func (c *client) handleEvent(ctx context.Context, evt clientEvent) {
	res := c.srv.limiter.CheckSlidingWindow(ctx, "events:"+c.principal.UserID, c.srv.eventLimit())
	if !res.Allowed {
		c.Send("rate_limited", map[string]any{
			"retryAfterMs": res.RetryAfter.Milliseconds(),
		})
		return
	}

	switch evt.Type {
	case "room:join":
		if evt.RoomID == "" {
			c.Send("error", map[string]any{"message": "roomId required"})
			return
		}
		if ok, deny := c.srv.rooms.JoinRoom(ctx, c.principal, evt.RoomID); !ok {
			c.roomError(evt.RoomID, deny)
		}

	case "room:leave":
		c.srv.rooms.LeaveRoom(ctx, c.principal, evt.RoomID)

	case "room:message":
		if ok, deny := c.srv.rooms.PublishEvent(c.principal, evt.RoomID, room.EventMessage, evt.Data); !ok {
			c.roomError(evt.RoomID, deny)
		}

	case "dashboard:subscribe":
		c.subscribeTenantFeed(ctx, "dashboard:", "Dashboard")

	case "dashboard:unsubscribe":
		if c.principal.TenantID != "" {
			c.srv.rooms.LeaveRoom(ctx, c.principal, "dashboard:"+c.principal.TenantID)
		}

	case "activity:subscribe":
		c.subscribeTenantFeed(ctx, "activity:", "Activity feed")

	case "activity:unsubscribe":
		if c.principal.TenantID != "" {
			c.srv.rooms.LeaveRoom(ctx, c.principal, "activity:"+c.principal.TenantID)
		}

	case "notifications:subscribe":
		// Idempotent: every principal is already joined at connect.
		if ok, deny := c.srv.rooms.JoinRoom(ctx, c.principal, room.SystemRoomID); !ok {
			c.roomError(room.SystemRoomID, deny)
		}

	case "typing:start", "typing:stop":
		if evt.RoomID == "" {
			c.Send("error", map[string]any{"message": "roomId required"})
			return
		}
		typing := evt.Type == "typing:start"
		if ok, deny := c.srv.rooms.PublishEvent(c.principal, evt.RoomID, room.EventCustom,
			map[string]any{"typing": typing}); !ok {
			c.roomError(evt.RoomID, deny)
		}

	case "status:update":
		if !validStatuses[evt.Status] {
			c.Send("error", map[string]any{"message": "invalid status"})
			return
		}
		payload := map[string]any{
			"userId": c.principal.UserID,
			"status": evt.Status,
		}
		for _, roomID := range c.srv.rooms.UserRooms(c.principal.UserID) {
			c.srv.router.SendToRoom(roomID, "presence:status", payload)
		}

	default:
		c.Send("error", map[string]any{"message": "unknown event type: " + evt.Type})
	}
}

// subscribeTenantFeed joins a tenant-scoped feed room, creating it on
// first subscriber. The room carries the tenant join rule, so cross-org
// subscriptions are refused.
func (c *client) subscribeTenantFeed(ctx context.Context, prefix, name string) {
	if c.principal.TenantID == "" {
		c.Send("error", map[string]any{"message": "no organization scope"})
		return
	}
	roomID := prefix + c.principal.TenantID
	if _, err := c.srv.rooms.CreateRoom(ctx, room.Spec{
		ID:       roomID,
		Name:     name + " " + c.principal.TenantID,
		Type:     room.TypeTenant,
		Metadata: map[string]string{"tenantId": c.principal.TenantID},
	}); err != nil {
		c.roomError(roomID, room.DenyUnavailable)
		return
	}
	if ok, deny := c.srv.rooms.JoinRoom(ctx, c.principal, roomID); !ok {
		c.roomError(roomID, deny)
	}
}

func (c *client) roomError(roomID string, deny room.Deny) {
	c.Send("room_error", map[string]any{
		"type":    string(deny),
		"message": denyMessages[deny],
		"roomId":  roomID,
	})
}

var denyMessages = map[room.Deny]string{
	room.DenyNotFound:    "room does not exist",
	room.DenyFull:        "room is at capacity",
	room.DenyPermission:  "not allowed to join this room",
	room.DenyUnavailable: "room state temporarily unavailable",
}
