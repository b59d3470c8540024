// Package presence tracks which live connection belongs to which
// principal and routes targeted and broadcast sends. The presence index
// exists only in process memory; it is rebuilt naturally as clients
// reconnect.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/auth"
)

// Conn is one live client connection. Send must not block: transports
// queue into a bounded buffer and report a full or closed buffer as an
// error so the router can skip the connection.
type Conn interface {
	ID() string
	Send(event string, payload map[string]any) error
}

// RoomDirectory is the slice of the room manager the router needs:
// member resolution for room-addressed sends, and cleanup when a
// principal's last connection goes away.
type RoomDirectory interface {
	Members(roomID string) []string
	RemoveFromAllRooms(ctx context.Context, userID string)
}

type entry struct {
	conn      Conn
	principal auth.Principal
	connected time.Time
}

// Router is the presence and broadcast router.
type Router struct {
	mu      sync.RWMutex
	conns   map[string]*entry             // connID → entry
	users   map[string]map[string]Conn    // userID → connID → conn
	roles   map[auth.Role]map[string]Conn // role → connID → conn
	tenants map[string]map[string]Conn    // tenantID → connID → conn

	rooms RoomDirectory
	now   func() time.Time

	deliveredCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
}

func NewRouter(meter metric.Meter) *Router {
	delivered, _ := meter.Int64Counter("presence_events_delivered_total",
		metric.WithDescription("Events delivered to live connections"))
	dropped, _ := meter.Int64Counter("presence_events_dropped_total",
		metric.WithDescription("Events dropped due to dead or slow connections"))

	r := &Router{
		conns:            make(map[string]*entry),
		users:            make(map[string]map[string]Conn),
		roles:            make(map[auth.Role]map[string]Conn),
		tenants:          make(map[string]map[string]Conn),
		now:              time.Now,
		deliveredCounter: delivered,
		droppedCounter:   dropped,
	}

	liveConns, _ := meter.Int64ObservableGauge("presence_live_connections",
		metric.WithDescription("Currently registered connections"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(liveConns, int64(r.ConnectionCount()))
		return nil
	}, liveConns)

	return r
}

// Bind wires the room directory in after construction; the room manager
// and the router reference each other, so one of the two edges is late.
func (r *Router) Bind(rooms RoomDirectory) { r.rooms = rooms }

// Register records a live connection. A principal may hold any number of
// simultaneous connections (multi-device).
func (r *Router) Register(p auth.Principal, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID()] = &entry{conn: c, principal: p, connected: r.now()}
	if r.users[p.UserID] == nil {
		r.users[p.UserID] = make(map[string]Conn)
	}
	r.users[p.UserID][c.ID()] = c
	if r.roles[p.Role] == nil {
		r.roles[p.Role] = make(map[string]Conn)
	}
	r.roles[p.Role][c.ID()] = c
	if p.TenantID != "" {
		if r.tenants[p.TenantID] == nil {
			r.tenants[p.TenantID] = make(map[string]Conn)
		}
		r.tenants[p.TenantID][c.ID()] = c
	}

	slog.Debug("Connection registered", "user", p.UserID, "connId", c.ID(), "devices", len(r.users[p.UserID]))
}

// Unregister removes one connection. When it was the principal's last
// one, the user is removed from every room.
func (r *Router) Unregister(ctx context.Context, p auth.Principal, connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	wasLast := false
	if conns, ok := r.users[p.UserID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.users, p.UserID)
			wasLast = true
		}
	}
	if conns, ok := r.roles[p.Role]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.roles, p.Role)
		}
	}
	if p.TenantID != "" {
		if conns, ok := r.tenants[p.TenantID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.tenants, p.TenantID)
			}
		}
	}
	r.mu.Unlock()

	if wasLast && r.rooms != nil {
		slog.Debug("Last connection gone, leaving all rooms", "user", p.UserID)
		r.rooms.RemoveFromAllRooms(ctx, p.UserID)
	}
}

// SendToUser delivers to every live connection of one user. Zero live
// connections is a successful no-op.
func (r *Router) SendToUser(userID, event string, payload map[string]any) {
	r.mu.RLock()
	targets := collect(r.users[userID])
	r.mu.RUnlock()
	r.deliver(targets, event, payload)
}

// SendToRole delivers to every connection whose principal holds the role.
// This reads the presence index directly rather than role-room
// membership; the two stay consistent because every principal of a role
// is auto-joined to its role room.
func (r *Router) SendToRole(role auth.Role, event string, payload map[string]any) {
	r.mu.RLock()
	targets := collect(r.roles[role])
	r.mu.RUnlock()
	r.deliver(targets, event, payload)
}

// SendToTenant delivers to every connection scoped to the tenant.
func (r *Router) SendToTenant(tenantID, event string, payload map[string]any) {
	r.mu.RLock()
	targets := collect(r.tenants[tenantID])
	r.mu.RUnlock()
	r.deliver(targets, event, payload)
}

// SendToAll delivers to every live connection.
func (r *Router) SendToAll(event string, payload map[string]any) {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		targets = append(targets, e.conn)
	}
	r.mu.RUnlock()
	r.deliver(targets, event, payload)
}

// SendToRoom resolves the room's membership and delivers to every live
// connection of every member.
func (r *Router) SendToRoom(roomID, event string, payload map[string]any) {
	if r.rooms == nil {
		return
	}
	members := r.rooms.Members(roomID)
	if len(members) == 0 {
		return
	}
	r.mu.RLock()
	var targets []Conn
	for _, userID := range members {
		targets = append(targets, collect(r.users[userID])...)
	}
	r.mu.RUnlock()
	r.deliver(targets, event, payload)
}

// deliver stamps the server timestamp (overriding any caller-supplied
// one) and pushes to each target. A dead connection is logged and
// skipped; it never aborts delivery to the rest.
func (r *Router) deliver(targets []Conn, event string, payload map[string]any) {
	if len(targets) == 0 {
		return
	}

	enriched := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		enriched[k] = v
	}
	enriched["timestamp"] = r.now().UnixMilli()

	attrs := metric.WithAttributes(attribute.String("event", event))
	for _, c := range targets {
		if err := c.Send(event, enriched); err != nil {
			slog.Warn("Skipping undeliverable connection", "connId", c.ID(), "event", event, "error", err)
			r.droppedCounter.Add(context.Background(), 1, attrs)
			continue
		}
		r.deliveredCounter.Add(context.Background(), 1, attrs)
	}
}

// Connections returns the ids of the user's live connections.
func (r *Router) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

func (r *Router) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func collect(m map[string]Conn) []Conn {
	if len(m) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}
