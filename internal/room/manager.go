package room

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/auth"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/store"
)

const (
	indexKey   = "rooms:index"
	roomKeyPfx = "room:"
	membersSfx = ":members"
	shardCount = 64
)

func defKey(roomID string) string     { return roomKeyPfx + roomID }
func membersKey(roomID string) string { return roomKeyPfx + roomID + membersSfx }

// Manager owns rooms and their membership. Mutations to the same room are
// serialized by a sharded lock; unrelated rooms proceed independently.
// Every mutation writes the store mirror first and only then commits to
// memory and emits the event, so a failed mirror write leaves nothing to
// roll back.
type Manager struct {
	st   store.Store
	sink EventSink
	now  func() time.Time

	mu        sync.RWMutex
	rooms     map[string]*Room
	members   map[string]map[string]bool // roomID → userIDs
	userRooms map[string]map[string]bool // userID → roomIDs

	shards [shardCount]sync.Mutex

	joinCounter  metric.Int64Counter
	leaveCounter metric.Int64Counter
}

func NewManager(st store.Store, sink EventSink, meter metric.Meter) *Manager {
	joinCounter, _ := meter.Int64Counter("room_joins_total",
		metric.WithDescription("Total room join operations that succeeded"))
	leaveCounter, _ := meter.Int64Counter("room_leaves_total",
		metric.WithDescription("Total room leave operations that succeeded"))

	m := &Manager{
		st:           st,
		sink:         sink,
		now:          time.Now,
		rooms:        make(map[string]*Room),
		members:      make(map[string]map[string]bool),
		userRooms:    make(map[string]map[string]bool),
		joinCounter:  joinCounter,
		leaveCounter: leaveCounter,
	}

	activeRooms, _ := meter.Int64ObservableGauge("room_active_rooms",
		metric.WithDescription("Number of rooms currently defined"))
	memberships, _ := meter.Int64ObservableGauge("room_total_memberships",
		metric.WithDescription("Total memberships across all rooms"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		rooms, members := m.counts()
		o.ObserveInt64(activeRooms, int64(rooms))
		o.ObserveInt64(memberships, int64(members))
		return nil
	}, activeRooms, memberships)

	return m
}

func (m *Manager) shard(roomID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return &m.shards[h.Sum32()%shardCount]
}

// LoadFromStore rebuilds the room map and both membership indexes from
// the store mirror. Run once at startup before accepting connections.
// Builds into temporary maps, then swaps.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	index, err := m.st.HGetAll(ctx, indexKey)
	if err != nil {
		return fmt.Errorf("load room index: %w", err)
	}

	rooms := make(map[string]*Room, len(index))
	members := make(map[string]map[string]bool, len(index))
	userRooms := make(map[string]map[string]bool)

	for id := range index {
		raw, err := m.st.Get(ctx, defKey(id))
		if err != nil {
			slog.Warn("Skipping room with unreadable definition", "room", id, "error", err)
			continue
		}
		var r Room
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			slog.Warn("Skipping room with corrupt definition", "room", id, "error", err)
			continue
		}
		mirror, err := m.st.HGetAll(ctx, membersKey(id))
		if err != nil {
			return fmt.Errorf("load members of %s: %w", id, err)
		}
		set := make(map[string]bool, len(mirror))
		for userID := range mirror {
			set[userID] = true
			if userRooms[userID] == nil {
				userRooms[userID] = make(map[string]bool)
			}
			userRooms[userID][id] = true
		}
		rooms[id] = &r
		members[id] = set
	}

	m.mu.Lock()
	m.rooms = rooms
	m.members = members
	m.userRooms = userRooms
	m.mu.Unlock()

	slog.Info("Hydrated rooms from store", "rooms", len(rooms))
	return nil
}

// EnsureDefaultRooms creates the per-role rooms and the system
// notification room. Run once at startup, after LoadFromStore.
func (m *Manager) EnsureDefaultRooms(ctx context.Context) error {
	for _, role := range auth.Roles {
		if _, err := m.CreateRoom(ctx, Spec{
			ID:       RoleRoomID(role),
			Name:     string(role) + " broadcasts",
			Type:     TypeRole,
			Metadata: map[string]string{"role": string(role)},
		}); err != nil {
			return err
		}
	}
	_, err := m.CreateRoom(ctx, Spec{
		ID:   SystemRoomID,
		Name: "System notifications",
		Type: TypeCustom,
	})
	return err
}

// CreateRoom registers a room. Idempotent: an existing id returns the
// existing room untouched, members included.
func (m *Manager) CreateRoom(ctx context.Context, spec Spec) (*Room, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("create room: empty id")
	}

	lock := m.shard(spec.ID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	existing := m.rooms[spec.ID]
	m.mu.RUnlock()
	if existing != nil {
		return existing, nil
	}

	r := &Room{
		ID:          spec.ID,
		Name:        spec.Name,
		Type:        spec.Type,
		Metadata:    spec.Metadata,
		IsPrivate:   spec.IsPrivate,
		MaxMembers:  spec.MaxMembers,
		Permissions: defaultPermissions(),
		CreatedAt:   m.now().UTC(),
		CreatedBy:   spec.CreatedBy,
	}
	if r.Name == "" {
		r.Name = spec.ID
	}
	if r.Type == "" {
		r.Type = TypeCustom
	}
	if spec.Permissions != nil {
		r.Permissions = *spec.Permissions
	}
	if len(spec.Allowed) > 0 {
		r.Allowed = make(map[string]bool, len(spec.Allowed))
		for _, u := range spec.Allowed {
			r.Allowed[u] = true
		}
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal room %s: %w", spec.ID, err)
	}
	if err := m.st.Set(ctx, defKey(spec.ID), string(raw), 0); err != nil {
		return nil, fmt.Errorf("mirror room %s: %w", spec.ID, err)
	}
	if err := m.st.HSet(ctx, indexKey, spec.ID, strconv.FormatInt(r.CreatedAt.UnixMilli(), 10)); err != nil {
		return nil, fmt.Errorf("index room %s: %w", spec.ID, err)
	}

	m.mu.Lock()
	m.rooms[spec.ID] = r
	m.members[spec.ID] = make(map[string]bool)
	m.mu.Unlock()

	slog.Info("Room created", "room", spec.ID, "type", r.Type, "by", spec.CreatedBy)
	return r, nil
}

// canJoin applies the join permission rules. Elevated roles bypass all of
// them.
func canJoin(p auth.Principal, r *Room) bool {
	if p.Role.Elevated() {
		return true
	}
	switch r.Type {
	case TypeRole:
		return r.Metadata["role"] == string(p.Role)
	case TypeTenant:
		return p.TenantID != "" && r.Metadata["tenantId"] == p.TenantID
	case TypeUser:
		return r.Metadata["userId"] == p.UserID
	default:
		if r.IsPrivate {
			return r.Allowed[p.UserID] || r.CreatedBy == p.UserID
		}
		return true
	}
}

// JoinRoom adds the principal to a room. It fails closed, with a
// machine-readable reason and no event, when the room is missing, full,
// not permitted, or the mirror write does not complete.
func (m *Manager) JoinRoom(ctx context.Context, p auth.Principal, roomID string) (bool, Deny) {
	lock := m.shard(roomID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	r := m.rooms[roomID]
	var size int
	var already bool
	if r != nil {
		size = len(m.members[roomID])
		already = m.members[roomID][p.UserID]
	}
	m.mu.RUnlock()

	if r == nil {
		return false, DenyNotFound
	}
	if already {
		return true, DenyNone
	}
	if r.MaxMembers > 0 && size >= r.MaxMembers {
		return false, DenyFull
	}
	if !canJoin(p, r) {
		return false, DenyPermission
	}

	ts := strconv.FormatInt(m.now().UnixMilli(), 10)
	if err := m.st.HSet(ctx, membersKey(roomID), p.UserID, ts); err != nil {
		slog.ErrorContext(ctx, "Join did not complete: mirror write failed", "room", roomID, "user", p.UserID, "error", err)
		return false, DenyUnavailable
	}

	m.mu.Lock()
	m.members[roomID][p.UserID] = true
	if m.userRooms[p.UserID] == nil {
		m.userRooms[p.UserID] = make(map[string]bool)
	}
	m.userRooms[p.UserID][roomID] = true
	m.mu.Unlock()

	m.joinCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("room_type", string(r.Type))))

	// Emitted under the room's shard lock so subscribers observe join and
	// leave events in completion order.
	m.sink.RoomEvent(roomID, Event{
		Type:      EventUserJoined,
		RoomID:    roomID,
		UserID:    p.UserID,
		Timestamp: m.now().UnixMilli(),
	})
	slog.DebugContext(ctx, "User joined room", "user", p.UserID, "room", roomID)
	return true, DenyNone
}

// LeaveRoom removes the principal from a room. No-op returning false when
// not a member.
func (m *Manager) LeaveRoom(ctx context.Context, p auth.Principal, roomID string) bool {
	lock := m.shard(roomID)
	lock.Lock()
	defer lock.Unlock()
	return m.leaveLocked(ctx, p.UserID, roomID)
}

// leaveLocked runs the mirror-first leave for one room. Caller must hold
// the room's shard lock.
func (m *Manager) leaveLocked(ctx context.Context, userID, roomID string) bool {
	m.mu.RLock()
	member := m.members[roomID][userID]
	m.mu.RUnlock()
	if !member {
		return false
	}

	if err := m.st.HDel(ctx, membersKey(roomID), userID); err != nil {
		slog.ErrorContext(ctx, "Leave did not complete: mirror write failed", "room", roomID, "user", userID, "error", err)
		return false
	}

	m.mu.Lock()
	delete(m.members[roomID], userID)
	if rooms, ok := m.userRooms[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(m.userRooms, userID)
		}
	}
	m.mu.Unlock()

	m.leaveCounter.Add(ctx, 1)
	m.sink.RoomEvent(roomID, Event{
		Type:      EventUserLeft,
		RoomID:    roomID,
		UserID:    userID,
		Timestamp: m.now().UnixMilli(),
	})
	slog.DebugContext(ctx, "User left room", "user", userID, "room", roomID)
	return true
}

// JoinDefaultRooms joins the principal's role room, its tenant room
// (created lazily on first member), and the system notification room.
// Called exactly once per new connection, after authentication.
func (m *Manager) JoinDefaultRooms(ctx context.Context, p auth.Principal) error {
	var errs []error

	if ok, deny := m.JoinRoom(ctx, p, RoleRoomID(p.Role)); !ok {
		errs = append(errs, fmt.Errorf("join %s: %s", RoleRoomID(p.Role), deny))
	}

	if p.TenantID != "" {
		tenantRoom := TenantRoomID(p.TenantID)
		if _, err := m.CreateRoom(ctx, Spec{
			ID:       tenantRoom,
			Name:     "Organization " + p.TenantID,
			Type:     TypeTenant,
			Metadata: map[string]string{"tenantId": p.TenantID},
		}); err != nil {
			errs = append(errs, err)
		} else if ok, deny := m.JoinRoom(ctx, p, tenantRoom); !ok {
			errs = append(errs, fmt.Errorf("join %s: %s", tenantRoom, deny))
		}
	}

	if ok, deny := m.JoinRoom(ctx, p, SystemRoomID); !ok {
		errs = append(errs, fmt.Errorf("join %s: %s", SystemRoomID, deny))
	}

	if len(errs) > 0 {
		return fmt.Errorf("join default rooms for %s: %v", p.UserID, errs)
	}
	return nil
}

// RemoveFromAllRooms removes the user from every room they are in,
// emitting user_left to each. Called when a principal's last live
// connection is gone.
func (m *Manager) RemoveFromAllRooms(ctx context.Context, userID string) {
	m.mu.RLock()
	rooms := make([]string, 0, len(m.userRooms[userID]))
	for roomID := range m.userRooms[userID] {
		rooms = append(rooms, roomID)
	}
	m.mu.RUnlock()

	for _, roomID := range rooms {
		lock := m.shard(roomID)
		lock.Lock()
		m.leaveLocked(ctx, userID, roomID)
		lock.Unlock()
	}
	if len(rooms) > 0 {
		slog.DebugContext(ctx, "Removed user from all rooms", "user", userID, "rooms", len(rooms))
	}
}

// DeleteRoom evicts all members, notifying each, then removes the room.
// Returns false when the room does not exist or the mirror deletion does
// not complete. Admin action only; rooms are never deleted automatically.
func (m *Manager) DeleteRoom(ctx context.Context, roomID string) bool {
	lock := m.shard(roomID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	r := m.rooms[roomID]
	evicted := make([]string, 0, len(m.members[roomID]))
	for userID := range m.members[roomID] {
		evicted = append(evicted, userID)
	}
	m.mu.RUnlock()
	if r == nil {
		return false
	}

	if err := m.st.Del(ctx, defKey(roomID), membersKey(roomID)); err != nil {
		slog.ErrorContext(ctx, "Delete did not complete: mirror write failed", "room", roomID, "error", err)
		return false
	}
	if err := m.st.HDel(ctx, indexKey, roomID); err != nil {
		slog.ErrorContext(ctx, "Failed to unindex deleted room", "room", roomID, "error", err)
	}

	m.mu.Lock()
	delete(m.rooms, roomID)
	delete(m.members, roomID)
	for _, userID := range evicted {
		if rooms, ok := m.userRooms[userID]; ok {
			delete(rooms, roomID)
			if len(rooms) == 0 {
				delete(m.userRooms, userID)
			}
		}
	}
	m.mu.Unlock()

	m.sink.RoomDeleted(roomID, evicted)
	slog.Info("Room deleted", "room", roomID, "evicted", len(evicted))
	return true
}

// PublishEvent emits a transient message/announcement/custom event to a
// room on behalf of a member. Nothing is persisted.
func (m *Manager) PublishEvent(p auth.Principal, roomID string, typ EventType, data map[string]any) (bool, Deny) {
	m.mu.RLock()
	r := m.rooms[roomID]
	member := m.members[roomID][p.UserID]
	m.mu.RUnlock()

	if r == nil {
		return false, DenyNotFound
	}
	if !member && !p.Role.Elevated() {
		return false, DenyPermission
	}
	if typ == EventMessage && !r.Permissions.CanMessage {
		return false, DenyPermission
	}

	m.sink.RoomEvent(roomID, Event{
		Type:      typ,
		RoomID:    roomID,
		UserID:    p.UserID,
		Data:      data,
		Timestamp: m.now().UnixMilli(),
	})
	return true, DenyNone
}

// Get returns a copy of the room definition.
func (m *Manager) Get(roomID string) (Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.rooms[roomID]
	if r == nil {
		return Room{}, false
	}
	return *r, true
}

// Members returns the current member ids of a room.
func (m *Manager) Members(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.members[roomID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for userID := range set {
		out = append(out, userID)
	}
	return out
}

// UserRooms returns every room the user is currently a member of.
func (m *Manager) UserRooms(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.userRooms[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for roomID := range set {
		out = append(out, roomID)
	}
	return out
}

func (m *Manager) counts() (rooms, memberships int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, set := range m.members {
		memberships += len(set)
	}
	return len(m.rooms), memberships
}
