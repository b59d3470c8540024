// Package room owns room definitions and membership. The in-memory maps
// are the source of truth while the process runs; every mutation is
// mirrored to the shared state store so membership survives restarts.
package room

import (
	"time"

	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/auth"
)

// Type classifies how a room is addressed and who may join it.
type Type string

const (
	TypeUser   Type = "user"
	TypeRole   Type = "role"
	TypeTenant Type = "tenant"
	TypeCustom Type = "custom"
)

// EventType enumerates membership and message notifications.
type EventType string

const (
	EventUserJoined   EventType = "user_joined"
	EventUserLeft     EventType = "user_left"
	EventMessage      EventType = "message"
	EventAnnouncement EventType = "announcement"
	EventCustom       EventType = "custom"
)

// Permissions are the room-level capability flags.
type Permissions struct {
	CanInvite      bool `json:"canInvite"`
	CanMessage     bool `json:"canMessage"`
	CanViewHistory bool `json:"canViewHistory"`
}

// defaultPermissions applies when a room spec omits permissions.
func defaultPermissions() Permissions {
	return Permissions{CanInvite: false, CanMessage: true, CanViewHistory: true}
}

// Room is an addressable broadcast target. Membership lives in the
// manager's maps, not here; Room carries only the definition.
type Room struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        Type              `json:"type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IsPrivate   bool              `json:"isPrivate"`
	MaxMembers  int               `json:"maxMembers,omitempty"` // 0 = unbounded
	Permissions Permissions       `json:"permissions"`
	// Allowed is the explicit allow-list consulted for private custom rooms.
	Allowed   map[string]bool `json:"allowed,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	CreatedBy string          `json:"createdBy,omitempty"`
}

// Spec describes a room to create. Zero-valued fields get defaults.
type Spec struct {
	ID          string
	Name        string
	Type        Type
	Metadata    map[string]string
	IsPrivate   bool
	MaxMembers  int
	Permissions *Permissions
	Allowed     []string
	CreatedBy   string
}

// Event is a transient membership or message notification delivered to a
// room's members. It is never persisted.
type Event struct {
	Type      EventType      `json:"type"`
	RoomID    string         `json:"roomId"`
	UserID    string         `json:"userId"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Deny is the machine-readable reason a room operation was refused.
type Deny string

const (
	DenyNone        Deny = ""
	DenyNotFound    Deny = "not_found"
	DenyFull        Deny = "room_full"
	DenyPermission  Deny = "permission_denied"
	DenyUnavailable Deny = "unavailable"
)

// EventSink receives room notifications for delivery. The manager decides
// who is notified; the sink decides how.
type EventSink interface {
	RoomEvent(roomID string, evt Event)
	RoomDeleted(roomID string, members []string)
}

// Well-known room identifiers.
const SystemRoomID = "system:notifications"

func RoleRoomID(r auth.Role) string { return "role:" + string(r) }

func TenantRoomID(tenantID string) string { return "tenant:" + tenantID }
