package gateway

import (
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/presence"
	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/room"
)

// roomEventSink feeds room notifications into the presence router. It is
// the one-way half of the room/presence pairing: the router reads
// membership through its own directory interface.
type roomEventSink struct {
	router *presence.Router
}

// NewRoomSink returns the room.EventSink that delivers through the
// presence router.
func NewRoomSink(router *presence.Router) room.EventSink {
	return &roomEventSink{router: router}
}

func (s *roomEventSink) RoomEvent(roomID string, evt room.Event) {
	payload := map[string]any{
		"type":   string(evt.Type),
		"roomId": evt.RoomID,
		"userId": evt.UserID,
	}
	if len(evt.Data) > 0 {
		payload["data"] = evt.Data
	}
	s.router.SendToRoom(roomID, "room_event", payload)
}

func (s *roomEventSink) RoomDeleted(roomID string, members []string) {
	for _, userID := range members {
		s.router.SendToUser(userID, "room_deleted", map[string]any{
			"roomId": roomID,
		})
	}
}
