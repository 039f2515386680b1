package hub

import "github.com/npezzotti/go-chathub/internal/types"

type EventType string

const (
	EventMessageCreated    EventType = "message-created"
	EventRoomUpgraded      EventType = "room-upgraded"
	EventRoomStatusChanged EventType = "room-status-changed"
	EventTyping            EventType = "typing"
	EventPresence          EventType = "presence"
)

const (
	TypingStarted = "started"
	TypingStopped = "stopped"

	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

// Event is a hub payload. It is serialized as-is onto the socket, so the
// type field doubles as the frame discriminant.
type Event struct {
	Type        EventType          `json:"type"`
	RoomId      string             `json:"room_id"`
	Message     *types.Message     `json:"message,omitempty"`
	Status      types.RoomStatus   `json:"status,omitempty"`
	DisplayName string             `json:"display_name,omitempty"`
	OwnerUserId string             `json:"owner_user_id,omitempty"`
	Who         *types.Participant `json:"who,omitempty"`
	State       string             `json:"state,omitempty"`
}

func MessageCreated(roomId string, msg types.Message) Event {
	return Event{Type: EventMessageCreated, RoomId: roomId, Message: &msg}
}

func RoomUpgraded(room types.Room) Event {
	return Event{
		Type:        EventRoomUpgraded,
		RoomId:      room.Id,
		DisplayName: room.DisplayName,
		OwnerUserId: room.OwnerUserId,
	}
}

func RoomStatusChanged(roomId string, status types.RoomStatus) Event {
	return Event{Type: EventRoomStatusChanged, RoomId: roomId, Status: status}
}

func Typing(roomId string, who types.Participant, state string) Event {
	return Event{Type: EventTyping, RoomId: roomId, Who: &who, State: state}
}

func Presence(roomId string, who types.Participant, state string) Event {
	return Event{Type: EventPresence, RoomId: roomId, Who: &who, State: state}
}
