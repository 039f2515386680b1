package types

import (
	"encoding/json"
	"time"
)

type RoomStatus string

const (
	RoomActive  RoomStatus = "active"
	RoomWaiting RoomStatus = "waiting"
	RoomClosed  RoomStatus = "closed"
)

// Open reports whether the room still counts towards the one-open-room rule.
func (s RoomStatus) Open() bool {
	return s == RoomActive || s == RoomWaiting
}

type SenderKind string

const (
	SenderCustomer SenderKind = "customer"
	SenderStaff    SenderKind = "staff"
)

func (k SenderKind) Valid() bool {
	return k == SenderCustomer || k == SenderStaff
}

// OwnerKind selects which room column identifies the owner.
type OwnerKind string

const (
	OwnerUser    OwnerKind = "user"
	OwnerSession OwnerKind = "session"
)

type User struct {
	Id        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	IsStaff   bool      `json:"is_staff"`
	CreatedAt time.Time `json:"created_at"`
}

type Room struct {
	Id            string     `json:"id"`
	OwnerUserId   string     `json:"-"`
	SessionId     string     `json:"-"`
	DisplayName   string     `json:"display_name"`
	DisplayEmail  string     `json:"display_email"`
	Status        RoomStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt time.Time  `json:"last_message_at"`
}

func (r Room) MarshalJSON() ([]byte, error) {
	type room Room
	return json.Marshal(struct {
		room
		OwnerUserId *string `json:"owner_user_id"`
		Anonymous   bool    `json:"anonymous"`
	}{
		room:        room(r),
		OwnerUserId: nullable(r.OwnerUserId),
		Anonymous:   r.OwnerUserId == "",
	})
}

// RoomSummary is a room annotated with the unread count for the viewer.
type RoomSummary struct {
	Room
	UnreadCount int `json:"unread_count"`
}

func (s RoomSummary) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(s.Room)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["unread_count"] = s.UnreadCount

	return json.Marshal(fields)
}

type Message struct {
	Id           string     `json:"id"`
	RoomId       string     `json:"-"`
	SenderKind   SenderKind `json:"sender_kind"`
	SenderName   string     `json:"sender_name"`
	SenderUserId string     `json:"-"`
	Content      string     `json:"content"`
	CreatedAt    time.Time  `json:"created_at"`
	Read         bool       `json:"read"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	type message Message
	return json.Marshal(struct {
		message
		SenderUserId *string   `json:"sender_user_id"`
		CreatedAt    time.Time `json:"created_at"`
	}{
		message:      message(m),
		SenderUserId: nullable(m.SenderUserId),
		CreatedAt:    m.CreatedAt.UTC(),
	})
}

// Participant identifies someone in a room for presence and typing events.
type Participant struct {
	Kind   SenderKind `json:"kind"`
	Name   string     `json:"name"`
	UserId string     `json:"user_id,omitempty"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
