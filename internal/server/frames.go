package server

import (
	"encoding/json"
	"errors"

	"github.com/npezzotti/go-chathub/internal/auth"
	"github.com/npezzotti/go-chathub/internal/database"
	"github.com/npezzotti/go-chathub/internal/types"
)

// Inbound frame types.
const (
	FrameChatMessage     = "chat_message"
	FrameTyping          = "typing"
	FrameMarkRead        = "mark_read"
	FramePing            = "ping"
	FrameSubscribeRoom   = "subscribe_room"
	FrameUnsubscribeRoom = "unsubscribe_room"
	FrameAdminMessage    = "admin_message"
	FrameCloseRoom       = "close_room"
)

// Outbound frame types not carried by the hub.
const (
	FrameRoomInfo       = "room-info"
	FrameRoomList       = "room-list"
	FramePong           = "pong"
	FrameWarning        = "warning"
	FrameError          = "error"
	FrameServerShutdown = "server-shutting-down"
)

// Error codes carried by error frames.
const (
	CodeNotFound  = "not_found"
	CodeClosed    = "closed"
	CodeConflict  = "conflict"
	CodeInvalid   = "invalid"
	CodeForbidden = "forbidden"
	CodeTransient = "transient"
)

// ClientFrame is the union of every inbound frame. Id is an optional client
// correlation value echoed back as request_id.
type ClientFrame struct {
	Type    string          `json:"type"`
	Id      json.RawMessage `json:"id,omitempty"`
	RoomId  string          `json:"room_id,omitempty"`
	Content string          `json:"content,omitempty"`
	State   string          `json:"state,omitempty"`
	UpTo    string          `json:"up_to,omitempty"`
}

// parseFrame rejects anything that is not a JSON object with a type.
func parseFrame(raw []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ClientFrame{}, err
	}
	if f.Type == "" {
		return ClientFrame{}, errors.New("frame has no type")
	}
	return f, nil
}

type RoomInfoFrame struct {
	Type        string              `json:"type"`
	Room        types.Room          `json:"room"`
	Messages    []types.Message     `json:"messages"`
	Online      []types.Participant `json:"online"`
	UnreadCount int                 `json:"unread_count"`
}

type RoomListFrame struct {
	Type  string              `json:"type"`
	Rooms []types.RoomSummary `json:"rooms"`
}

type PongFrame struct {
	Type      string          `json:"type"`
	RequestId json.RawMessage `json:"request_id,omitempty"`
}

type WarningFrame struct {
	Type      string          `json:"type"`
	RequestId json.RawMessage `json:"request_id,omitempty"`
	Message   string          `json:"message"`
}

type ErrorFrame struct {
	Type      string          `json:"type"`
	RequestId json.RawMessage `json:"request_id,omitempty"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

type ShutdownFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func pong(f ClientFrame) PongFrame {
	return PongFrame{Type: FramePong, RequestId: f.Id}
}

func warning(f ClientFrame, msg string) WarningFrame {
	return WarningFrame{Type: FrameWarning, RequestId: f.Id, Message: msg}
}

func errorFrame(f ClientFrame, code, msg string) ErrorFrame {
	return ErrorFrame{Type: FrameError, RequestId: f.Id, Code: code, Message: msg}
}

// storeError maps a store or gate error onto an error frame. Anything that is
// not a known domain error is reported as retryable.
func storeError(f ClientFrame, err error) ErrorFrame {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return errorFrame(f, CodeNotFound, "not found")
	case errors.Is(err, database.ErrClosed):
		return errorFrame(f, CodeClosed, "room is closed")
	case errors.Is(err, database.ErrConflict):
		return errorFrame(f, CodeConflict, "conflict")
	case errors.Is(err, database.ErrInvalid):
		return errorFrame(f, CodeInvalid, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		return errorFrame(f, CodeForbidden, "forbidden")
	default:
		ef := errorFrame(f, CodeTransient, "temporarily unavailable, try again")
		ef.Retryable = true
		return ef
	}
}
