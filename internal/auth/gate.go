package auth

import (
	"fmt"

	"github.com/npezzotti/go-chathub/internal/types"
)

// CanJoinStaff guards the staff socket.
func CanJoinStaff(p types.Principal) error {
	if !p.IsStaff() {
		return fmt.Errorf("%w: staff only", ErrForbidden)
	}
	return nil
}

// CanAccessRoom guards joining a customer socket, reading history and
// reading unread counts for room.
func CanAccessRoom(p types.Principal, room types.Room) error {
	if p.IsStaff() || Owns(p, room) {
		return nil
	}
	return fmt.Errorf("%w: room %s", ErrForbidden, room.Id)
}

// CanSendCustomer guards customer messages: only the owner may send.
func CanSendCustomer(p types.Principal, room types.Room) error {
	if !Owns(p, room) {
		return fmt.Errorf("%w: not the owner of room %s", ErrForbidden, room.Id)
	}
	return nil
}

// CanSendStaff guards admin messages and other staff actions.
func CanSendStaff(p types.Principal) error {
	return CanJoinStaff(p)
}

// Owns reports whether p is the customer identity the room belongs to. A
// claimed room keeps its session id, so the original anonymous session still
// owns it alongside the user.
func Owns(p types.Principal, room types.Room) bool {
	switch p.Kind {
	case types.PrincipalCustomer:
		return p.UserId != "" && room.OwnerUserId == p.UserId
	case types.PrincipalAnonymous:
		return p.SessionId != "" && room.SessionId == p.SessionId
	default:
		return false
	}
}
