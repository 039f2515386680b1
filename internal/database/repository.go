package database

import (
	"context"

	"github.com/npezzotti/go-chathub/internal/types"
)

// ChatRepository persists rooms and messages. Every method is atomic with
// respect to concurrent callers.
type ChatRepository interface {
	Ping(ctx context.Context) error
	CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error)
	GetRoom(ctx context.Context, roomId string) (types.Room, error)
	FindActiveRoom(ctx context.Context, kind types.OwnerKind, ref string) (types.Room, bool, error)
	ClaimAnonymousRoom(ctx context.Context, params ClaimRoomParams) (types.Room, error)
	AppendMessage(ctx context.Context, params AppendMessageParams) (AppendResult, error)
	ListMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error)
	MarkRead(ctx context.Context, roomId, upToMessageId string, by types.SenderKind) (int, error)
	UnreadCount(ctx context.Context, roomId string, forKind types.SenderKind) (int, error)
	ListRoomsForStaff(ctx context.Context) ([]types.Room, error)
	ListRoomsForOwner(ctx context.Context, kind types.OwnerKind, ref string) ([]types.Room, error)
	CloseRoom(ctx context.Context, roomId string) (types.Room, bool, error)
}

// UserDirectory resolves user ids to accounts.
type UserDirectory interface {
	GetUser(ctx context.Context, userId string) (types.User, error)
}

// AccountRepository adds account creation and the credential lookup used by
// the login endpoint.
type AccountRepository interface {
	UserDirectory
	CreateAccount(ctx context.Context, params CreateAccountParams) (types.User, error)
	GetAccountByEmail(ctx context.Context, email string) (types.User, string, error)
}
