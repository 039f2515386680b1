package database

import (
	"context"

	"github.com/npezzotti/go-chathub/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	args := m.Called(params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	args := m.Called(roomId)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) FindActiveRoom(ctx context.Context, kind types.OwnerKind, ref string) (types.Room, bool, error) {
	args := m.Called(kind, ref)
	return args.Get(0).(types.Room), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) ClaimAnonymousRoom(ctx context.Context, params ClaimRoomParams) (types.Room, error) {
	args := m.Called(params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (AppendResult, error) {
	args := m.Called(params)
	return args.Get(0).(AppendResult), args.Error(1)
}
func (m *MockChatRepository) ListMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error) {
	args := m.Called(roomId, limit)
	return args.Get(0).([]types.Message), args.Error(1)
}
func (m *MockChatRepository) MarkRead(ctx context.Context, roomId, upToMessageId string, by types.SenderKind) (int, error) {
	args := m.Called(roomId, upToMessageId, by)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) UnreadCount(ctx context.Context, roomId string, forKind types.SenderKind) (int, error) {
	args := m.Called(roomId, forKind)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) ListRoomsForStaff(ctx context.Context) ([]types.Room, error) {
	args := m.Called()
	return args.Get(0).([]types.Room), args.Error(1)
}
func (m *MockChatRepository) ListRoomsForOwner(ctx context.Context, kind types.OwnerKind, ref string) ([]types.Room, error) {
	args := m.Called(kind, ref)
	return args.Get(0).([]types.Room), args.Error(1)
}
func (m *MockChatRepository) CloseRoom(ctx context.Context, roomId string) (types.Room, bool, error) {
	args := m.Called(roomId)
	return args.Get(0).(types.Room), args.Bool(1), args.Error(2)
}

type MockAccountRepository struct {
	mock.Mock
}

func (m *MockAccountRepository) GetUser(ctx context.Context, userId string) (types.User, error) {
	args := m.Called(userId)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockAccountRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (types.User, error) {
	args := m.Called(params)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockAccountRepository) GetAccountByEmail(ctx context.Context, email string) (types.User, string, error) {
	args := m.Called(email)
	return args.Get(0).(types.User), args.String(1), args.Error(2)
}
