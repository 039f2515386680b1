package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-chathub/internal/types"
)

type memRoom struct {
	mu       sync.Mutex
	room     types.Room
	messages []types.Message
}

// MemoryChatRepository is a process-local ChatRepository. The room index is
// guarded by mu; appends and read-state changes only lock the room itself.
type MemoryChatRepository struct {
	mu        sync.RWMutex
	rooms     map[string]*memRoom
	byUser    map[string]string
	bySession map[string]string
	now       func() time.Time
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		rooms:     make(map[string]*memRoom),
		byUser:    make(map[string]string),
		bySession: make(map[string]string),
		now:       time.Now,
	}
}

func (s *MemoryChatRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	if err := params.validate(); err != nil {
		return types.Room{}, err
	}
	if err := ctx.Err(); err != nil {
		return types.Room{}, transient("create room", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.index(params.OwnerKind)
	if _, ok := index[params.OwnerRef]; ok {
		return types.Room{}, ErrConflict
	}

	id, err := newRoomId()
	if err != nil {
		return types.Room{}, transient("create room", err)
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	room := types.Room{
		Id:            id,
		DisplayName:   params.DisplayName,
		DisplayEmail:  params.DisplayEmail,
		Status:        types.RoomActive,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	if params.OwnerKind == types.OwnerUser {
		room.OwnerUserId = params.OwnerRef
	} else {
		room.SessionId = params.OwnerRef
	}

	s.rooms[id] = &memRoom{room: room}
	index[params.OwnerRef] = id

	return room, nil
}

func (s *MemoryChatRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	r, err := s.lookup(roomId)
	if err != nil {
		return types.Room{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room, nil
}

func (s *MemoryChatRepository) FindActiveRoom(ctx context.Context, kind types.OwnerKind, ref string) (types.Room, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findActiveLocked(kind, ref)
}

func (s *MemoryChatRepository) findActiveLocked(kind types.OwnerKind, ref string) (types.Room, bool, error) {
	index := s.index(kind)
	if index == nil {
		return types.Room{}, false, fmt.Errorf("%w: unknown owner kind %q", ErrInvalid, kind)
	}

	id, ok := index[ref]
	if !ok {
		return types.Room{}, false, nil
	}

	r := s.rooms[id]
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room, true, nil
}

func (s *MemoryChatRepository) ClaimAnonymousRoom(ctx context.Context, params ClaimRoomParams) (types.Room, error) {
	if err := params.validate(); err != nil {
		return types.Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A user never ends up with two open rooms; an existing one wins.
	target := ""
	if id, ok := s.byUser[params.UserId]; ok {
		target = id
	} else if id, ok := s.bySession[params.SessionId]; ok {
		target = id
		delete(s.bySession, params.SessionId)
		s.byUser[params.UserId] = id
	}

	if target == "" {
		id, err := newRoomId()
		if err != nil {
			return types.Room{}, transient("claim room", err)
		}
		now := s.now().UTC().Truncate(time.Microsecond)
		room := types.Room{
			Id:            id,
			OwnerUserId:   params.UserId,
			DisplayName:   params.DisplayName,
			DisplayEmail:  params.DisplayEmail,
			Status:        types.RoomActive,
			CreatedAt:     now,
			LastMessageAt: now,
		}
		s.rooms[id] = &memRoom{room: room}
		s.byUser[params.UserId] = id
		return room, nil
	}

	r := s.rooms[target]
	r.mu.Lock()
	defer r.mu.Unlock()

	r.room.OwnerUserId = params.UserId
	r.room.DisplayName = params.DisplayName
	r.room.DisplayEmail = params.DisplayEmail
	return r.room, nil
}

func (s *MemoryChatRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (AppendResult, error) {
	if err := params.validate(); err != nil {
		return AppendResult{}, err
	}

	r, err := s.lookup(params.RoomId)
	if err != nil {
		return AppendResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return AppendResult{}, transient("append message", err)
	}
	if r.room.Status == types.RoomClosed {
		return AppendResult{}, ErrClosed
	}

	msg := types.Message{
		Id:           newMessageId(),
		RoomId:       r.room.Id,
		SenderKind:   params.SenderKind,
		SenderName:   params.SenderName,
		SenderUserId: params.SenderUserId,
		Content:      params.Content,
		CreatedAt:    nextTimestamp(r.room.LastMessageAt, s.now()),
		Read:         params.SenderKind == types.SenderStaff,
	}

	res := AppendResult{
		Message:    msg,
		PrevStatus: r.room.Status,
		Status:     nextStatus(r.room.Status, params.SenderKind),
	}

	r.messages = append(r.messages, msg)
	r.room.LastMessageAt = msg.CreatedAt
	r.room.Status = res.Status

	return res, nil
}

func (s *MemoryChatRepository) ListMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error) {
	r, err := s.lookup(roomId)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	r.mu.Lock()
	defer r.mu.Unlock()

	start := max(len(r.messages)-limit, 0)
	return slices.Clone(r.messages[start:]), nil
}

func (s *MemoryChatRepository) MarkRead(ctx context.Context, roomId, upToMessageId string, by types.SenderKind) (int, error) {
	if !by.Valid() {
		return 0, fmt.Errorf("%w: unknown sender kind %q", ErrInvalid, by)
	}

	r, err := s.lookup(roomId)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bound := len(r.messages) - 1
	if upToMessageId != "" {
		bound = slices.IndexFunc(r.messages, func(m types.Message) bool { return m.Id == upToMessageId })
		if bound < 0 {
			return 0, fmt.Errorf("message %q: %w", upToMessageId, ErrNotFound)
		}
	}

	marked := 0
	for i := 0; i <= bound; i++ {
		m := &r.messages[i]
		if m.SenderKind != by && !m.Read {
			m.Read = true
			marked++
		}
	}
	return marked, nil
}

func (s *MemoryChatRepository) UnreadCount(ctx context.Context, roomId string, forKind types.SenderKind) (int, error) {
	r, err := s.lookup(roomId)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, m := range r.messages {
		if m.SenderKind != forKind && !m.Read {
			count++
		}
	}
	return count, nil
}

func (s *MemoryChatRepository) ListRoomsForStaff(ctx context.Context) ([]types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]types.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		r.mu.Lock()
		if r.room.Status != types.RoomClosed {
			rooms = append(rooms, r.room)
		}
		r.mu.Unlock()
	}

	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].LastMessageAt.Equal(rooms[j].LastMessageAt) {
			return rooms[i].LastMessageAt.After(rooms[j].LastMessageAt)
		}
		return rooms[i].Id < rooms[j].Id
	})
	return rooms, nil
}

func (s *MemoryChatRepository) ListRoomsForOwner(ctx context.Context, kind types.OwnerKind, ref string) ([]types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok, err := s.findActiveLocked(kind, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []types.Room{}, nil
	}
	return []types.Room{room}, nil
}

func (s *MemoryChatRepository) CloseRoom(ctx context.Context, roomId string) (types.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomId]
	if !ok {
		return types.Room{}, false, fmt.Errorf("room %q: %w", roomId, ErrNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.room.Status == types.RoomClosed {
		return r.room, false, nil
	}

	r.room.Status = types.RoomClosed
	if r.room.OwnerUserId != "" {
		delete(s.byUser, r.room.OwnerUserId)
	} else {
		delete(s.bySession, r.room.SessionId)
	}
	return r.room, true, nil
}

func (s *MemoryChatRepository) lookup(roomId string) (*memRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomId]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", roomId, ErrNotFound)
	}
	return r, nil
}

func (s *MemoryChatRepository) index(kind types.OwnerKind) map[string]string {
	switch kind {
	case types.OwnerUser:
		return s.byUser
	case types.OwnerSession:
		return s.bySession
	default:
		return nil
	}
}
