package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/go-chathub/internal/auth"
	"github.com/npezzotti/go-chathub/internal/database"
	"github.com/npezzotti/go-chathub/internal/hub"
	"github.com/npezzotti/go-chathub/internal/types"
	"github.com/rs/zerolog"
)

// maxCreateAttempts bounds the find/create loop when concurrent connections
// of one owner race to create a room.
const maxCreateAttempts = 3

// Manager owns room creation, reuse, closure and the anonymous to signed-in
// upgrade. It keeps each owner at one open room.
type Manager struct {
	repo database.ChatRepository
	hub  *hub.Hub
	log  zerolog.Logger
}

func NewManager(repo database.ChatRepository, h *hub.Hub, log zerolog.Logger) *Manager {
	return &Manager{
		repo: repo,
		hub:  h,
		log:  log.With().Str("component", "lifecycle").Logger(),
	}
}

// GetOrCreateForCustomer returns the principal's open room, claiming the
// session's anonymous room for a signed-in customer when that is the only
// one, and creating a room otherwise.
func (m *Manager) GetOrCreateForCustomer(ctx context.Context, p types.Principal) (types.Room, error) {
	switch p.Kind {
	case types.PrincipalCustomer:
		room, ok, err := m.repo.FindActiveRoom(ctx, types.OwnerUser, p.UserId)
		if err != nil || ok {
			return room, err
		}

		if p.SessionId != "" {
			if _, ok, err := m.repo.FindActiveRoom(ctx, types.OwnerSession, p.SessionId); err != nil {
				return types.Room{}, err
			} else if ok {
				return m.UpgradeOnSignin(ctx, p.SessionId, p.UserId, DisplayName(p.User), p.User.Email)
			}
		}

		return m.findOrCreate(ctx, types.OwnerUser, p.UserId, DisplayName(p.User), p.User.Email)
	case types.PrincipalAnonymous:
		if p.SessionId == "" {
			return types.Room{}, fmt.Errorf("%w: anonymous principal without session", database.ErrInvalid)
		}
		return m.findOrCreate(ctx, types.OwnerSession, p.SessionId, anonymousName, "")
	default:
		return types.Room{}, fmt.Errorf("%w: staff do not own rooms", auth.ErrForbidden)
	}
}

func (m *Manager) findOrCreate(ctx context.Context, kind types.OwnerKind, ref, name, email string) (types.Room, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		room, ok, err := m.repo.FindActiveRoom(ctx, kind, ref)
		if err != nil || ok {
			return room, err
		}

		room, err = m.repo.CreateRoom(ctx, database.CreateRoomParams{
			OwnerKind:    kind,
			OwnerRef:     ref,
			DisplayName:  name,
			DisplayEmail: email,
		})
		if errors.Is(err, database.ErrConflict) {
			continue
		}
		if err != nil {
			return types.Room{}, err
		}

		m.log.Info().Str("room_id", room.Id).Str("owner_kind", string(kind)).Msg("room created")
		return room, nil
	}

	return types.Room{}, fmt.Errorf("create room: %w", database.ErrConflict)
}

// UpgradeOnSignin attaches the session's anonymous room to userId. It is
// idempotent, and emits room-upgraded only when the room actually changed.
func (m *Manager) UpgradeOnSignin(ctx context.Context, sessionId, userId, displayName, displayEmail string) (types.Room, error) {
	before, had, err := m.repo.FindActiveRoom(ctx, types.OwnerUser, userId)
	if err != nil {
		return types.Room{}, err
	}
	if !had {
		if before, had, err = m.repo.FindActiveRoom(ctx, types.OwnerSession, sessionId); err != nil {
			return types.Room{}, err
		}
	}

	room, err := m.repo.ClaimAnonymousRoom(ctx, database.ClaimRoomParams{
		SessionId:    sessionId,
		UserId:       userId,
		DisplayName:  displayName,
		DisplayEmail: displayEmail,
	})
	if err != nil {
		return types.Room{}, err
	}

	changed := had && room.Id == before.Id &&
		(before.OwnerUserId != room.OwnerUserId ||
			before.DisplayName != room.DisplayName ||
			before.DisplayEmail != room.DisplayEmail)
	if changed {
		m.log.Info().Str("room_id", room.Id).Str("user_id", userId).Msg("room upgraded")
		m.hub.PublishRoom(room.Id, hub.RoomUpgraded(room))
	}

	return room, nil
}

// Close closes the room and announces the status change once.
func (m *Manager) Close(ctx context.Context, roomId string) (types.Room, error) {
	room, changed, err := m.repo.CloseRoom(ctx, roomId)
	if err != nil {
		return types.Room{}, err
	}

	if changed {
		m.log.Info().Str("room_id", roomId).Msg("room closed")
		m.hub.PublishRoom(roomId, hub.RoomStatusChanged(roomId, room.Status))
	}
	return room, nil
}
