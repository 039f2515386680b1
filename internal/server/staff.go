package server

import (
	"errors"
	"strings"

	"github.com/npezzotti/go-chathub/internal/auth"
	"github.com/npezzotti/go-chathub/internal/database"
	"github.com/npezzotti/go-chathub/internal/hub"
	"github.com/npezzotti/go-chathub/internal/lifecycle"
	"github.com/npezzotti/go-chathub/internal/stats"
	"github.com/npezzotti/go-chathub/internal/types"
	"github.com/rs/zerolog"
)

// StaffConsumer drives a staff socket: the broadcast topic plus any rooms
// the agent opened explicitly.
type StaffConsumer struct {
	cs        *ChatServer
	out       Outbound
	principal types.Principal
	log       zerolog.Logger

	// rooms is only touched from the reader goroutine.
	rooms  map[string]struct{}
	who    types.Participant
	joined bool
}

func staffName(p types.Principal) string {
	return lifecycle.DisplayName(p.User)
}

func (sc *StaffConsumer) Open() error {
	if err := auth.CanJoinStaff(sc.principal); err != nil {
		sc.log.Info().Err(err).AnErr("auth_err", sc.principal.AuthErr).Msg("staff join refused")
		sc.cs.stats.Incr(stats.RejectedHandshakes)
		sc.out.Close(ClosePolicyViolation, "staff only")
		return err
	}
	sc.who = sc.principal.Participant(staffName(sc.principal))

	sc.cs.hub.Subscribe(hub.StaffTopic, sc.out)
	sc.joined = true

	list, err := sc.roomList()
	if err != nil {
		sc.cs.reportStoreError(sc.log, "list rooms", err)
		sc.cs.hub.UnsubscribeAll(sc.out)
		sc.joined = false
		sc.out.Close(CloseInternal, "rooms unavailable")
		return err
	}

	sc.out.Send(list)
	sc.cs.stats.Incr(stats.ActiveStaffConnections)
	sc.log.Info().Int("rooms", len(list.Rooms)).Msg("staff joined")
	return nil
}

func (sc *StaffConsumer) roomList() (RoomListFrame, error) {
	ctx := sc.out.Context()

	rooms, err := sc.cs.repo.ListRoomsForStaff(ctx)
	if err != nil {
		return RoomListFrame{}, err
	}

	summaries := make([]types.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		unread, err := sc.cs.repo.UnreadCount(ctx, room.Id, types.SenderStaff)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return RoomListFrame{}, err
		}
		summaries = append(summaries, types.RoomSummary{Room: room, UnreadCount: unread})
	}

	return RoomListFrame{Type: FrameRoomList, Rooms: summaries}, nil
}

func (sc *StaffConsumer) HandleFrame(f ClientFrame) {
	switch f.Type {
	case FramePing:
		sc.out.Send(pong(f))
		return
	case FrameSubscribeRoom, FrameUnsubscribeRoom, FrameAdminMessage, FrameMarkRead, FrameCloseRoom:
	default:
		sc.out.Send(warning(f, "unknown frame type "+f.Type))
		return
	}

	if f.RoomId == "" {
		sc.out.Send(errorFrame(f, CodeInvalid, "room_id is required"))
		return
	}

	switch f.Type {
	case FrameSubscribeRoom:
		sc.subscribeRoom(f)
	case FrameUnsubscribeRoom:
		sc.unsubscribeRoom(f)
	case FrameAdminMessage:
		sc.adminMessage(f)
	case FrameMarkRead:
		sc.markRead(f)
	case FrameCloseRoom:
		sc.closeRoom(f)
	}
}

func (sc *StaffConsumer) subscribeRoom(f ClientFrame) {
	ctx := sc.out.Context()
	unlock := sc.cs.locks.lock(f.RoomId)
	defer unlock()

	room, err := sc.cs.repo.GetRoom(ctx, f.RoomId)
	if err != nil {
		sc.cs.reportStoreError(sc.log, "get room", err)
		sc.out.Send(storeError(f, err))
		return
	}

	sc.cs.hub.Subscribe(hub.RoomTopic(room.Id), sc.out)
	if _, ok := sc.rooms[room.Id]; !ok {
		sc.rooms[room.Id] = struct{}{}
		sc.cs.join(ctx, sc.out, room.Id, sc.who)
	}

	info, err := sc.cs.roomInfo(ctx, room, types.SenderStaff)
	if err != nil {
		sc.cs.reportStoreError(sc.log, "room info", err)
		sc.out.Send(storeError(f, err))
		return
	}
	sc.out.Send(info)
}

func (sc *StaffConsumer) unsubscribeRoom(f ClientFrame) {
	if _, ok := sc.rooms[f.RoomId]; !ok {
		sc.out.Send(errorFrame(f, CodeNotFound, "not subscribed to room"))
		return
	}

	sc.cs.hub.Unsubscribe(hub.RoomTopic(f.RoomId), sc.out)
	delete(sc.rooms, f.RoomId)
	sc.cs.leave(sc.out, f.RoomId, sc.who)
}

func (sc *StaffConsumer) adminMessage(f ClientFrame) {
	if strings.TrimSpace(f.Content) == "" {
		sc.out.Send(warning(f, "empty message"))
		return
	}
	if err := auth.CanSendStaff(sc.principal); err != nil {
		sc.out.Send(storeError(f, err))
		return
	}

	unlock := sc.cs.locks.lock(f.RoomId)
	defer unlock()

	res, err := sc.cs.repo.AppendMessage(sc.out.Context(), database.AppendMessageParams{
		RoomId:       f.RoomId,
		SenderKind:   types.SenderStaff,
		SenderName:   sc.who.Name,
		SenderUserId: sc.principal.UserId,
		Content:      f.Content,
	})
	if err != nil {
		sc.cs.reportStoreError(sc.log, "append message", err)
		sc.out.Send(storeError(f, err))
		return
	}

	sc.cs.publishAppend(f.RoomId, res)
	sc.cs.stats.Incr(stats.StaffMessages)
}

func (sc *StaffConsumer) markRead(f ClientFrame) {
	if _, err := sc.cs.repo.MarkRead(sc.out.Context(), f.RoomId, f.UpTo, types.SenderStaff); err != nil {
		sc.cs.reportStoreError(sc.log, "mark read", err)
		sc.out.Send(storeError(f, err))
	}
}

func (sc *StaffConsumer) closeRoom(f ClientFrame) {
	unlock := sc.cs.locks.lock(f.RoomId)
	defer unlock()

	if _, err := sc.cs.manager.Close(sc.out.Context(), f.RoomId); err != nil {
		sc.cs.reportStoreError(sc.log, "close room", err)
		sc.out.Send(storeError(f, err))
	}
}

func (sc *StaffConsumer) Close() {
	if !sc.joined {
		return
	}
	sc.cs.hub.UnsubscribeAll(sc.out)
	for roomId := range sc.rooms {
		sc.cs.leave(sc.out, roomId, sc.who)
	}
	sc.cs.stats.Decr(stats.ActiveStaffConnections)
	sc.log.Info().Msg("staff left")
}
