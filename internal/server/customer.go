package server

import (
	"errors"
	"strings"

	"github.com/npezzotti/go-chathub/internal/auth"
	"github.com/npezzotti/go-chathub/internal/database"
	"github.com/npezzotti/go-chathub/internal/hub"
	"github.com/npezzotti/go-chathub/internal/stats"
	"github.com/npezzotti/go-chathub/internal/types"
	"github.com/rs/zerolog"
)

// CustomerConsumer drives a socket bound to a single room.
type CustomerConsumer struct {
	cs        *ChatServer
	out       Outbound
	principal types.Principal
	roomRef   string
	log       zerolog.Logger

	room   types.Room
	who    types.Participant
	joined bool
}

func (cc *CustomerConsumer) Open() error {
	ctx := cc.out.Context()

	room, err := cc.resolveRoom()
	if err != nil {
		return err
	}

	cc.room = room
	cc.who = cc.principal.Participant(cc.displayName())
	cc.log = cc.log.With().Str("room_id", room.Id).Logger()

	unlock := cc.cs.locks.lock(room.Id)
	defer unlock()

	// Subscribing under the room lock means no event for this room can be
	// queued ahead of the room-info snapshot.
	cc.cs.hub.Subscribe(hub.RoomTopic(room.Id), cc.out)
	cc.joined = true

	info, err := cc.cs.roomInfo(ctx, room, types.SenderCustomer)
	if err != nil {
		cc.cs.reportStoreError(cc.log, "room info", err)
		cc.cs.hub.UnsubscribeAll(cc.out)
		cc.joined = false
		cc.out.Close(CloseInternal, "room unavailable")
		return err
	}
	cc.cs.join(ctx, cc.out, room.Id, cc.who)

	cc.out.Send(info)
	cc.cs.stats.Incr(stats.ActiveCustomerConnections)
	cc.log.Info().Msg("customer joined")
	return nil
}

// resolveRoom binds the socket to a room, closing it with policy-violation
// when the gate refuses.
func (cc *CustomerConsumer) resolveRoom() (types.Room, error) {
	ctx := cc.out.Context()

	var (
		room types.Room
		err  error
	)
	if cc.roomRef == MeAlias {
		room, err = cc.cs.manager.GetOrCreateForCustomer(ctx, cc.principal)
	} else {
		room, err = cc.cs.repo.GetRoom(ctx, cc.roomRef)
		if err == nil {
			err = auth.CanAccessRoom(cc.principal, room)
		}
	}

	switch {
	case err == nil:
		return room, nil
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, database.ErrNotFound):
		cc.log.Info().Err(err).Str("room_ref", cc.roomRef).AnErr("auth_err", cc.principal.AuthErr).Msg("customer join refused")
		cc.cs.stats.Incr(stats.RejectedHandshakes)
		cc.out.Close(ClosePolicyViolation, "not allowed in this room")
	default:
		cc.cs.reportStoreError(cc.log, "resolve room", err)
		cc.out.Close(CloseInternal, "room unavailable")
	}
	return types.Room{}, err
}

func (cc *CustomerConsumer) displayName() string {
	if cc.principal.IsStaff() {
		return staffName(cc.principal)
	}
	return cc.room.DisplayName
}

func (cc *CustomerConsumer) HandleFrame(f ClientFrame) {
	switch f.Type {
	case FrameChatMessage:
		cc.chatMessage(f)
	case FrameTyping:
		cc.typing(f)
	case FrameMarkRead:
		cc.markRead(f)
	case FramePing:
		cc.out.Send(pong(f))
	default:
		cc.out.Send(warning(f, "unknown frame type "+f.Type))
	}
}

func (cc *CustomerConsumer) chatMessage(f ClientFrame) {
	if strings.TrimSpace(f.Content) == "" {
		cc.out.Send(warning(f, "empty message"))
		return
	}

	ctx := cc.out.Context()
	unlock := cc.cs.locks.lock(cc.room.Id)
	defer unlock()

	// The stored room carries the owner and display name set by a claim.
	room, err := cc.cs.repo.GetRoom(ctx, cc.room.Id)
	if err == nil {
		err = auth.CanSendCustomer(cc.principal, room)
	}
	if err != nil {
		cc.cs.reportStoreError(cc.log, "get room", err)
		cc.out.Send(storeError(f, err))
		return
	}

	res, err := cc.cs.repo.AppendMessage(ctx, database.AppendMessageParams{
		RoomId:       room.Id,
		SenderKind:   types.SenderCustomer,
		SenderName:   room.DisplayName,
		SenderUserId: cc.principal.UserId,
		Content:      f.Content,
	})
	if err != nil {
		cc.cs.reportStoreError(cc.log, "append message", err)
		cc.out.Send(storeError(f, err))
		return
	}

	cc.cs.publishAppend(room.Id, res)
	cc.cs.stats.Incr(stats.CustomerMessages)
}

func (cc *CustomerConsumer) typing(f ClientFrame) {
	if err := auth.CanSendCustomer(cc.principal, cc.room); err != nil {
		cc.out.Send(storeError(f, err))
		return
	}
	if f.State != hub.TypingStarted && f.State != hub.TypingStopped {
		cc.out.Send(warning(f, "typing state must be started or stopped"))
		return
	}
	cc.cs.hub.Publish(hub.RoomTopic(cc.room.Id), hub.Typing(cc.room.Id, cc.who, f.State), cc.out)
}

func (cc *CustomerConsumer) markRead(f ClientFrame) {
	if err := auth.CanSendCustomer(cc.principal, cc.room); err != nil {
		cc.out.Send(storeError(f, err))
		return
	}
	if _, err := cc.cs.repo.MarkRead(cc.out.Context(), cc.room.Id, f.UpTo, types.SenderCustomer); err != nil {
		cc.cs.reportStoreError(cc.log, "mark read", err)
		cc.out.Send(storeError(f, err))
	}
}

func (cc *CustomerConsumer) Close() {
	if !cc.joined {
		return
	}
	cc.cs.hub.UnsubscribeAll(cc.out)
	cc.cs.leave(cc.out, cc.room.Id, cc.who)
	cc.cs.stats.Decr(stats.ActiveCustomerConnections)
	cc.log.Info().Msg("customer left")
}
