package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/npezzotti/go-chathub/internal/types"
)

const (
	roomColumns    = "id, owner_user_id, session_id, display_name, display_email, status, created_at, last_message_at"
	messageColumns = "id, room_id, sender_kind, sender_name, sender_user_id, content, created_at, read"

	activeForUser    = "owner_user_id = $1 AND status <> 'closed'"
	activeForSession = "session_id = $1 AND owner_user_id IS NULL AND status <> 'closed'"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanRoom(row rowScanner) (types.Room, error) {
	var (
		room    types.Room
		owner   sql.NullString
		session sql.NullString
		status  string
	)
	err := row.Scan(
		&room.Id,
		&owner,
		&session,
		&room.DisplayName,
		&room.DisplayEmail,
		&status,
		&room.CreatedAt,
		&room.LastMessageAt,
	)
	if err != nil {
		return types.Room{}, err
	}

	room.OwnerUserId = owner.String
	room.SessionId = session.String
	room.Status = types.RoomStatus(status)
	room.CreatedAt = room.CreatedAt.UTC()
	room.LastMessageAt = room.LastMessageAt.UTC()
	return room, nil
}

func scanMessage(row rowScanner) (types.Message, error) {
	var (
		msg    types.Message
		kind   string
		sender sql.NullString
	)
	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&kind,
		&msg.SenderName,
		&sender,
		&msg.Content,
		&msg.CreatedAt,
		&msg.Read,
	)
	if err != nil {
		return types.Message{}, err
	}

	msg.SenderKind = types.SenderKind(kind)
	msg.SenderUserId = sender.String
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// classify passes domain errors through and marks everything else transient.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrClosed),
		errors.Is(err, ErrConflict), errors.Is(err, ErrInvalid):
		return err
	default:
		return transient(op, err)
	}
}

func activeClause(kind types.OwnerKind) (string, error) {
	switch kind {
	case types.OwnerUser:
		return activeForUser, nil
	case types.OwnerSession:
		return activeForSession, nil
	default:
		return "", fmt.Errorf("%w: unknown owner kind %q", ErrInvalid, kind)
	}
}

func (db *PgChatRepository) insertRoom(ctx context.Context, q queryer, owner, session, name, email string) (types.Room, error) {
	id, err := newRoomId()
	if err != nil {
		return types.Room{}, err
	}

	now := db.now().UTC()
	room, err := scanRoom(q.QueryRowContext(ctx,
		"INSERT INTO chat_rooms ("+roomColumns+") "+
			"VALUES ($1, $2, $3, $4, $5, 'active', $6, $6) RETURNING "+roomColumns,
		id,
		nullString(owner),
		nullString(session),
		name,
		email,
		now,
	))
	if isUniqueViolation(err) {
		return types.Room{}, ErrConflict
	}
	return room, err
}

func (db *PgChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	if err := params.validate(); err != nil {
		return types.Room{}, err
	}

	var owner, session string
	if params.OwnerKind == types.OwnerUser {
		owner = params.OwnerRef
	} else {
		session = params.OwnerRef
	}

	room, err := db.insertRoom(ctx, db.conn, owner, session, params.DisplayName, params.DisplayEmail)
	return room, classify("create room", err)
}

func (db *PgChatRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	room, err := scanRoom(db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM chat_rooms WHERE id = $1",
		roomId,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Room{}, fmt.Errorf("room %q: %w", roomId, ErrNotFound)
	}
	return room, classify("get room", err)
}

func (db *PgChatRepository) FindActiveRoom(ctx context.Context, kind types.OwnerKind, ref string) (types.Room, bool, error) {
	where, err := activeClause(kind)
	if err != nil {
		return types.Room{}, false, err
	}

	room, err := scanRoom(db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM chat_rooms WHERE "+where,
		ref,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Room{}, false, nil
	}
	if err != nil {
		return types.Room{}, false, classify("find active room", err)
	}
	return room, true, nil
}

func (db *PgChatRepository) ClaimAnonymousRoom(ctx context.Context, params ClaimRoomParams) (types.Room, error) {
	if err := params.validate(); err != nil {
		return types.Room{}, err
	}

	// A concurrent claim for the same session can make the insert below
	// conflict; the retry then finds the room the other claim produced.
	var (
		room types.Room
		err  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		room, err = db.claimOnce(ctx, params)
		if !errors.Is(err, ErrConflict) {
			break
		}
	}
	return room, classify("claim room", err)
}

func (db *PgChatRepository) claimOnce(ctx context.Context, params ClaimRoomParams) (types.Room, error) {
	var room types.Room
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		target, err := scanRoom(tx.QueryRowContext(ctx,
			"SELECT "+roomColumns+" FROM chat_rooms WHERE "+activeForUser+" FOR UPDATE",
			params.UserId,
		))
		if errors.Is(err, sql.ErrNoRows) {
			target, err = scanRoom(tx.QueryRowContext(ctx,
				"SELECT "+roomColumns+" FROM chat_rooms WHERE "+activeForSession+" FOR UPDATE",
				params.SessionId,
			))
		}
		if errors.Is(err, sql.ErrNoRows) {
			room, err = db.insertRoom(ctx, tx, params.UserId, "", params.DisplayName, params.DisplayEmail)
			return err
		}
		if err != nil {
			return err
		}

		room, err = scanRoom(tx.QueryRowContext(ctx,
			"UPDATE chat_rooms SET owner_user_id = $2, display_name = $3, display_email = $4 "+
				"WHERE id = $1 RETURNING "+roomColumns,
			target.Id,
			params.UserId,
			params.DisplayName,
			params.DisplayEmail,
		))
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	})
	return room, err
}

func (db *PgChatRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (AppendResult, error) {
	if err := params.validate(); err != nil {
		return AppendResult{}, err
	}

	var res AppendResult
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status string
			room   types.Room
		)
		err := tx.QueryRowContext(ctx,
			"SELECT status, last_message_at FROM chat_rooms WHERE id = $1 FOR UPDATE",
			params.RoomId,
		).Scan(&status, &room.LastMessageAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("room %q: %w", params.RoomId, ErrNotFound)
		}
		if err != nil {
			return err
		}

		res.PrevStatus = types.RoomStatus(status)
		if res.PrevStatus == types.RoomClosed {
			return ErrClosed
		}
		res.Status = nextStatus(res.PrevStatus, params.SenderKind)

		res.Message, err = scanMessage(tx.QueryRowContext(ctx,
			"INSERT INTO chat_messages ("+messageColumns+") "+
				"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING "+messageColumns,
			newMessageId(),
			params.RoomId,
			string(params.SenderKind),
			params.SenderName,
			nullString(params.SenderUserId),
			params.Content,
			nextTimestamp(room.LastMessageAt, db.now()),
			params.SenderKind == types.SenderStaff,
		))
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE chat_rooms SET status = $2, last_message_at = $3 WHERE id = $1",
			params.RoomId,
			string(res.Status),
			res.Message.CreatedAt,
		)
		return err
	})
	if err != nil {
		return AppendResult{}, classify("append message", err)
	}
	return res, nil
}

func (db *PgChatRepository) ListMessages(ctx context.Context, roomId string, limit int) ([]types.Message, error) {
	if _, err := db.GetRoom(ctx, roomId); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM ("+
			"SELECT "+messageColumns+" FROM chat_messages WHERE room_id = $1 "+
			"ORDER BY created_at DESC, id DESC LIMIT $2"+
			") recent ORDER BY created_at ASC, id ASC",
		roomId,
		clampLimit(limit),
	)
	if err != nil {
		return nil, classify("list messages", err)
	}
	defer rows.Close()

	messages := make([]types.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, classify("list messages", err)
		}
		messages = append(messages, msg)
	}

	return messages, classify("list messages", rows.Err())
}

func (db *PgChatRepository) MarkRead(ctx context.Context, roomId, upToMessageId string, by types.SenderKind) (int, error) {
	if !by.Valid() {
		return 0, fmt.Errorf("%w: unknown sender kind %q", ErrInvalid, by)
	}

	var marked int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM chat_rooms WHERE id = $1)",
			roomId,
		).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("room %q: %w", roomId, ErrNotFound)
		}

		var res sql.Result
		if upToMessageId == "" {
			res, err = tx.ExecContext(ctx,
				"UPDATE chat_messages SET read = TRUE "+
					"WHERE room_id = $1 AND sender_kind <> $2 AND NOT read",
				roomId,
				string(by),
			)
		} else {
			var bound sql.NullTime
			err = tx.QueryRowContext(ctx,
				"SELECT created_at FROM chat_messages WHERE id = $1 AND room_id = $2",
				upToMessageId,
				roomId,
			).Scan(&bound)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("message %q: %w", upToMessageId, ErrNotFound)
			}
			if err != nil {
				return err
			}

			res, err = tx.ExecContext(ctx,
				"UPDATE chat_messages SET read = TRUE "+
					"WHERE room_id = $1 AND sender_kind <> $2 AND NOT read AND created_at <= $3",
				roomId,
				string(by),
				bound.Time,
			)
		}
		if err != nil {
			return err
		}

		marked, err = res.RowsAffected()
		return err
	})
	return int(marked), classify("mark read", err)
}

func (db *PgChatRepository) UnreadCount(ctx context.Context, roomId string, forKind types.SenderKind) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(m.id) FROM chat_rooms r "+
			"LEFT JOIN chat_messages m ON m.room_id = r.id AND m.sender_kind <> $2 AND NOT m.read "+
			"WHERE r.id = $1 GROUP BY r.id",
		roomId,
		string(forKind),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("room %q: %w", roomId, ErrNotFound)
	}
	return count, classify("unread count", err)
}

func (db *PgChatRepository) ListRoomsForStaff(ctx context.Context) ([]types.Room, error) {
	return db.listRooms(ctx,
		"SELECT "+roomColumns+" FROM chat_rooms WHERE status <> 'closed' "+
			"ORDER BY last_message_at DESC, id ASC",
	)
}

func (db *PgChatRepository) ListRoomsForOwner(ctx context.Context, kind types.OwnerKind, ref string) ([]types.Room, error) {
	where, err := activeClause(kind)
	if err != nil {
		return nil, err
	}
	return db.listRooms(ctx, "SELECT "+roomColumns+" FROM chat_rooms WHERE "+where, ref)
}

func (db *PgChatRepository) listRooms(ctx context.Context, query string, args ...any) ([]types.Room, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list rooms", err)
	}
	defer rows.Close()

	rooms := make([]types.Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, classify("list rooms", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, classify("list rooms", rows.Err())
}

func (db *PgChatRepository) CloseRoom(ctx context.Context, roomId string) (types.Room, bool, error) {
	var (
		room    types.Room
		changed bool
	)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		room, err = scanRoom(tx.QueryRowContext(ctx,
			"SELECT "+roomColumns+" FROM chat_rooms WHERE id = $1 FOR UPDATE",
			roomId,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("room %q: %w", roomId, ErrNotFound)
		}
		if err != nil || room.Status == types.RoomClosed {
			return err
		}

		if _, err = tx.ExecContext(ctx,
			"UPDATE chat_rooms SET status = 'closed' WHERE id = $1",
			roomId,
		); err != nil {
			return err
		}

		room.Status = types.RoomClosed
		changed = true
		return nil
	})
	if err != nil {
		return types.Room{}, false, classify("close room", err)
	}
	return room, changed, nil
}
