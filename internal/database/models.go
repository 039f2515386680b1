package database

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-chathub/internal/types"
)

const (
	// MaxContentLength bounds message content, counted in characters.
	MaxContentLength = 4096

	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

type CreateRoomParams struct {
	OwnerKind    types.OwnerKind
	OwnerRef     string
	DisplayName  string
	DisplayEmail string
}

func (p CreateRoomParams) validate() error {
	if p.OwnerKind != types.OwnerUser && p.OwnerKind != types.OwnerSession {
		return fmt.Errorf("%w: unknown owner kind %q", ErrInvalid, p.OwnerKind)
	}
	if p.OwnerRef == "" {
		return fmt.Errorf("%w: owner reference is required", ErrInvalid)
	}
	return nil
}

type ClaimRoomParams struct {
	SessionId    string
	UserId       string
	DisplayName  string
	DisplayEmail string
}

func (p ClaimRoomParams) validate() error {
	if p.SessionId == "" || p.UserId == "" {
		return fmt.Errorf("%w: session id and user id are required", ErrInvalid)
	}
	return nil
}

type AppendMessageParams struct {
	RoomId       string
	SenderKind   types.SenderKind
	SenderName   string
	SenderUserId string
	Content      string
}

func (p AppendMessageParams) validate() error {
	if !p.SenderKind.Valid() {
		return fmt.Errorf("%w: unknown sender kind %q", ErrInvalid, p.SenderKind)
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalid)
	}
	if utf8.RuneCountInString(p.Content) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentLength)
	}
	return nil
}

// AppendResult is the committed message plus the room status transition it
// caused, if any.
type AppendResult struct {
	Message    types.Message
	Status     types.RoomStatus
	PrevStatus types.RoomStatus
}

func (r AppendResult) StatusChanged() bool {
	return r.Status != r.PrevStatus
}

// nextStatus implements the waiting/active rule for an append.
func nextStatus(cur types.RoomStatus, sender types.SenderKind) types.RoomStatus {
	switch {
	case sender == types.SenderCustomer:
		return types.RoomWaiting
	case sender == types.SenderStaff && cur == types.RoomWaiting:
		return types.RoomActive
	default:
		return cur
	}
}

// nextTimestamp returns a timestamp strictly after last, using now when it
// already is. Timestamps are kept at microsecond precision to match
// PostgreSQL.
func nextTimestamp(last, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(last) {
		return last.UTC().Add(time.Microsecond)
	}
	return now
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}
