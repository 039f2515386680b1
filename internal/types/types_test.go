package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageMarshalJSON(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.FixedZone("CEST", 2*60*60))

	t.Run("anonymous sender renders null user id", func(t *testing.T) {
		raw, err := json.Marshal(Message{
			Id:         "01HX",
			RoomId:     "room1",
			SenderKind: SenderCustomer,
			SenderName: "Customer",
			Content:    "hello",
			CreatedAt:  ts,
		})
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "01HX", got["id"])
		assert.Equal(t, "customer", got["sender_kind"])
		assert.Nil(t, got["sender_user_id"], "expected null sender_user_id")
		assert.Contains(t, got, "sender_user_id")
		assert.Equal(t, "2024-05-01T10:30:00Z", got["created_at"], "expected created_at in UTC")
		assert.Equal(t, false, got["read"])
		assert.NotContains(t, got, "room_id")
	})

	t.Run("staff sender keeps user id", func(t *testing.T) {
		raw, err := json.Marshal(Message{Id: "1", SenderKind: SenderStaff, SenderUserId: "42", CreatedAt: ts, Read: true})
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "42", got["sender_user_id"])
		assert.Equal(t, true, got["read"])
	})
}

func TestRoomSummaryMarshalJSON(t *testing.T) {
	raw, err := json.Marshal(RoomSummary{
		Room: Room{
			Id:          "r1",
			SessionId:   "secret-session",
			DisplayName: "Customer",
			Status:      RoomWaiting,
		},
		UnreadCount: 3,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "r1", got["id"])
	assert.Equal(t, "waiting", got["status"])
	assert.Equal(t, float64(3), got["unread_count"])
	assert.Equal(t, true, got["anonymous"])
	assert.Nil(t, got["owner_user_id"])
	assert.NotContains(t, string(raw), "secret-session", "session id must never be serialized")
}

func TestPrincipalOwner(t *testing.T) {
	kind, ref := Anonymous("s1").Owner()
	assert.Equal(t, OwnerSession, kind)
	assert.Equal(t, "s1", ref)

	kind, ref = Principal{Kind: PrincipalCustomer, UserId: "u1", SessionId: "s1"}.Owner()
	assert.Equal(t, OwnerUser, kind)
	assert.Equal(t, "u1", ref)
}

func TestRoomStatusOpen(t *testing.T) {
	assert.True(t, RoomActive.Open())
	assert.True(t, RoomWaiting.Open())
	assert.False(t, RoomClosed.Open())
}

func TestUserMarshalJSON(t *testing.T) {
	raw, err := json.Marshal(User{Id: "u1", Username: "ada"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "u1", got["id"])
	assert.Equal(t, false, got["is_staff"])
	assert.Contains(t, got, "created_at")
	assert.NotContains(t, got, "email")
}
