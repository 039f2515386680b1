package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/npezzotti/go-chathub/internal/auth"
	"github.com/npezzotti/go-chathub/internal/database"
	"github.com/npezzotti/go-chathub/internal/hub"
	"github.com/npezzotti/go-chathub/internal/stats"
	"github.com/npezzotti/go-chathub/internal/testutil"
	"github.com/npezzotti/go-chathub/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []hub.Event
}

func (r *recorder) ID() string                { return "recorder" }
func (r *recorder) Deliver(ev hub.Event) bool { r.events = append(r.events, ev); return true }
func (r *recorder) Evict()                    {}

func newTestManager(t *testing.T) (*Manager, *database.MemoryChatRepository, *recorder) {
	repo := database.NewMemoryChatRepository()
	h := hub.NewHub(testutil.TestLogger(t), stats.NewStatsUpdater())
	staff := &recorder{}
	h.Subscribe(hub.StaffTopic, staff)
	return NewManager(repo, h, testutil.TestLogger(t)), repo, staff
}

func TestGetOrCreateForCustomer(t *testing.T) {
	ctx := context.Background()

	t.Run("anonymous reuses its room", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		p := types.Anonymous("s1")

		first, err := m.GetOrCreateForCustomer(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, "s1", first.SessionId)
		assert.Equal(t, "Customer", first.DisplayName)

		second, err := m.GetOrCreateForCustomer(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, first.Id, second.Id)
	})

	t.Run("signed-in customer reuses the existing room", func(t *testing.T) {
		m, repo, _ := newTestManager(t)
		existing, err := repo.CreateRoom(ctx, database.CreateRoomParams{OwnerKind: types.OwnerUser, OwnerRef: "u2", DisplayName: "x"})
		require.NoError(t, err)

		p := types.Principal{Kind: types.PrincipalCustomer, UserId: "u2", SessionId: "s2", User: types.User{Id: "u2", Username: "bob"}}
		room, err := m.GetOrCreateForCustomer(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, existing.Id, room.Id)
	})

	t.Run("signed-in customer claims the session room", func(t *testing.T) {
		m, repo, staff := newTestManager(t)
		anon, err := repo.CreateRoom(ctx, database.CreateRoomParams{OwnerKind: types.OwnerSession, OwnerRef: "s3", DisplayName: "Customer"})
		require.NoError(t, err)

		p := types.Principal{
			Kind:      types.PrincipalCustomer,
			UserId:    "u3",
			SessionId: "s3",
			User:      types.User{Id: "u3", FirstName: "Ada", LastName: "L", Email: "ada@x"},
		}
		room, err := m.GetOrCreateForCustomer(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, anon.Id, room.Id)
		assert.Equal(t, "u3", room.OwnerUserId)
		assert.Equal(t, "Ada L", room.DisplayName)

		require.Len(t, staff.events, 1)
		assert.Equal(t, hub.EventRoomUpgraded, staff.events[0].Type)
	})

	t.Run("signed-in customer without rooms gets a new one", func(t *testing.T) {
		m, _, staff := newTestManager(t)
		p := types.Principal{Kind: types.PrincipalCustomer, UserId: "u4", SessionId: "s4", User: types.User{Id: "u4", Email: "zed@x"}}

		room, err := m.GetOrCreateForCustomer(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, "u4", room.OwnerUserId)
		assert.Empty(t, room.SessionId)
		assert.Equal(t, "zed", room.DisplayName)
		assert.Equal(t, "zed@x", room.DisplayEmail)
		assert.Empty(t, staff.events)
	})

	t.Run("staff are refused", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.GetOrCreateForCustomer(ctx, types.Principal{Kind: types.PrincipalStaff, UserId: "admin"})
		assert.ErrorIs(t, err, auth.ErrForbidden)
	})
}

func TestGetOrCreateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	repo := &database.MockChatRepository{}
	defer repo.AssertExpectations(t)

	winner := types.Room{Id: "r1", SessionId: "s1", Status: types.RoomActive}
	repo.On("FindActiveRoom", types.OwnerSession, "s1").Return(types.Room{}, false, nil).Once()
	repo.On("CreateRoom", mock.AnythingOfType("database.CreateRoomParams")).Return(types.Room{}, database.ErrConflict).Once()
	repo.On("FindActiveRoom", types.OwnerSession, "s1").Return(winner, true, nil).Once()

	m := NewManager(repo, hub.NewHub(testutil.TestLogger(t), stats.NewStatsUpdater()), testutil.TestLogger(t))
	room, err := m.GetOrCreateForCustomer(ctx, types.Anonymous("s1"))
	require.NoError(t, err)
	assert.Equal(t, winner, room)
}

func TestGetOrCreateSurfacesStoreErrors(t *testing.T) {
	repo := &database.MockChatRepository{}
	defer repo.AssertExpectations(t)

	boom := errors.Join(database.ErrTransient, errors.New("connection reset"))
	repo.On("FindActiveRoom", types.OwnerSession, "s1").Return(types.Room{}, false, boom).Once()

	m := NewManager(repo, hub.NewHub(testutil.TestLogger(t), stats.NewStatsUpdater()), testutil.TestLogger(t))
	_, err := m.GetOrCreateForCustomer(context.Background(), types.Anonymous("s1"))
	assert.ErrorIs(t, err, database.ErrTransient)
}

func TestUpgradeOnSignin(t *testing.T) {
	ctx := context.Background()
	m, repo, staff := newTestManager(t)

	anon, err := m.GetOrCreateForCustomer(ctx, types.Anonymous("S1"))
	require.NoError(t, err)

	room, err := m.UpgradeOnSignin(ctx, "S1", "U1", "Ada L", "ada@x")
	require.NoError(t, err)
	assert.Equal(t, anon.Id, room.Id)
	assert.Equal(t, "U1", room.OwnerUserId)
	assert.Equal(t, "Ada L", room.DisplayName)

	require.Len(t, staff.events, 1)
	ev := staff.events[0]
	assert.Equal(t, hub.EventRoomUpgraded, ev.Type)
	assert.Equal(t, anon.Id, ev.RoomId)
	assert.Equal(t, "Ada L", ev.DisplayName)
	assert.Equal(t, "U1", ev.OwnerUserId)

	again, err := m.UpgradeOnSignin(ctx, "S1", "U1", "Ada L", "ada@x")
	require.NoError(t, err)
	assert.Equal(t, room, again)
	assert.Len(t, staff.events, 1, "repeat claim changes nothing and emits nothing")

	stored, err := repo.GetRoom(ctx, anon.Id)
	require.NoError(t, err)
	assert.Equal(t, room, stored)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	m, _, staff := newTestManager(t)

	room, err := m.GetOrCreateForCustomer(ctx, types.Anonymous("s1"))
	require.NoError(t, err)

	closed, err := m.Close(ctx, room.Id)
	require.NoError(t, err)
	assert.Equal(t, types.RoomClosed, closed.Status)

	_, err = m.Close(ctx, room.Id)
	require.NoError(t, err)

	require.Len(t, staff.events, 1, "second close is silent")
	assert.Equal(t, hub.EventRoomStatusChanged, staff.events[0].Type)
	assert.Equal(t, types.RoomClosed, staff.events[0].Status)

	next, err := m.GetOrCreateForCustomer(ctx, types.Anonymous("s1"))
	require.NoError(t, err)
	assert.NotEqual(t, room.Id, next.Id, "closed rooms are not reused")

	_, err = m.Close(ctx, "missing")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestDisplayName(t *testing.T) {
	tcases := []struct {
		name string
		user types.User
		want string
	}{
		{"full name", types.User{FirstName: "Ada", LastName: "Lovelace", Username: "ada"}, "Ada Lovelace"},
		{"first name only", types.User{FirstName: "Ada", Username: "ada"}, "Ada"},
		{"last name only falls through", types.User{LastName: "Lovelace", Username: "ada"}, "ada"},
		{"username", types.User{Username: "ada", Email: "a@x"}, "ada"},
		{"email local part", types.User{Email: "ada.l@example.com"}, "ada.l"},
		{"blank fields", types.User{FirstName: "  ", Email: "@x"}, "Customer"},
		{"nothing", types.User{}, "Customer"},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DisplayName(tc.user))
		})
	}
}
