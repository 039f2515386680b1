package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chathub/internal/database"
	"github.com/npezzotti/go-chathub/internal/hub"
	"github.com/npezzotti/go-chathub/internal/lifecycle"
	"github.com/npezzotti/go-chathub/internal/presence"
	"github.com/npezzotti/go-chathub/internal/stats"
	"github.com/npezzotti/go-chathub/internal/testutil"
	"github.com/npezzotti/go-chathub/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const readWait = 2 * time.Second

func testConfig() Config {
	return Config{
		Conn: ConnConfig{
			SendQueueSize:     256,
			MaxFrameBytes:     1024,
			KeepaliveInterval: 5 * time.Second,
			WriteTimeout:      time.Second,
		},
		HistoryLimit: 50,
	}
}

type harness struct {
	t    *testing.T
	repo *database.MemoryChatRepository
	hub  *hub.Hub
	cs   *ChatServer
	srv  *httptest.Server

	mu         sync.Mutex
	principals map[string]types.Principal
	stalled    chan *Conn
}

func newHarness(t *testing.T, cfg Config) *harness {
	log := testutil.TestLogger(t)
	st := stats.NewStatsUpdater()
	repo := database.NewMemoryChatRepository()
	h := hub.NewHub(log, st)

	hs := &harness{
		t:          t,
		repo:       repo,
		hub:        h,
		cs:         NewChatServer(log, repo, h, lifecycle.NewManager(repo, h, log), presence.NewMemoryTracker(), st, cfg),
		principals: make(map[string]types.Principal),
		stalled:    make(chan *Conn, 1),
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /customer/{room}", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hs.cs.ServeCustomer(ws, hs.principal(r), r.PathValue("room"))
	})
	mux.HandleFunc("GET /staff", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hs.cs.ServeStaff(ws, hs.principal(r))
	})
	// A staff subscriber whose writer never runs until the test starts it.
	mux.HandleFunc("GET /stalled", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCfg := cfg.Conn
		connCfg.SendQueueSize = 64
		c := NewConn(ws, connCfg, log, st)
		h.Subscribe(hub.StaffTopic, c)
		hs.stalled <- c
	})

	hs.srv = httptest.NewServer(mux)
	t.Cleanup(hs.srv.Close)
	return hs
}

// as registers p and returns the query value that selects it.
func (hs *harness) as(name string, p types.Principal) string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.principals[name] = p
	return "as=" + name
}

func (hs *harness) principal(r *http.Request) types.Principal {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.principals[r.URL.Query().Get("as")]
}

func (hs *harness) dial(path string) *websocket.Conn {
	hs.t.Helper()
	url := "ws" + strings.TrimPrefix(hs.srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(hs.t, err)
	hs.t.Cleanup(func() { ws.Close() })
	return ws
}

func staffPrincipal(id string) types.Principal {
	return types.Principal{
		Kind:   types.PrincipalStaff,
		UserId: id,
		User:   types.User{Id: id, Username: id, FirstName: "Agent", IsStaff: true},
	}
}

// next reads the next frame, skipping presence events.
func next(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	for {
		ws.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err)

		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame["type"] == string(hub.EventPresence) {
			continue
		}
		return frame
	}
}

func expectType(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	frame := next(t, ws)
	require.Equal(t, typ, frame["type"], "unexpected frame %v", frame)
	return frame
}

// expectClose reads until the server closes and returns the close code.
func expectClose(t *testing.T, ws *websocket.Conn) (int, []map[string]any) {
	t.Helper()
	var frames []map[string]any
	for {
		ws.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
			return ce.Code, frames
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		frames = append(frames, frame)
	}
}

func send(t *testing.T, ws *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

func TestCustomerRoomInfoIsFirstFrame(t *testing.T) {
	hs := newHarness(t, testConfig())
	ws := hs.dial("/customer/me?" + hs.as("anon", types.Anonymous("s1")))

	info := expectType(t, ws, FrameRoomInfo)
	room := info["room"].(map[string]any)
	assert.Equal(t, "Customer", room["display_name"])
	assert.Equal(t, true, room["anonymous"])
	assert.Empty(t, info["messages"])
	assert.Equal(t, float64(0), info["unread_count"])

	send(t, ws, map[string]any{"type": FrameChatMessage, "content": "hello"})

	created := expectType(t, ws, string(hub.EventMessageCreated))
	msg := created["message"].(map[string]any)
	assert.Equal(t, "hello", msg["content"])
	assert.Equal(t, "customer", msg["sender_kind"])
	assert.Nil(t, msg["sender_user_id"])

	changed := expectType(t, ws, string(hub.EventRoomStatusChanged))
	assert.Equal(t, "waiting", changed["status"])

	stored, err := hs.repo.ListMessages(context.Background(), room["id"].(string), 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, msg["id"], stored[0].Id)
}

func TestCustomerReconnectSeesHistory(t *testing.T) {
	hs := newHarness(t, testConfig())
	q := hs.as("anon", types.Anonymous("s1"))

	first := hs.dial("/customer/me?" + q)
	roomId := expectType(t, first, FrameRoomInfo)["room"].(map[string]any)["id"]
	send(t, first, map[string]any{"type": FrameChatMessage, "content": "one"})
	expectType(t, first, string(hub.EventMessageCreated))
	first.Close()

	second := hs.dial("/customer/me?" + q)
	info := expectType(t, second, FrameRoomInfo)
	assert.Equal(t, roomId, info["room"].(map[string]any)["id"], "one open room per session")
	require.Len(t, info["messages"], 1)
	assert.Equal(t, "one", info["messages"].([]any)[0].(map[string]any)["content"])
}

func TestCustomerDeniedForeignRoom(t *testing.T) {
	hs := newHarness(t, testConfig())
	room, err := hs.repo.CreateRoom(context.Background(), database.CreateRoomParams{
		OwnerKind:   types.OwnerUser,
		OwnerRef:    "U4",
		DisplayName: "Owner",
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
	}{
		{"foreign room", "/customer/" + room.Id},
		{"unknown room", "/customer/does-not-exist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := hs.dial(tt.path + "?" + hs.as("anon", types.Anonymous("S3")))
			code, frames := expectClose(t, ws)
			assert.Equal(t, ClosePolicyViolation, code)
			assert.Empty(t, frames, "no frames before the denial")
		})
	}
}

func TestStaffSocketRequiresStaff(t *testing.T) {
	hs := newHarness(t, testConfig())
	customer := types.Principal{Kind: types.PrincipalCustomer, UserId: "u1", SessionId: "s1"}

	ws := hs.dial("/staff?" + hs.as("customer", customer))
	code, frames := expectClose(t, ws)
	assert.Equal(t, ClosePolicyViolation, code)
	assert.Empty(t, frames)
}

func TestStaffReplyFlipsStatus(t *testing.T) {
	hs := newHarness(t, testConfig())

	customer := hs.dial("/customer/me?" + hs.as("anon", types.Anonymous("s1")))
	roomId := expectType(t, customer, FrameRoomInfo)["room"].(map[string]any)["id"].(string)

	staff := hs.dial("/staff?" + hs.as("staff", staffPrincipal("agent")))
	list := expectType(t, staff, FrameRoomList)
	require.Len(t, list["rooms"], 1)
	assert.Equal(t, roomId, list["rooms"].([]any)[0].(map[string]any)["id"])

	send(t, customer, map[string]any{"type": FrameChatMessage, "content": "q"})
	for _, ws := range []*websocket.Conn{customer, staff} {
		assert.Equal(t, "q", expectType(t, ws, string(hub.EventMessageCreated))["message"].(map[string]any)["content"])
		assert.Equal(t, "waiting", expectType(t, ws, string(hub.EventRoomStatusChanged))["status"])
	}

	send(t, staff, map[string]any{"type": FrameAdminMessage, "room_id": roomId, "content": "a"})
	for _, ws := range []*websocket.Conn{customer, staff} {
		msg := expectType(t, ws, string(hub.EventMessageCreated))["message"].(map[string]any)
		assert.Equal(t, "a", msg["content"])
		assert.Equal(t, "staff", msg["sender_kind"])
		assert.Equal(t, "Agent", msg["sender_name"])
		assert.Equal(t, "active", expectType(t, ws, string(hub.EventRoomStatusChanged))["status"])
	}

	room, err := hs.repo.GetRoom(context.Background(), roomId)
	require.NoError(t, err)
	assert.Equal(t, types.RoomActive, room.Status)
}

func TestStaffSubscribedRoomReceivesEachEventOnce(t *testing.T) {
	hs := newHarness(t, testConfig())

	customer := hs.dial("/customer/me?" + hs.as("anon", types.Anonymous("s1")))
	roomId := expectType(t, customer, FrameRoomInfo)["room"].(map[string]any)["id"].(string)

	staff := hs.dial("/staff?" + hs.as("staff", staffPrincipal("agent")))
	expectType(t, staff, FrameRoomList)

	send(t, staff, map[string]any{"type": FrameSubscribeRoom, "room_id": roomId})
	info := expectType(t, staff, FrameRoomInfo)
	online := info["online"].([]any)
	require.Len(t, online, 2, "customer and agent are both present")

	send(t, customer, map[string]any{"type": FrameChatMessage, "content": "hi"})
	expectType(t, customer, string(hub.EventMessageCreated))
	expectType(t, customer, string(hub.EventRoomStatusChanged))

	send(t, staff, map[string]any{"type": FramePing, "id": 7})
	expectType(t, staff, string(hub.EventMessageCreated))
	expectType(t, staff, string(hub.EventRoomStatusChanged))
	pong := expectType(t, staff, FramePong)
	assert.Equal(t, float64(7), pong["request_id"])

	send(t, staff, map[string]any{"type": FrameUnsubscribeRoom, "room_id": roomId})
	send(t, staff, map[string]any{"type": FrameUnsubscribeRoom, "room_id": roomId})
	assert.Equal(t, CodeNotFound, expectType(t, staff, FrameError)["code"])
}

func TestTypingReachesOthersOnly(t *testing.T) {
	hs := newHarness(t, testConfig())

	customer := hs.dial("/customer/me?" + hs.as("anon", types.Anonymous("s1")))
	roomId := expectType(t, customer, FrameRoomInfo)["room"].(map[string]any)["id"].(string)

	staff := hs.dial("/staff?" + hs.as("staff", staffPrincipal("agent")))
	expectType(t, staff, FrameRoomList)
	send(t, staff, map[string]any{"type": FrameSubscribeRoom, "room_id": roomId})
	expectType(t, staff, FrameRoomInfo)

	send(t, customer, map[string]any{"type": FrameTyping, "state": hub.TypingStarted})
	typing := expectType(t, staff, string(hub.EventTyping))
	assert.Equal(t, hub.TypingStarted, typing["state"])

	send(t, customer, map[string]any{"type": FramePing})
	expectType(t, customer, FramePong)
}

func TestInputErrorsKeepConnection(t *testing.T) {
	hs := newHarness(t, testConfig())
	ws := hs.dial("/customer/me?" + hs.as("anon", types.Anonymous("s1")))
	expectType(t, ws, FrameRoomInfo)

	tests := []struct {
		name  string
		frame map[string]any
		typ   string
		code  string
	}{
		{"empty content", map[string]any{"type": FrameChatMessage, "content": "  ", "id": "a"}, FrameWarning, ""},
		{"unknown type", map[string]any{"type": "nope", "id": "b"}, FrameWarning, ""},
		{"staff frame on customer socket", map[string]any{"type": FrameCloseRoom, "id": "c"}, FrameWarning, ""},
		{"bad typing state", map[string]any{"type": FrameTyping, "state": "dancing", "id": "d"}, FrameWarning, ""},
		{"unknown mark_read bound", map[string]any{"type": FrameMarkRead, "up_to": "missing", "id": "e"}, FrameError, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, ws, tt.frame)
			got := expectType(t, ws, tt.typ)
			assert.Equal(t, tt.frame["id"], got["request_id"])
			if tt.code != "" {
				assert.Equal(t, tt.code, got["code"])
			}
		})
	}

	send(t, ws, map[string]any{"type": FramePing})
	expectType(t, ws, FramePong)
}

func TestStaffForbiddenOnCustomerSocket(t *testing.T) {
	hs := newHarness(t, testConfig())
	customer := hs.dial("/customer/me?" + hs.as("anon", types.Anonymous("s1")))
	roomId := expectType(t, customer, FrameRoomInfo)["room"].(map[string]any)["id"].(string)

	ws := hs.dial("/customer/" + roomId + "?" + hs.as("staff", staffPrincipal("agent")))
	expectType(t, ws, FrameRoomInfo)

	tests := []struct {
		name  string
		frame map[string]any
	}{
		{"chat message", map[string]any{"type": FrameChatMessage, "content": "hi", "id": "a"}},
		{"typing", map[string]any{"type": FrameTyping, "state": hub.TypingStarted, "id": "b"}},
		{"mark read", map[string]any{"type": FrameMarkRead, "id": "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, ws, tt.frame)
			got := expectType(t, ws, FrameError)
			assert.Equal(t, CodeForbidden, got["code"])
			assert.Equal(t, tt.frame["id"], got["request_id"])
		})
	}

	// Nothing reached the customer.
	send(t, customer, map[string]any{"type": FramePing, "id": "p"})
	assert.Equal(t, "p", expectType(t, customer, FramePong)["request_id"])
}

func TestAnonymousSessionKeepsClaimedRoom(t *testing.T) {
	hs := newHarness(t, testConfig())
	q := hs.as("anon", types.Anonymous("s1"))

	ws := hs.dial("/customer/me?" + q)
	roomId := expectType(t, ws, FrameRoomInfo)["room"].(map[string]any)["id"].(string)

	_, err := hs.repo.ClaimAnonymousRoom(context.Background(), database.ClaimRoomParams{
		SessionId:   "s1",
		UserId:      "u1",
		DisplayName: "Ada L",
	})
	require.NoError(t, err)

	send(t, ws, map[string]any{"type": FrameChatMessage, "content": "still me"})
	msg := expectType(t, ws, string(hub.EventMessageCreated))["message"].(map[string]any)
	assert.Equal(t, "still me", msg["content"])
	assert.Equal(t, "Ada L", msg["sender_name"])

	again := hs.dial("/customer/" + roomId + "?" + q)
	info := expectType(t, again, FrameRoomInfo)
	assert.Equal(t, roomId, info["room"].(map[string]any)["id"])
	assert.Len(t, info["messages"], 1)
}

func TestTransientStoreErrorIsRetryable(t *testing.T) {
	log := testutil.TestLogger(t)
	st := stats.NewStatsUpdater()
	h := hub.NewHub(log, st)
	room := types.Room{Id: "r1", SessionId: "s1", DisplayName: "Customer", Status: types.RoomActive}

	repo := new(database.MockChatRepository)
	repo.On("GetRoom", "r1").Return(room, nil)
	repo.On("ListMessages", "r1", 50).Return([]types.Message{}, nil)
	repo.On("UnreadCount", "r1", types.SenderCustomer).Return(0, nil)
	repo.On("AppendMessage", mock.Anything).
		Return(database.AppendResult{}, fmt.Errorf("insert message: %w", database.ErrTransient))

	cs := NewChatServer(log, repo, h, lifecycle.NewManager(repo, h, log), presence.NewMemoryTracker(), st, testConfig())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /customer/{room}", func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.ServeCustomer(ws, types.Anonymous("s1"), r.PathValue("room"))
	})
	hs := &harness{t: t, srv: httptest.NewServer(mux)}
	t.Cleanup(hs.srv.Close)

	ws := hs.dial("/customer/r1")
	expectType(t, ws, FrameRoomInfo)

	send(t, ws, map[string]any{"type": FrameChatMessage, "content": "hello", "id": "m1"})
	got := expectType(t, ws, FrameError)
	assert.Equal(t, CodeTransient, got["code"])
	assert.Equal(t, true, got["retryable"])
	assert.Equal(t, "m1", got["request_id"])

	send(t, ws, map[string]any{"type": FramePing, "id": "p1"})
	assert.Equal(t, "p1", expectType(t, ws, FramePong)["request_id"])
	repo.AssertCalled(t, "AppendMessage", mock.Anything)
}

func TestClosedRoomRejectsAppends(t *testing.T) {
	hs := newHarness(t, testConfig())
	customer := hs.dial("/customer/me?" + hs.as("anon", types.Anonymous("s1")))
	roomId := expectType(t, customer, FrameRoomInfo)["room"].(map[string]any)["id"].(string)

	staff := hs.dial("/staff?" + hs.as("staff", staffPrincipal("agent")))
	expectType(t, staff, FrameRoomList)

	send(t, staff, map[string]any{"type": FrameCloseRoom, "room_id": roomId})
	assert.Equal(t, "closed", expectType(t, customer, string(hub.EventRoomStatusChanged))["status"])
	assert.Equal(t, "closed", expectType(t, staff, string(hub.EventRoomStatusChanged))["status"])

	send(t, customer, map[string]any{"type": FrameChatMessage, "content": "still there?", "id": 1})
	got := expectType(t, customer, FrameError)
	assert.Equal(t, CodeClosed, got["code"])
	assert.Equal(t, false, got["retryable"])

	send(t, staff, map[string]any{"type": FrameAdminMessage, "room_id": roomId, "content": "bye"})
	assert.Equal(t, CodeClosed, expectType(t, staff, FrameError)["code"])

	send(t, staff, map[string]any{"type": FrameCloseRoom})
	assert.Equal(t, CodeInvalid, expectType(t, staff, FrameError)["code"])
}

func TestProtocolViolationsClose(t *testing.T) {
	tests := []struct {
		name string
		mt   int
		data []byte
	}{
		{"binary frame", websocket.BinaryMessage, []byte(`{"type":"ping"}`)},
		{"malformed json", websocket.TextMessage, []byte(`{"type":`)},
		{"missing type", websocket.TextMessage, []byte(`{"content":"x"}`)},
		{"oversize frame", websocket.TextMessage, []byte(`{"type":"chat_message","content":"` + strings.Repeat("x", 2048) + `"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := newHarness(t, testConfig())
			ws := hs.dial("/customer/me?" + hs.as("anon", types.Anonymous("s1")))
			expectType(t, ws, FrameRoomInfo)

			require.NoError(t, ws.WriteMessage(tt.mt, tt.data))
			code, _ := expectClose(t, ws)
			assert.Equal(t, CloseProtocol, code)
		})
	}
}

func TestMaxSizeFrameAccepted(t *testing.T) {
	cfg := testConfig()
	cfg.Conn.MaxFrameBytes = 32 * 1024
	hs := newHarness(t, cfg)
	ws := hs.dial("/customer/me?" + hs.as("anon", types.Anonymous("s1")))
	expectType(t, ws, FrameRoomInfo)

	content := strings.Repeat("😀", 4096)
	send(t, ws, map[string]any{"type": FrameChatMessage, "content": content})
	msg := expectType(t, ws, string(hub.EventMessageCreated))["message"].(map[string]any)
	assert.Equal(t, content, msg["content"])
}

func TestIdleConnectionTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.Conn.KeepaliveInterval = 200 * time.Millisecond
	hs := newHarness(t, cfg)
	ws := hs.dial("/customer/me?" + hs.as("anon", types.Anonymous("s1")))
	ws.SetPingHandler(func(string) error { return nil })

	time.Sleep(500 * time.Millisecond)

	code, _ := expectClose(t, ws)
	assert.Equal(t, CloseIdleTimeout, code)
}

func TestBackpressureEviction(t *testing.T) {
	hs := newHarness(t, testConfig())

	healthy := hs.dial("/staff?" + hs.as("staff", staffPrincipal("agent")))
	expectType(t, healthy, FrameRoomList)

	slow := hs.dial("/stalled")
	var stalled *Conn
	select {
	case stalled = <-hs.stalled:
	case <-time.After(readWait):
		t.Fatal("stalled subscriber never registered")
	}

	const events = 65
	for i := range events {
		hs.hub.Publish(hub.StaffTopic, hub.RoomStatusChanged(fmt.Sprintf("r%d", i), types.RoomWaiting), nil)
	}
	assert.False(t, hs.hub.IsSubscribed(hub.StaffTopic, stalled), "evicted subscriber is removed")
	assert.Equal(t, 1, hs.hub.Subscribers(hub.StaffTopic))

	go stalled.writePump()
	code, _ := expectClose(t, slow)
	assert.Equal(t, CloseBackpressure, code)

	for i := range events {
		ev := expectType(t, healthy, string(hub.EventRoomStatusChanged))
		assert.Equal(t, fmt.Sprintf("r%d", i), ev["room_id"])
	}
}

func TestShutdownDrainsAndCloses(t *testing.T) {
	hs := newHarness(t, testConfig())
	customer := hs.dial("/customer/me?" + hs.as("anon", types.Anonymous("s1")))
	expectType(t, customer, FrameRoomInfo)
	staff := hs.dial("/staff?" + hs.as("staff", staffPrincipal("agent")))
	expectType(t, staff, FrameRoomList)
	require.Eventually(t, func() bool { return hs.cs.Connections() == 2 }, readWait, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), readWait)
		defer cancel()
		done <- hs.cs.Shutdown(ctx)
	}()

	for _, ws := range []*websocket.Conn{customer, staff} {
		code, frames := expectClose(t, ws)
		assert.Equal(t, CloseServerShutdown, code)
		require.NotEmpty(t, frames)
		assert.Equal(t, FrameServerShutdown, frames[len(frames)-1]["type"])
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(readWait):
		t.Fatal("shutdown did not finish")
	}
	assert.False(t, hs.cs.Accepting())
	assert.Equal(t, 0, hs.cs.Connections())

	late := hs.dial("/customer/me?" + hs.as("anon", types.Anonymous("s1")))
	code, _ := expectClose(t, late)
	assert.Equal(t, CloseServerShutdown, code)
}

func TestShutdownNoticeSurvivesFullQueue(t *testing.T) {
	hs := newHarness(t, testConfig())

	slow := hs.dial("/stalled")
	var stalled *Conn
	select {
	case stalled = <-hs.stalled:
	case <-time.After(readWait):
		t.Fatal("stalled subscriber never registered")
	}

	for i := range 64 {
		require.True(t, stalled.queue(PongFrame{Type: FramePong, RequestId: json.RawMessage(fmt.Sprint(i))}))
	}
	require.False(t, stalled.queue(PongFrame{Type: FramePong}), "queue should be full")

	stalled.Shutdown()
	go stalled.writePump()

	code, frames := expectClose(t, slow)
	assert.Equal(t, CloseServerShutdown, code)
	require.Len(t, frames, 64)
	assert.Equal(t, FrameServerShutdown, frames[len(frames)-1]["type"])
	assert.Equal(t, float64(1), frames[0]["request_id"], "oldest frame makes room")
}

func TestRoomLocks(t *testing.T) {
	l := newRoomLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("r1")
			defer unlock()

			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "one holder per room at a time")
	assert.Empty(t, l.locks, "released locks are dropped")
}
