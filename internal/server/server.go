package server

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chathub/internal/auth"
	"github.com/npezzotti/go-chathub/internal/config"
	"github.com/npezzotti/go-chathub/internal/database"
	"github.com/npezzotti/go-chathub/internal/hub"
	"github.com/npezzotti/go-chathub/internal/lifecycle"
	"github.com/npezzotti/go-chathub/internal/presence"
	"github.com/npezzotti/go-chathub/internal/stats"
	"github.com/npezzotti/go-chathub/internal/types"
	"github.com/rs/zerolog"
)

// MeAlias binds a customer socket to the caller's own room.
const MeAlias = "me"

var ErrShuttingDown = errors.New("chat server is shutting down")

type Config struct {
	Conn         ConnConfig
	HistoryLimit int
}

// ConfigFrom picks the socket tunables out of the process configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Conn: ConnConfig{
			SendQueueSize:     c.SendQueueSize,
			MaxFrameBytes:     c.MaxFrameBytes,
			KeepaliveInterval: c.KeepaliveInterval,
			WriteTimeout:      c.WriteTimeout,
		},
		HistoryLimit: c.HistoryLimit,
	}
}

// Consumer is the per-endpoint state machine driven by a connection.
type Consumer interface {
	// Open runs once after the upgrade. On error the consumer has already
	// closed the connection with the appropriate code.
	Open() error
	HandleFrame(f ClientFrame)
	// Close releases subscriptions and presence once the connection ends.
	Close()
}

type ChatServer struct {
	log      zerolog.Logger
	repo     database.ChatRepository
	hub      *hub.Hub
	manager  *lifecycle.Manager
	presence presence.Tracker
	stats    stats.StatsProvider
	cfg      Config
	locks    *roomLocks

	mu           sync.Mutex
	conns        map[*Conn]struct{}
	shuttingDown bool
	wg           sync.WaitGroup
}

func NewChatServer(
	logger zerolog.Logger,
	repo database.ChatRepository,
	h *hub.Hub,
	manager *lifecycle.Manager,
	tracker presence.Tracker,
	st stats.StatsProvider,
	cfg Config,
) *ChatServer {
	return &ChatServer{
		log:      logger.With().Str("component", "chat").Logger(),
		repo:     repo,
		hub:      h,
		manager:  manager,
		presence: tracker,
		stats:    st,
		cfg:      cfg,
		locks:    newRoomLocks(),
		conns:    make(map[*Conn]struct{}),
	}
}

// Accepting reports whether new sockets may be opened.
func (cs *ChatServer) Accepting() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return !cs.shuttingDown
}

// ServeCustomer runs a customer socket bound to roomRef, a room id or MeAlias.
func (cs *ChatServer) ServeCustomer(ws *websocket.Conn, p types.Principal, roomRef string) error {
	c := cs.newConn(ws, p)
	return cs.serve(c, &CustomerConsumer{cs: cs, out: c, principal: p, roomRef: roomRef, log: c.log})
}

// ServeStaff runs a staff socket.
func (cs *ChatServer) ServeStaff(ws *websocket.Conn, p types.Principal) error {
	c := cs.newConn(ws, p)
	return cs.serve(c, &StaffConsumer{cs: cs, out: c, principal: p, log: c.log, rooms: make(map[string]struct{})})
}

func (cs *ChatServer) newConn(ws *websocket.Conn, p types.Principal) *Conn {
	c := NewConn(ws, cs.cfg.Conn, cs.log, cs.stats)
	c.log = c.log.With().Str("principal", p.Kind.String()).Str("user_id", p.UserId).Logger()
	return c
}

// serve registers c and starts its pumps. It returns ErrShuttingDown, after
// closing the socket, when the server no longer accepts connections.
func (cs *ChatServer) serve(c *Conn, consumer Consumer) error {
	cs.mu.Lock()
	if cs.shuttingDown {
		cs.mu.Unlock()
		c.Close(CloseServerShutdown, "server shutting down")
		go c.writePump()
		return ErrShuttingDown
	}
	cs.conns[c] = struct{}{}
	cs.wg.Add(1)
	cs.mu.Unlock()

	go c.writePump()
	go func() {
		defer cs.wg.Done()
		defer cs.unregister(c)

		if err := consumer.Open(); err != nil {
			c.log.Debug().Err(err).Msg("connection refused")
			<-c.Done()
			return
		}

		c.readPump(consumer.HandleFrame)
		consumer.Close()
		<-c.Done()
	}()

	return nil
}

func (cs *ChatServer) unregister(c *Conn) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.conns, c)
}

// Connections returns the number of registered sockets.
func (cs *ChatServer) Connections() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.conns)
}

// Shutdown stops accepting sockets, tells every connection the server is
// going away, lets their queues drain, and kills whatever is still open when
// ctx expires.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.mu.Lock()
	cs.shuttingDown = true
	conns := make([]*Conn, 0, len(cs.conns))
	for c := range cs.conns {
		conns = append(conns, c)
	}
	cs.mu.Unlock()

	cs.log.Info().Int("connections", len(conns)).Msg("shutting down chat server")
	for _, c := range conns {
		c.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cs.mu.Lock()
		for c := range cs.conns {
			c.Kill()
		}
		cs.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// publishAppend announces a committed append. message-created always goes
// out before the status change it caused.
func (cs *ChatServer) publishAppend(roomId string, res database.AppendResult) {
	cs.hub.PublishRoom(roomId, hub.MessageCreated(roomId, res.Message))
	if res.StatusChanged() {
		cs.hub.PublishRoom(roomId, hub.RoomStatusChanged(roomId, res.Status))
	}
}

// roomInfo builds the snapshot sent when a socket starts watching a room.
func (cs *ChatServer) roomInfo(ctx context.Context, room types.Room, viewer types.SenderKind) (RoomInfoFrame, error) {
	messages, err := cs.repo.ListMessages(ctx, room.Id, cs.cfg.HistoryLimit)
	if err != nil {
		return RoomInfoFrame{}, err
	}

	unread, err := cs.repo.UnreadCount(ctx, room.Id, viewer)
	if err != nil {
		return RoomInfoFrame{}, err
	}

	online, err := cs.presence.Online(ctx, room.Id)
	if err != nil {
		cs.log.Warn().Err(err).Str("room_id", room.Id).Msg("presence unavailable")
		online = []types.Participant{}
	}

	return RoomInfoFrame{
		Type:        FrameRoomInfo,
		Room:        room,
		Messages:    messages,
		Online:      online,
		UnreadCount: unread,
	}, nil
}

// join records presence for who on the room and announces first arrivals.
func (cs *ChatServer) join(ctx context.Context, out Outbound, roomId string, who types.Participant) {
	first, err := cs.presence.Join(ctx, roomId, out.ID(), who)
	if err != nil {
		cs.log.Warn().Err(err).Str("room_id", roomId).Msg("presence join failed")
		return
	}
	if first {
		cs.hub.Publish(hub.RoomTopic(roomId), hub.Presence(roomId, who, hub.PresenceJoined), out)
	}
}

// leave runs on teardown, when the connection context is already canceled.
func (cs *ChatServer) leave(out Outbound, roomId string, who types.Participant) {
	last, err := cs.presence.Leave(context.Background(), roomId, out.ID(), who)
	if err != nil {
		cs.log.Warn().Err(err).Str("room_id", roomId).Msg("presence leave failed")
		return
	}
	if last {
		cs.hub.Publish(hub.RoomTopic(roomId), hub.Presence(roomId, who, hub.PresenceLeft), out)
	}
}

func (cs *ChatServer) reportStoreError(log zerolog.Logger, op string, err error) {
	if errors.Is(err, database.ErrTransient) || !isDomainError(err) {
		cs.stats.Incr(stats.StoreErrors)
		log.Error().Err(err).Str("op", op).Msg("store operation failed")
	}
}

func isDomainError(err error) bool {
	return errors.Is(err, database.ErrNotFound) ||
		errors.Is(err, database.ErrClosed) ||
		errors.Is(err, database.ErrConflict) ||
		errors.Is(err, database.ErrInvalid) ||
		errors.Is(err, auth.ErrForbidden)
}
