package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chathub/internal/hub"
	"github.com/npezzotti/go-chathub/internal/stats"
	"github.com/rs/zerolog"
)

// Close codes sent to clients.
const (
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseProtocol        = websocket.CloseProtocolError
	CloseBackpressure    = 4008
	CloseIdleTimeout     = 4000
	CloseServerShutdown  = websocket.CloseGoingAway
	CloseInternal        = websocket.CloseInternalServerErr
	CloseNormal          = websocket.CloseNormalClosure
)

type ConnConfig struct {
	SendQueueSize     int
	MaxFrameBytes     int64
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
}

type closeReq struct {
	code   int
	reason string
	// drain flushes frames already queued before the close frame is written.
	drain bool
}

// Outbound is what a consumer needs from its connection.
type Outbound interface {
	hub.Subscriber
	// Send queues a frame without blocking. A full queue closes the
	// connection with the backpressure code.
	Send(frame any) bool
	Close(code int, reason string)
	Context() context.Context
}

// Conn owns one websocket. All writes go through the send queue and are
// performed by the writer goroutine; frames are handled one at a time by the
// reader goroutine.
type Conn struct {
	id    string
	ws    *websocket.Conn
	log   zerolog.Logger
	cfg   ConnConfig
	stats stats.StatsProvider

	send      chan any
	closing   chan closeReq
	closeOnce sync.Once
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewConn(ws *websocket.Conn, cfg ConnConfig, log zerolog.Logger, st stats.StatsProvider) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Conn{
		id:      id,
		ws:      ws,
		log:     log.With().Str("conn_id", id).Logger(),
		cfg:     cfg,
		stats:   st,
		send:    make(chan any, cfg.SendQueueSize),
		closing: make(chan closeReq, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Context() context.Context {
	return c.ctx
}

// Done is closed once the writer has exited and the socket is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Deliver(ev hub.Event) bool {
	return c.queue(ev)
}

func (c *Conn) Evict() {
	c.Close(CloseBackpressure, "outbound queue full")
}

func (c *Conn) Send(frame any) bool {
	if !c.queue(frame) {
		c.log.Warn().Msg("send queue full")
		c.Evict()
		return false
	}
	return true
}

// queue reports false only when the queue is full. Frames queued after the
// connection started closing are silently dropped.
func (c *Conn) queue(frame any) bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the writer to send a close frame with code and stop. Only the
// first call has any effect.
func (c *Conn) Close(code int, reason string) {
	c.requestClose(closeReq{code: code, reason: reason})
}

// Shutdown sends the shutdown frame, flushes the queue and closes with the
// shutdown code.
func (c *Conn) Shutdown() {
	frame := ShutdownFrame{Type: FrameServerShutdown, Message: "server is shutting down"}
	if !c.queue(frame) {
		// Make room by dropping the oldest queued frame.
		select {
		case <-c.send:
		default:
		}
		if !c.queue(frame) {
			c.log.Warn().Msg("shutdown notice dropped, send queue full")
		}
	}
	c.requestClose(closeReq{code: CloseServerShutdown, reason: "server shutting down", drain: true})
}

// Kill closes the socket without a close handshake.
func (c *Conn) Kill() {
	c.cancel()
	c.ws.Close()
}

func (c *Conn) requestClose(req closeReq) {
	c.closeOnce.Do(func() {
		c.log.Debug().Int("code", req.code).Str("reason", req.reason).Msg("closing")
		c.closing <- req
		c.cancel()
	})
}

func (c *Conn) pingInterval() time.Duration {
	return (c.cfg.KeepaliveInterval * 9) / 10
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval())
	defer func() {
		ticker.Stop()
		c.cancel()
		c.ws.Close()
		close(c.done)
	}()

	for {
		// A pending close wins over queued frames.
		select {
		case req := <-c.closing:
			c.finish(req)
			return
		default:
		}

		select {
		case req := <-c.closing:
			c.finish(req)
			return
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logWriteErr(err)
				return
			}
		}
	}
}

func (c *Conn) finish(req closeReq) {
	if req.drain {
	drain:
		for {
			select {
			case frame := <-c.send:
				if !c.writeFrame(frame) {
					return
				}
			default:
				break drain
			}
		}
	}

	msg := websocket.FormatCloseMessage(req.code, req.reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.logWriteErr(err)
	}
}

func (c *Conn) writeFrame(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to serialize frame")
		return true
	}

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logWriteErr(err)
		return false
	}
	return true
}

func (c *Conn) logWriteErr(err error) {
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
		websocket.CloseNormalClosure) {
		c.log.Debug().Err(err).Msg("write failed")
	}
}

// readPump hands every well-formed frame to handle until the peer goes away
// or the connection is closed. Protocol violations and keepalive failures
// close the connection with their own codes.
func (c *Conn) readPump(handle func(ClientFrame)) {
	defer c.Close(CloseNormal, "")

	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		mt, r, err := c.ws.NextReader()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				c.log.Info().Msg("keepalive timeout")
				c.Close(CloseIdleTimeout, "keepalive timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived):
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		c.extendDeadline()

		if mt != websocket.TextMessage {
			c.protocolClose("binary frames are not supported")
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r, c.cfg.MaxFrameBytes+1))
		if err != nil {
			c.log.Debug().Err(err).Msg("read failed")
			return
		}
		if int64(len(raw)) > c.cfg.MaxFrameBytes {
			c.protocolClose("frame too large")
			return
		}

		frame, err := parseFrame(raw)
		if err != nil {
			c.protocolClose("malformed frame")
			return
		}

		handle(frame)

		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

func (c *Conn) protocolClose(reason string) {
	c.log.Info().Str("reason", reason).Msg("protocol violation")
	c.stats.Incr(stats.ProtocolErrors)
	c.Close(CloseProtocol, reason)
}

func (c *Conn) extendDeadline() {
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.KeepaliveInterval))
}
