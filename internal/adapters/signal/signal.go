// Package signal is the WebSocket signaling dispatcher. Each connection
// gets a read pump that dispatches requests one at a time, a write pump
// draining a buffered send channel, and a small state machine gating media
// requests until the peer has joined a room.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/averev/huddle/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

type Controller struct {
	Registry *core.Registry
}

func NewController(reg *core.Registry) *Controller {
	return &Controller{Registry: reg}
}

// wsConn wraps the raw socket with a buffered outbound channel.
// It implements core.EventSink; a slow client drops events instead of
// blocking rooms.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Event implements core.EventSink.
func (c *wsConn) Event(name string, data any) {
	b, err := json.Marshal(broadcast{Event: name, Data: data})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", name).Msg("marshal broadcast")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("event", name).Msg("event dropped")
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until it drops.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	cl := &client{
		sid:   sid,
		conn:  conn,
		ctl:   ctl,
		state: stateConnected,
	}

	ctx, cancel := context.WithCancel(ctx)
	cl.cancel = cancel

	// Bind pushes the current room list to the new connection.
	ctl.Registry.Bind(sid, conn)

	go cl.writePump(ctx)
	go cl.readPump(ctx)
}

func (cl *client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-cl.conn.send:
			if !ok {
				return
			}
			if err := cl.conn.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("writePump set deadline")
				return
			}
			if err := cl.conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("writePump write")
				return
			}
		}
	}
}

// readPump dispatches requests synchronously: one in flight per connection,
// which is the per-peer serialization the core relies on.
func (cl *client) readPump(ctx context.Context) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(cl.sid)).Msg("connection closing")
		cl.onDisconnect()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := cl.conn.conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("readPump read")
				return
			}
			cl.handleRequest(ctx, data)
		}
	}
}
