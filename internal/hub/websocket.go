package hub

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxInbound = 512
	sendBuffer = 64 // queued messages per viewer before it counts as slow
)

var (
	ErrViewerClosed = errors.New("viewer closed")
	ErrViewerSlow   = errors.New("viewer send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to Connection. Send only queues; the write pump
// owns the socket, so a viewer that stops reading fills its buffer instead of blocking
// the broadcaster.
type wsConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues msg without blocking. It fails when the viewer is closed or too far behind.
func (c *wsConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrViewerClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return ErrViewerSlow
	}
}

// Close signals the write pump, which sends a close frame and releases the socket.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// ServeWS upgrades the request and registers the viewer until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := newWSConn(conn)
	go h.writePump(c)
	h.Register(c)

	h.readPump(c)
}

// readPump discards inbound frames; its only job is noticing that the viewer left.
func (h *Hub) readPump(c *wsConn) {
	defer h.Unregister(c)

	c.conn.SetReadLimit(maxInbound)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Viewer read error", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only writer on the socket. It drains the send buffer, pings on a
// timer and closes the socket when the viewer is closed or a write fails.
func (h *Hub) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		h.Unregister(c)
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("Viewer write failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) ServeWSHandler() http.Handler {
	return http.HandlerFunc(h.ServeWS)
}
