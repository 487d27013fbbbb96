package ws

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/curaline/realtime-service/internal/realtime"
)

// wsConn adapts a gorilla connection to realtime.Conn. Writes are serialized
// through a one-slot channel so concurrent fan-outs never interleave frames.
type wsConn struct {
	conn   *websocket.Conn
	id     string
	userID int64

	sendTimeout time.Duration
	sendMu      chan struct{}
	closed      chan struct{}
}

func newWsConn(c *websocket.Conn, id string, userID int64, sendTimeout time.Duration) *wsConn {
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &wsConn{
		conn:        c,
		id:          id,
		userID:      userID,
		sendTimeout: sendTimeout,
		sendMu:      make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

func (c *wsConn) ID() string    { return c.id }
func (c *wsConn) UserID() int64 { return c.userID }

func (c *wsConn) Send(ev realtime.Event) error {
	c.sendMu <- struct{}{}
	defer func() { <-c.sendMu }()
	c.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout))

	return c.conn.WriteJSON(ev)
}

func (c *wsConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}

	return c.conn.Close()
}
