// Package ws hosts actor connections over gorilla websockets.
package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/actorflow/internal/runtime/ids"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// Conn adapts a websocket to session.Conn. gorilla allows one concurrent
// writer, so every write holds writeMu.
type Conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool

	attachMu   sync.Mutex
	attachment []byte
}

// NewConn wraps ws under a fresh connection id.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Conn{id: ids.NewConnectionID(), ws: ws, writeTimeout: writeTimeout}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) SendText(msg string) error {
	return c.write(websocket.TextMessage, []byte(msg))
}

func (c *Conn) SendBinary(msg []byte) error {
	return c.write(websocket.BinaryMessage, msg)
}

func (c *Conn) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, data)
}

// Close sends a close frame with code and reason, then drops the socket.
// Calling it twice is a no-op.
func (c *Conn) Close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return c.ws.Close()
}

func (c *Conn) SerializeAttachment(data []byte) {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	c.attachment = append([]byte(nil), data...)
}

func (c *Conn) DeserializeAttachment() []byte {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	return append([]byte(nil), c.attachment...)
}
