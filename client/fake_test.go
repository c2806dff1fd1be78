package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	kind int
	data string
}

// fakeConn is an in-memory websocket. Frames pushed with push are read by
// the socket; frames the socket writes are recorded.
type fakeConn struct {
	in       chan frame
	closed   chan struct{}
	once     sync.Once
	autoPong bool
	// stall blocks every write until the connection is closed.
	stall bool

	mu       sync.Mutex
	written  []frame
	closeErr error
}

func newFakeConn(autoPong bool) *fakeConn {
	return &fakeConn{in: make(chan frame, 16), closed: make(chan struct{}), autoPong: autoPong}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.kind, []byte(f.data), nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closeErr != nil {
			return 0, nil, c.closeErr
		}
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	if c.stall {
		<-c.closed
	}
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, frame{kind: kind, data: string(data)})
	c.mu.Unlock()
	if c.autoPong && kind == websocket.TextMessage && string(data) == framePing {
		c.push(websocket.TextMessage, framePong)
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(kind int, data string) {
	select {
	case c.in <- frame{kind: kind, data: data}:
	case <-c.closed:
	}
}

// closeWith simulates the peer closing with code.
func (c *fakeConn) closeWith(code int) {
	c.mu.Lock()
	c.closeErr = &websocket.CloseError{Code: code}
	c.mu.Unlock()
	_ = c.Close()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// texts returns the text frames written so far, pings excluded.
func (c *fakeConn) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.written {
		if f.kind == websocket.TextMessage && f.data != framePing {
			out = append(out, f.data)
		}
	}
	return out
}

type fakeDialer struct {
	autoPong bool
	// stallFirst makes the first connection stall on every write.
	stallFirst bool
	// fail decides whether dial number n (from 1) fails.
	fail func(n int) bool

	mu    sync.Mutex
	dials int
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) DialContext(_ context.Context, rawURL string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.urls = append(d.urls, rawURL)
	if d.fail != nil && d.fail(d.dials) {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(d.autoPong)
	c.stall = d.stallFirst && d.dials == 1
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}
