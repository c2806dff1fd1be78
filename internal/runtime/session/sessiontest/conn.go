package sessiontest

import "sync"

// FakeConn is an in-memory session.Conn that records everything sent to it. Tests of
// the actor runtime use it in place of a real socket.
type FakeConn struct {
	id string

	mu         sync.Mutex
	attachment []byte
	texts      []string
	binaries   [][]byte
	closed     bool
	closeCode  int
	sendErr    error
}

// NewFakeConn returns an open FakeConn.
func NewFakeConn(id string) *FakeConn {
	return &FakeConn{id: id}
}

func (c *FakeConn) ID() string { return c.id }

func (c *FakeConn) SendText(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.texts = append(c.texts, msg)
	return nil
}

func (c *FakeConn) SendBinary(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.binaries = append(c.binaries, append([]byte(nil), msg...))
	return nil
}

func (c *FakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

func (c *FakeConn) SerializeAttachment(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachment = append([]byte(nil), data...)
}

func (c *FakeConn) DeserializeAttachment() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.attachment...)
}

// FailSends makes every later send return err.
func (c *FakeConn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Texts returns the text frames sent so far.
func (c *FakeConn) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

// Binaries returns the binary frames sent so far.
func (c *FakeConn) Binaries() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.binaries...)
}

// Closed reports whether Close was called and with which code.
func (c *FakeConn) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// Reset forgets the frames sent so far.
func (c *FakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = nil
	c.binaries = nil
}
