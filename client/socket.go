package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/drblury/actorflow/internal/runtime/codec"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/router"
	"github.com/drblury/actorflow/internal/runtime/session"
)

const (
	DefaultPingInterval         = 10 * time.Second
	DefaultPongTimeout          = 10 * time.Second
	DefaultReconnectBase        = time.Second
	DefaultMaxReconnectAttempts = 7
	DefaultDialTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
)

const (
	framePing    = "ping"
	framePong    = "pong"
	typePresence = "presence"
	typeError    = "error"
)

// ErrSocketClosed is returned when using a socket after Close or after it
// gave up reconnecting.
var ErrSocketClosed = errors.New("client: socket closed")

// State is the lifecycle position of a Socket.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "CLOSED"
	}
}

// Participant is a roster entry pushed in presence frames.
type Participant = session.Participant

// Message is a typed frame pushed by an actor.
type Message struct {
	Type string
	Data any
	// Ctx is what the actor's out handler returned for this frame.
	Ctx any
}

// HandlerFunc receives one typed frame.
type HandlerFunc func(Message)

// Handlers routes typed frames by their dotted type. Values are HandlerFunc,
// func(Message) or nested Handlers. Keys may be dotted themselves, so flat
// and nested trees can be mixed.
type Handlers map[string]any

func (h Handlers) lookup(path []string) HandlerFunc {
	if len(path) == 0 || h == nil {
		return nil
	}
	if fn := asHandler(h[strings.Join(path, ".")]); fn != nil {
		return fn
	}
	for i := len(path) - 1; i > 0; i-- {
		switch child := h[strings.Join(path[:i], ".")].(type) {
		case Handlers:
			if fn := child.lookup(path[i:]); fn != nil {
				return fn
			}
		case map[string]any:
			if fn := Handlers(child).lookup(path[i:]); fn != nil {
				return fn
			}
		}
	}
	return nil
}

func asHandler(v any) HandlerFunc {
	switch fn := v.(type) {
	case HandlerFunc:
		return fn
	case func(Message):
		return fn
	}
	return nil
}

// SocketOptions configures a Socket. Every callback is optional and runs on
// the socket's read goroutine.
type SocketOptions struct {
	// Participant is sent with the handshake.
	Participant *Participant
	Header      http.Header
	Handlers    Handlers

	OnOpen     func()
	OnClose    func()
	OnPresence func(roster []Participant)
	OnError    func(err *RemoteError)
	OnBinary   func(data []byte)
	// OnReconnectFailed runs once when the socket gives up and closes.
	OnReconnectFailed func()

	PingInterval         time.Duration
	PongTimeout          time.Duration
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration

	Logger logging.ServiceLogger
}

func (o *SocketOptions) applyDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = DefaultPongTimeout
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = DefaultReconnectBase
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	o.Logger = logging.OrDefault(o.Logger)
}

type outbound struct {
	kind int
	data []byte
}

// Socket is a websocket to one actor instance that reconnects with
// exponential backoff after abnormal closes and missed pongs. Frames sent
// while it is not connected are queued and flushed in order on open.
type Socket struct {
	url    string
	dialer Dialer
	opts   SocketOptions
	logger logging.ServiceLogger
	// deliver receives typed frames. It defaults to routing through
	// opts.Handlers.
	deliver func(Message)

	mu        sync.Mutex
	state     State
	conn      Conn
	gen       uint64
	pending   []outbound
	presence  []Participant
	pongTimer *time.Timer
	destroyed bool
	done      chan struct{}

	// writeMu serialises writes and is never held together with mu, so a
	// stalled write cannot block the heartbeat or the read loop.
	writeMu  sync.Mutex
	failOnce sync.Once
}

// NewSocket returns a closed socket for rawURL. Call Open to connect.
func NewSocket(rawURL string, dialer Dialer, opts SocketOptions) *Socket {
	opts.applyDefaults()
	if dialer == nil {
		dialer = DefaultDialer
	}
	s := &Socket{
		url:    rawURL,
		dialer: dialer,
		opts:   opts,
		logger: opts.Logger.With(logging.LogFields{"socket": rawURL}),
		done:   make(chan struct{}),
	}
	s.deliver = func(msg Message) {
		if fn := s.opts.Handlers.lookup(splitType(msg.Type)); fn != nil {
			fn(msg)
		}
	}
	return s
}

// State reports where the socket is in its lifecycle.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Presence is the last roster pushed by the actor.
func (s *Socket) Presence() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Participant(nil), s.presence...)
}

// Open dials the socket. It is a no-op on an open socket.
func (s *Socket) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	if s.state != StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dialer.DialContext(ctx, s.url, s.opts.Header)
	if err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateClosed
		}
		s.mu.Unlock()
		return err
	}
	if !s.attach(conn) {
		_ = conn.Close()
		return ErrSocketClosed
	}
	return nil
}

// Send queues a typed frame. It is written at once when connected.
func (s *Socket) Send(typ string, data any) error {
	raw, err := codec.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{typ, data})
	if err != nil {
		return err
	}
	return s.enqueue(outbound{kind: websocket.TextMessage, data: raw})
}

// SendBinary queues a binary frame.
func (s *Socket) SendBinary(data []byte) error {
	return s.enqueue(outbound{kind: websocket.BinaryMessage, data: append([]byte(nil), data...)})
}

func (s *Socket) enqueue(out outbound) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	s.pending = append(s.pending, out)
	conn := s.conn
	connected := s.state == StateConnected && conn != nil
	s.mu.Unlock()

	if connected {
		s.flush(conn)
	}
	return nil
}

// flush writes queued frames to conn in order. A frame leaves the queue only
// once written; on a failed write conn is closed and the rest waits for the
// next connection.
func (s *Socket) flush(conn Conn) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for {
		s.mu.Lock()
		if s.conn != conn || len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		out := s.pending[0]
		s.mu.Unlock()

		if err := s.writeLocked(conn, out); err != nil {
			s.logger.Debug("Write failed, keeping frame queued", logging.LogFields{"error": err.Error()})
			_ = conn.Close()
			return
		}

		s.mu.Lock()
		if len(s.pending) > 0 {
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()
	}
}

func (s *Socket) write(conn Conn, out outbound) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(conn, out)
}

func (s *Socket) writeLocked(conn Conn, out outbound) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(out.kind, out.data)
}

// Close sends a normal close and stops reconnecting. The socket cannot be
// reopened.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyLocked()
	conn := s.conn
	s.state = StateClosed
	s.pending = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	// A write in flight keeps the lock; the close frame is skipped then.
	if s.writeMu.TryLock() {
		_ = s.writeLocked(conn, outbound{
			kind: websocket.CloseMessage,
			data: websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		})
		s.writeMu.Unlock()
	}
	return conn.Close()
}

func (s *Socket) destroyLocked() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.stopPongLocked()
	close(s.done)
}

// attach makes conn the live connection and flushes the queue.
func (s *Socket) attach(conn Conn) bool {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return false
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	s.flush(conn)

	s.logger.Debug("Socket connected", nil)
	if s.opts.OnOpen != nil {
		s.opts.OnOpen()
	}
	go s.heartbeat(conn, gen)
	go s.readLoop(conn, gen)
	return true
}

func (s *Socket) readLoop(conn Conn, gen uint64) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			s.lost(conn, gen, err)
			return
		}
		switch kind {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			if s.opts.OnBinary != nil {
				s.opts.OnBinary(data)
			}
		}
	}
}

func (s *Socket) handleText(data []byte) {
	if string(data) == framePong {
		s.mu.Lock()
		s.stopPongLocked()
		s.mu.Unlock()
		return
	}

	var head struct {
		Type string `json:"type"`
		Data any    `json:"data"`
		Ctx  any    `json:"ctx"`
	}
	if err := codec.Unmarshal(data, &head); err != nil || head.Type == "" {
		s.logger.Debug("Dropping malformed frame", logging.LogFields{"frame": string(data)})
		return
	}

	switch head.Type {
	case typePresence:
		var frame struct {
			Data []Participant `json:"data"`
		}
		if err := codec.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("Dropping malformed presence", logging.LogFields{"error": err.Error()})
			return
		}
		s.mu.Lock()
		s.presence = frame.Data
		s.mu.Unlock()
		if s.opts.OnPresence != nil {
			s.opts.OnPresence(append([]Participant(nil), frame.Data...))
		}
	case typeError:
		var frame struct {
			Data errspkg.Body `json:"data"`
		}
		if err := codec.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("Dropping malformed error frame", logging.LogFields{"error": err.Error()})
			return
		}
		if s.opts.OnError != nil {
			s.opts.OnError(&RemoteError{Status: frame.Data.Status, Message: frame.Data.Message, Issues: frame.Data.Issues})
		}
	default:
		s.deliver(Message{Type: head.Type, Data: head.Data, Ctx: head.Ctx})
	}
}

// lost handles the end of conn. Normal closes and closes after Close stay
// closed; anything else reconnects.
func (s *Socket) lost(conn Conn, gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.stopPongLocked()
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	stay := s.destroyed || normal
	if stay {
		s.state = StateClosed
	}
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.Debug("Socket closed", logging.LogFields{"error": err.Error(), "reconnect": !stay})
	if s.opts.OnClose != nil {
		s.opts.OnClose()
	}
	if !stay {
		s.reconnect()
	}
}

func (s *Socket) heartbeat(conn Conn, gen uint64) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if gen != s.gen || s.conn != conn {
			s.mu.Unlock()
			return
		}
		if s.pongTimer == nil {
			s.pongTimer = time.AfterFunc(s.opts.PongTimeout, func() { s.pongMissed(conn, gen) })
		}
		s.mu.Unlock()

		if err := s.write(conn, outbound{kind: websocket.TextMessage, data: []byte(framePing)}); err != nil {
			_ = conn.Close()
			return
		}
	}
}

func (s *Socket) pongMissed(conn Conn, gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.pongTimer = nil
	s.mu.Unlock()

	s.logger.Info("Pong timeout, reconnecting", nil)
	// The read loop sees the broken connection and reconnects.
	_ = conn.Close()
}

func (s *Socket) stopPongLocked() {
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
}

func (s *Socket) reconnect() {
	s.mu.Lock()
	if s.destroyed || s.state == StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.mu.Unlock()
	go s.reconnectLoop()
}

// reconnectLoop waits Base * 2^attempt before each dial.
func (s *Socket) reconnectLoop() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.opts.ReconnectBase << s.opts.MaxReconnectAttempts
	b.Reset()

	for attempt := 0; attempt < s.opts.MaxReconnectAttempts; attempt++ {
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
		conn, err := s.dialer.DialContext(ctx, s.url, s.opts.Header)
		cancel()
		if err == nil {
			if !s.attach(conn) {
				_ = conn.Close()
			}
			return
		}
		s.logger.Debug("Reconnect attempt failed", logging.LogFields{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}

	s.mu.Lock()
	s.state = StateClosed
	s.destroyLocked()
	s.mu.Unlock()
	s.logger.Info("Giving up reconnecting", logging.LogFields{"attempts": s.opts.MaxReconnectAttempts})
	s.failOnce.Do(func() {
		if s.opts.OnReconnectFailed != nil {
			s.opts.OnReconnectFailed()
		}
	})
}

func splitType(typ string) []string { return router.SplitPath(typ) }
