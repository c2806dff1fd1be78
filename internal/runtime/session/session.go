// Package session holds the per-connection identity record of an actor and
// the host socket contract it is stored on.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/drblury/actorflow/internal/runtime/codec"
)

// ObjectInfo addresses one actor instance. It is fixed once the instance is
// entered.
type ObjectInfo struct {
	Name         string `json:"name"`
	ID           string `json:"id"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
	LocationHint string `json:"locationHint,omitempty"`
}

// Participant is the application supplied identity of a connected peer. The
// core never authenticates it.
type Participant struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Session is one live connection's record.
type Session struct {
	ID          string         `json:"id"`
	Participant Participant    `json:"participant"`
	Connected   bool           `json:"connected"`
	CreatedAt   time.Time      `json:"createdAt"`
	Data        map[string]any `json:"data,omitempty"`
	Meta        ObjectInfo     `json:"meta"`
	Tags        []string       `json:"tags,omitempty"`
}

// Conn is the host handle of one accepted socket. Besides sending, it can
// carry an opaque attachment that outlives the actor instance which wrote it.
type Conn interface {
	ID() string
	SendText(msg string) error
	SendBinary(msg []byte) error
	Close(code int, reason string) error
	SerializeAttachment(data []byte)
	DeserializeAttachment() []byte
}

// Peer pairs a session with the connection it is stored on.
type Peer struct {
	Session Session
	Conn    Conn
}

// Save serialises s onto conn. The connection is the only store of a session.
func Save(conn Conn, s Session) error {
	data, err := codec.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	conn.SerializeAttachment(data)
	return nil
}

// Load reads the session stored on conn.
func Load(conn Conn) (Session, bool) {
	data := conn.DeserializeAttachment()
	if len(data) == 0 {
		return Session{}, false
	}
	var s Session
	if err := codec.Unmarshal(data, &s); err != nil {
		return Session{}, false
	}
	return s, true
}

// Sockets is the host table of connections accepted by one actor instance.
// It is owned by the host and survives eviction of the instance.
type Sockets interface {
	Accept(conn Conn, tags []string)
	Conns(tag string) []Conn
	Remove(conn Conn)
}

// SocketTable is an in-process Sockets. Conns are returned in accept order.
type SocketTable struct {
	mu    sync.Mutex
	order []Conn
	tags  map[Conn][]string
}

// NewSocketTable returns an empty table.
func NewSocketTable() *SocketTable {
	return &SocketTable{tags: make(map[Conn][]string)}
}

func (t *SocketTable) Accept(conn Conn, tags []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tags[conn]; !ok {
		t.order = append(t.order, conn)
	}
	t.tags[conn] = append([]string(nil), tags...)
}

// Conns lists accepted connections carrying tag, or all of them when tag is
// empty.
func (t *SocketTable) Conns(tag string) []Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Conn, 0, len(t.order))
	for _, conn := range t.order {
		if tag == "" || hasTag(t.tags[conn], tag) {
			out = append(out, conn)
		}
	}
	return out
}

func (t *SocketTable) Remove(conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tags[conn]; !ok {
		return
	}
	delete(t.tags, conn)
	for i, c := range t.order {
		if c == conn {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of accepted connections.
func (t *SocketTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
