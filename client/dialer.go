package client

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the part of a websocket connection a Socket uses.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens websocket connections.
type Dialer interface {
	DialContext(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// WebsocketDialer adapts a gorilla dialer.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

// DefaultDialer dials with websocket.DefaultDialer.
var DefaultDialer Dialer = WebsocketDialer{Dialer: websocket.DefaultDialer}

func (d WebsocketDialer) DialContext(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			defer resp.Body.Close()
			return nil, remoteErrorFrom(resp)
		}
		return nil, err
	}
	return conn, nil
}
