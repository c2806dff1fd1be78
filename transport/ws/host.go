package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/actorflow/internal/runtime/actor"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/session"
)

// HostOptions configure NewHost.
type HostOptions struct {
	// AllowedOrigins restricts browser origins. Empty or "*" admits all.
	AllowedOrigins []string
	WriteTimeout   time.Duration
	// MaxMessageSize caps an inbound frame; zero leaves it unbounded.
	MaxMessageSize int64
	Logger         logging.ServiceLogger
}

// Host upgrades admitted requests and pumps their frames into actor
// instances.
type Host struct {
	opts     HostOptions
	upgrader websocket.Upgrader
	logger   logging.ServiceLogger
}

// NewHost builds a Host.
func NewHost(opts HostOptions) *Host {
	return &Host{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		logger: logging.OrDefault(opts.Logger),
	}
}

// Serve admits r against the instance at info, upgrades it and blocks
// reading frames until the socket closes.
//
// A non-nil error means the request was rejected before the upgrade and the
// caller still owns the response. Upgrade failures are answered by the
// upgrader itself.
func (h *Host) Serve(w http.ResponseWriter, r *http.Request, ns *actor.Namespace, info session.ObjectInfo) error {
	ctx := r.Context()
	a, unhold, err := ns.Hold(ctx, info)
	if err != nil {
		return err
	}
	var adm actor.Admission
	if err := a.Run(func() error {
		var err error
		adm, err = a.Admit(ctx, r)
		return err
	}); err != nil {
		unhold()
		ns.Release(info.ID)
		return err
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("Websocket upgrade failed", logging.LogFields{
			"actor":    info.Name,
			"actor_id": info.ID,
			"error":    err.Error(),
		})
		unhold()
		ns.Release(info.ID)
		return nil
	}
	if h.opts.MaxMessageSize > 0 {
		wsConn.SetReadLimit(h.opts.MaxMessageSize)
	}
	conn := NewConn(wsConn, h.opts.WriteTimeout)
	fields := logging.LogFields{"actor": info.Name, "actor_id": info.ID, "conn_id": conn.ID()}

	// The held table is still in place but the instance may have been
	// evicted and rebuilt around it during the upgrade.
	if a, err = ns.Get(ctx, info); err == nil {
		err = a.Run(func() error {
			_, err := a.Connect(ctx, conn, adm)
			return err
		})
	}
	unhold()
	if err != nil {
		h.logger.Error("Could not register connection", err, fields)
		_ = conn.Close(websocket.CloseInternalServerErr, "connect failed")
		ns.Release(info.ID)
		return nil
	}
	h.logger.Debug("Websocket connected", fields)
	h.pump(ctx, ns, info, conn, fields)
	return nil
}

func (h *Host) pump(ctx context.Context, ns *actor.Namespace, info session.ObjectInfo, conn *Conn, fields logging.LogFields) {
	defer func() {
		// The instance may have been evicted while the socket was open.
		if a, err := ns.Get(ctx, info); err == nil {
			_ = a.Run(func() error {
				a.Disconnect(ctx, conn)
				return nil
			})
		}
		ns.Release(info.ID)
		_ = conn.Close(websocket.CloseNormalClosure, "")
		h.logger.Debug("Websocket disconnected", fields)
	}()

	for {
		kind, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Info("Websocket closed unexpectedly", logging.LogFields{"conn_id": conn.ID(), "error": err.Error()})
			}
			return
		}
		a, err := ns.Get(ctx, info)
		if err != nil {
			h.logger.Error("Could not materialise actor for frame", err, fields)
			return
		}
		switch kind {
		case websocket.TextMessage:
			_ = a.Run(func() error {
				a.HandleText(ctx, conn, string(data))
				return nil
			})
		case websocket.BinaryMessage:
			_ = a.Run(func() error {
				a.HandleBinary(ctx, conn, data)
				return nil
			})
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			allowed = nil
			break
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
