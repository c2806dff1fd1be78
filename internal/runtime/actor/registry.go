package actor

import (
	"context"
	"time"

	"github.com/drblury/actorflow/internal/runtime/codec"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/ids"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metrics"
	"github.com/drblury/actorflow/internal/runtime/ratelimit"
	"github.com/drblury/actorflow/internal/runtime/router"
	"github.com/drblury/actorflow/internal/runtime/session"
)

const (
	framePing    = "ping"
	framePong    = "pong"
	typePresence = "presence"
	typeError    = "error"
)

// Frame is the envelope of every text frame exchanged with a client.
type Frame struct {
	Type string         `json:"type"`
	Data any            `json:"data"`
	Ctx  any            `json:"ctx,omitempty"`
}

// RegistryOptions wires a Registry to its actor.
type RegistryOptions struct {
	Sockets    session.Sockets
	In         router.Router
	Out        router.Router
	Dispatcher *router.Dispatcher
	Env        *router.Env
	Object     session.ObjectInfo
	RateLimit  ratelimit.Composer
	Logger     logging.ServiceLogger
	Metrics    *metrics.Metrics
	// Owner is handed to handlers as Call.Actor.
	Owner any
	// Locals builds the per-event locals.
	Locals func(ctx context.Context) map[string]any
	// OnError sees every error returned to a connection.
	OnError func(ctx context.Context, peer *session.Peer, err error)
	// OnBinary receives binary frames.
	OnBinary func(ctx context.Context, peer session.Peer, data []byte) error
}

// Registry indexes the live sessions of one actor instance. It is rebuilt
// from the host socket table whenever the instance is materialised and holds
// no state of its own. Callers serialise access through the actor gate.
type Registry struct {
	opts   RegistryOptions
	logger logging.ServiceLogger
}

// NewRegistry returns a registry over opts.Sockets.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Sockets == nil {
		opts.Sockets = session.NewSocketTable()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = router.NewDispatcher(router.DispatcherOptions{Logger: opts.Logger, Metrics: opts.Metrics})
	}
	return &Registry{
		opts:   opts,
		logger: logging.OrDefault(opts.Logger).With(logging.LogFields{"actor": opts.Object.Name, "actor_id": opts.Object.ID}),
	}
}

// Register stores s on conn and accepts conn into the socket table.
func (r *Registry) Register(conn session.Conn, s session.Session, tags []string) (session.Peer, error) {
	if s.ID == "" {
		s.ID = ids.NewSessionID()
	}
	if s.Participant.ID == "" {
		s.Participant.ID = ids.NewParticipantID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.Connected = true
	s.Meta = r.opts.Object
	s.Tags = append([]string(nil), tags...)
	if err := session.Save(conn, s); err != nil {
		return session.Peer{}, err
	}
	r.opts.Sockets.Accept(conn, tags)
	r.opts.Metrics.SetSessions(r.opts.Object.Name, len(r.Sessions("")))
	return session.Peer{Session: s, Conn: conn}, nil
}

// Unregister removes conn. The returned peer carries the last session stored
// on it.
func (r *Registry) Unregister(conn session.Conn) (session.Peer, bool) {
	s, ok := session.Load(conn)
	r.opts.Sockets.Remove(conn)
	r.opts.Metrics.SetSessions(r.opts.Object.Name, len(r.Sessions("")))
	if !ok {
		return session.Peer{Conn: conn}, false
	}
	s.Connected = false
	if err := session.Save(conn, s); err != nil {
		r.logger.Error("Could not mark session disconnected", err, logging.LogFields{"session_id": s.ID})
	}
	return session.Peer{Session: s, Conn: conn}, true
}

// Lookup returns the peer stored on conn.
func (r *Registry) Lookup(conn session.Conn) (session.Peer, bool) {
	s, ok := session.Load(conn)
	if !ok {
		return session.Peer{Conn: conn}, false
	}
	return session.Peer{Session: s, Conn: conn}, true
}

// Sessions lists the connected peers accepted under tag, or all of them when
// tag is empty.
func (r *Registry) Sessions(tag string) []session.Peer {
	conns := r.opts.Sockets.Conns(tag)
	peers := make([]session.Peer, 0, len(conns))
	for _, conn := range conns {
		s, ok := session.Load(conn)
		if !ok || !s.Connected {
			continue
		}
		peers = append(peers, session.Peer{Session: s, Conn: conn})
	}
	return peers
}

// Targets applies sel to the connected peers.
func (r *Registry) Targets(sel Selector) []session.Peer {
	if sel == nil {
		sel = All()
	}
	var out []session.Peer
	for _, peer := range r.Sessions(sel.Tag()) {
		if sel.Match(peer) {
			out = append(out, peer)
		}
	}
	return out
}

// Broadcast runs the out handler for topic once and sends the validated
// payload to every peer sel picks, with the handler result as the frame
// context. Nothing runs when sel picks nobody. It returns the number of
// connections the frame was written to. A failed send is logged and skipped.
func (r *Registry) Broadcast(ctx context.Context, topic string, raw any, sel Selector) (int, error) {
	if r.opts.Out == nil {
		return 0, errspkg.New(errspkg.ServiceUnavailable, "broadcasting is not configured for this actor")
	}
	path := router.SplitPath(topic)
	h, err := router.Resolve(r.opts.Out, path)
	if err != nil {
		return 0, err
	}

	targets := r.Targets(sel)
	if len(targets) == 0 {
		return 0, nil
	}
	ev := r.event(ctx, router.KindSocketOut, path)
	ev.To = targets
	res, err := r.opts.Dispatcher.Dispatch(ctx, h, ev, raw, r.opts.Owner)
	if err != nil {
		return 0, err
	}

	frame := Frame{Type: router.JoinPath(path), Data: res.Input, Ctx: res.Value}
	data, err := codec.Marshal(frame)
	if err != nil {
		return 0, errspkg.Wrap(errspkg.Internal, "Internal Server Error", err)
	}
	return r.sendAll(targets, frame.Type, string(data)), nil
}

func (r *Registry) sendAll(targets []session.Peer, frameType, msg string) int {
	sent := 0
	for _, peer := range targets {
		if err := peer.Conn.SendText(msg); err != nil {
			r.opts.Metrics.SendFailed(r.opts.Object.Name)
			r.logger.Info("Dropped frame for unreachable connection", logging.LogFields{
				"type":       frameType,
				"session_id": peer.Session.ID,
				"error":      err.Error(),
			})
			continue
		}
		sent++
	}
	r.opts.Metrics.FramesSent(r.opts.Object.Name, frameType, sent)
	return sent
}

// Presence pushes the roster of participants accepted under tag to each of
// them.
func (r *Registry) Presence(tag string) int {
	peers := r.Sessions(tag)
	roster := make([]session.Participant, 0, len(peers))
	for _, p := range peers {
		roster = append(roster, p.Session.Participant)
	}
	data, err := codec.Marshal(Frame{Type: typePresence, Data: roster})
	if err != nil {
		r.logger.Error("Could not encode presence", err, nil)
		return 0
	}
	return r.sendAll(peers, typePresence, string(data))
}

// HandleText processes one text frame from conn. Failures are reported to
// conn alone as an error frame.
func (r *Registry) HandleText(ctx context.Context, conn session.Conn, msg string) {
	if msg == framePing {
		if err := conn.SendText(framePong); err != nil {
			r.logger.Debug("Could not answer ping", logging.LogFields{"error": err.Error()})
		}
		return
	}

	peer, _ := r.Lookup(conn)
	if err := r.handleFrame(ctx, &peer, msg); err != nil {
		r.fail(ctx, &peer, err)
	}
}

func (r *Registry) handleFrame(ctx context.Context, peer *session.Peer, msg string) error {
	var in Frame
	if err := codec.Unmarshal([]byte(msg), &in); err != nil || in.Type == "" {
		return errspkg.New(errspkg.BadRequest, "Malformed frame")
	}
	if r.opts.In == nil {
		return errspkg.New(errspkg.ServiceUnavailable, "receiving messages is not configured for this actor")
	}

	path := router.SplitPath(in.Type)
	ev := r.event(ctx, router.KindSocketIn, path)
	ev.From = peer

	if err := r.opts.RateLimit.Check(ctx, r.opts.Env, ev); err != nil {
		return err
	}
	h, err := router.Resolve(r.opts.In, path)
	if err != nil {
		return err
	}
	_, err = r.opts.Dispatcher.CallWithActor(ctx, h, ev, in.Data, r.opts.Owner)
	return err
}

// HandleBinary hands a binary frame to the binary hook.
func (r *Registry) HandleBinary(ctx context.Context, conn session.Conn, data []byte) {
	if r.opts.OnBinary == nil {
		return
	}
	peer, _ := r.Lookup(conn)
	if err := r.opts.OnBinary(ctx, peer, data); err != nil {
		r.fail(ctx, &peer, err)
	}
}

// fail reports err to peer alone.
func (r *Registry) fail(ctx context.Context, peer *session.Peer, err error) {
	cond := errspkg.From(err)
	if r.opts.OnError != nil {
		r.opts.OnError(ctx, peer, cond)
	}
	data, mErr := codec.Marshal(Frame{Type: typeError, Data: cond.Body()})
	if mErr != nil {
		r.logger.Error("Could not encode error frame", mErr, nil)
		return
	}
	if sendErr := peer.Conn.SendText(string(data)); sendErr != nil {
		r.opts.Metrics.SendFailed(r.opts.Object.Name)
		r.logger.Debug("Could not deliver error frame", logging.LogFields{"error": sendErr.Error()})
	}
}

func (r *Registry) event(ctx context.Context, kind router.Kind, path []string) *router.Event {
	ev := &router.Event{
		Kind:   kind,
		Path:   path,
		Env:    r.opts.Env,
		Object: r.opts.Object,
	}
	if r.opts.Locals != nil {
		ev.Locals = r.opts.Locals(ctx)
	}
	return ev
}
