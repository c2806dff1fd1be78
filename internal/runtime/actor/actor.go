// Package actor hosts durable actor instances: one serial instance per
// object id that owns a set of live connections, an RPC router and the
// in/out topic routers its sockets speak.
package actor

import (
	"context"
	"net/http"
	"sync"

	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/ids"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metrics"
	"github.com/drblury/actorflow/internal/runtime/ratelimit"
	"github.com/drblury/actorflow/internal/runtime/router"
	"github.com/drblury/actorflow/internal/runtime/session"
	"github.com/drblury/actorflow/internal/runtime/storage"
)

// Presence scopes.
const (
	PresenceAll  = "ALL"
	PresenceNone = "NONE"
)

// Admission is what the Admit hook decides about an incoming connection.
type Admission struct {
	Participant session.Participant
	Data        map[string]any
	Tags        []string
}

// Options configure the behaviour of every instance of one actor class.
// All hooks are optional.
type Options struct {
	// Router serves RPC calls addressed to the instance.
	Router router.Router
	// In routes frames received from connections.
	In router.Router
	// Out routes broadcasts pushed to connections.
	Out router.Router

	RateLimit ratelimit.Composer
	// PresenceScope is PresenceAll (the default), PresenceNone or a tag.
	PresenceScope string

	// Admit runs before a socket is upgraded. Returning an UNAUTHORIZED or
	// FORBIDDEN condition rejects the connection.
	Admit     func(ctx context.Context, a *Actor, req *http.Request) (Admission, error)
	OnStart   func(ctx context.Context, a *Actor) error
	OnConnect func(ctx context.Context, a *Actor, peer session.Peer) error
	OnClose   func(ctx context.Context, a *Actor, peer session.Peer)
	OnBinary  func(ctx context.Context, a *Actor, peer session.Peer, data []byte) error
	OnError   func(ctx context.Context, a *Actor, peer *session.Peer, err error)
	// Locals builds per-event locals.
	Locals func(ctx context.Context, a *Actor) map[string]any
}

// Deps are the host services an instance is built with.
type Deps struct {
	Sockets    session.Sockets
	Storage    storage.Storage
	Dispatcher *router.Dispatcher
	Env        *router.Env
	Logger     logging.ServiceLogger
	Metrics    *metrics.Metrics
}

// Actor is one instance. Every host entry point goes through Run, so
// handlers never run concurrently within one instance.
type Actor struct {
	info       session.ObjectInfo
	opts       Options
	deps       Deps
	registry   *Registry
	dispatcher *router.Dispatcher
	logger     logging.ServiceLogger

	gate    sync.Mutex
	started bool
	// Values is instance state owned by the application. It is only touched
	// under the gate.
	Values map[string]any
}

// New builds an instance. OnStart has not run yet.
func New(info session.ObjectInfo, opts Options, deps Deps) *Actor {
	logger := logging.OrDefault(deps.Logger)
	if deps.Dispatcher == nil {
		deps.Dispatcher = router.NewDispatcher(router.DispatcherOptions{Logger: logger, Metrics: deps.Metrics})
	}
	if deps.Sockets == nil {
		deps.Sockets = session.NewSocketTable()
	}
	if deps.Storage == nil {
		deps.Storage = storage.NewMemory()
	}

	a := &Actor{
		info:       info,
		opts:       opts,
		deps:       deps,
		dispatcher: deps.Dispatcher,
		logger:     logger.With(logging.LogFields{"actor": info.Name, "actor_id": info.ID}),
		Values:     make(map[string]any),
	}
	a.registry = NewRegistry(RegistryOptions{
		Sockets:    deps.Sockets,
		In:         opts.In,
		Out:        opts.Out,
		Dispatcher: deps.Dispatcher,
		Env:        deps.Env,
		Object:     info,
		RateLimit:  opts.RateLimit,
		Logger:     logger,
		Metrics:    deps.Metrics,
		Owner:      a,
		Locals:     a.locals,
		OnError:    a.onError,
		OnBinary:   a.onBinary,
	})
	return a
}

// Run executes fn under the instance gate.
func (a *Actor) Run(fn func() error) error {
	a.gate.Lock()
	defer a.gate.Unlock()
	return fn()
}

// Info is the address of the instance.
func (a *Actor) Info() session.ObjectInfo { return a.info }

// Storage is the instance's own key space.
func (a *Actor) Storage() storage.Storage { return a.deps.Storage }

// Registry is the session index of the instance.
func (a *Actor) Registry() *Registry { return a.registry }

// Env is the host bindings object.
func (a *Actor) Env() *router.Env { return a.deps.Env }

// Logger is the instance logger.
func (a *Actor) Logger() logging.ServiceLogger { return a.logger }

// Start runs OnStart once. Call it under the gate.
func (a *Actor) Start(ctx context.Context) error {
	if a.started {
		return nil
	}
	if a.opts.OnStart != nil {
		if err := a.opts.OnStart(ctx, a); err != nil {
			return err
		}
	}
	a.started = true
	return nil
}

// Admit decides whether req may open a socket. Actors that can neither
// receive nor push frames refuse every socket. Without an Admit hook every
// request is admitted as a fresh participant.
func (a *Actor) Admit(ctx context.Context, req *http.Request) (Admission, error) {
	if a.opts.In == nil && a.opts.Out == nil && a.opts.OnBinary == nil {
		return Admission{}, errspkg.New(errspkg.ServiceUnavailable, "sockets are not configured for this actor")
	}
	var adm Admission
	if a.opts.Admit != nil {
		var err error
		if adm, err = a.opts.Admit(ctx, a, req); err != nil {
			return Admission{}, err
		}
	}
	if adm.Participant.ID == "" {
		adm.Participant.ID = ids.NewParticipantID()
	}
	return adm, nil
}

// Connect registers an admitted connection, runs OnConnect and pushes
// presence.
func (a *Actor) Connect(ctx context.Context, conn session.Conn, adm Admission) (session.Peer, error) {
	peer, err := a.registry.Register(conn, session.Session{
		Participant: adm.Participant,
		Data:        adm.Data,
	}, adm.Tags)
	if err != nil {
		return session.Peer{}, err
	}
	a.logger.Debug("Connection registered", logging.LogFields{
		"session_id":     peer.Session.ID,
		"participant_id": peer.Session.Participant.ID,
	})
	if a.opts.OnConnect != nil {
		if err := a.opts.OnConnect(ctx, a, peer); err != nil {
			a.onError(ctx, &peer, err)
		}
	}
	a.presence()
	return peer, nil
}

// Disconnect unregisters conn, runs OnClose and pushes presence.
func (a *Actor) Disconnect(ctx context.Context, conn session.Conn) {
	peer, ok := a.registry.Unregister(conn)
	if ok && a.opts.OnClose != nil {
		a.opts.OnClose(ctx, a, peer)
	}
	a.presence()
}

// HandleText processes one text frame.
func (a *Actor) HandleText(ctx context.Context, conn session.Conn, msg string) {
	a.registry.HandleText(ctx, conn, msg)
}

// HandleBinary processes one binary frame.
func (a *Actor) HandleBinary(ctx context.Context, conn session.Conn, data []byte) {
	a.registry.HandleBinary(ctx, conn, data)
}

// Broadcast is Registry.Broadcast.
func (a *Actor) Broadcast(ctx context.Context, topic string, raw any, sel Selector) (int, error) {
	return a.registry.Broadcast(ctx, topic, raw, sel)
}

// Sessions is Registry.Sessions.
func (a *Actor) Sessions(tag string) []session.Peer {
	return a.registry.Sessions(tag)
}

// HandleRPC resolves path against the instance router and calls it. Call it
// under the gate.
func (a *Actor) HandleRPC(ctx context.Context, req *http.Request, path []string, raw any) (any, error) {
	h, err := router.Resolve(a.opts.Router, path)
	if err != nil {
		return nil, err
	}
	ev := &router.Event{
		Kind:    router.KindDurable,
		Path:    path,
		Request: req,
		Env:     a.deps.Env,
		Locals:  a.locals(ctx),
		Object:  a.info,
	}
	if req != nil {
		ev.Method = req.Method
	}
	return a.dispatcher.CallWithActor(ctx, h, ev, raw, a)
}

// SetPresence replaces the participant and data stored on conn and pushes
// the new roster. A nil participant keeps the current one.
func (a *Actor) SetPresence(conn session.Conn, participant *session.Participant, data map[string]any) error {
	peer, ok := a.registry.Lookup(conn)
	if !ok {
		return errspkg.New(errspkg.NotFound, "no session on connection")
	}
	if participant != nil {
		peer.Session.Participant = *participant
	}
	if data != nil {
		peer.Session.Data = data
	}
	if err := session.Save(conn, peer.Session); err != nil {
		return err
	}
	a.presence()
	return nil
}

// Presence pushes the roster for the configured scope.
func (a *Actor) Presence() int {
	return a.presence()
}

func (a *Actor) presence() int {
	scope := a.opts.PresenceScope
	switch scope {
	case PresenceNone:
		return 0
	case "", PresenceAll:
		scope = ""
	}
	return a.registry.Presence(scope)
}

func (a *Actor) locals(ctx context.Context) map[string]any {
	if a.opts.Locals == nil {
		return nil
	}
	return a.opts.Locals(ctx, a)
}

func (a *Actor) onError(ctx context.Context, peer *session.Peer, err error) {
	if a.opts.OnError != nil {
		a.opts.OnError(ctx, a, peer, err)
		return
	}
	if cond := errspkg.From(err); cond.Kind == errspkg.Internal {
		a.logger.Error("Connection error", cond.Cause, nil)
	}
}

func (a *Actor) onBinary(ctx context.Context, peer session.Peer, data []byte) error {
	if a.opts.OnBinary == nil {
		return nil
	}
	return a.opts.OnBinary(ctx, a, peer, data)
}
