package crdt

import (
	"context"
	"fmt"
	"sort"

	"github.com/drblury/actorflow/internal/runtime/actor"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metrics"
	"github.com/drblury/actorflow/internal/runtime/session"
)

const docValueKey = "crdt.doc"

// DocOptions configure the document bound to each actor instance.
type DocOptions struct {
	Limits  Limits
	Initial func(doc *Doc)
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
}

// DocServer serves one shared document to the connections of one actor
// instance over the binary sync protocol. Its methods run under the actor
// gate.
type DocServer struct {
	opts      DocOptions
	logger    logging.ServiceLogger
	doc       *Doc
	awareness *Awareness
	log       *UpdateLog
	actor     *actor.Actor
	conns     map[string]*docConn
}

type docConn struct {
	conn session.Conn
	// clients are the awareness ids this connection announced.
	clients map[uint64]struct{}
}

// NewDocServer returns an unstarted server.
func NewDocServer(opts DocOptions) *DocServer {
	return &DocServer{
		opts:      opts,
		logger:    logging.OrDefault(opts.Logger),
		doc:       NewDoc(),
		awareness: NewAwareness(),
		conns:     make(map[string]*docConn),
	}
}

// DocFactory builds actor options that bind a fresh DocServer to every
// instance. Hooks already set in base run after the document hooks.
func DocFactory(base actor.Options, opts DocOptions) actor.Factory {
	return func(session.ObjectInfo) actor.Options {
		return NewDocServer(opts).Bind(base)
	}
}

// DocFrom returns the server bound to a.
func DocFrom(a *actor.Actor) (*DocServer, bool) {
	s, ok := a.Values[docValueKey].(*DocServer)
	return s, ok
}

// Bind wires the server into the lifecycle hooks of opts.
func (s *DocServer) Bind(opts actor.Options) actor.Options {
	onStart, onConnect, onClose, onBinary := opts.OnStart, opts.OnConnect, opts.OnClose, opts.OnBinary

	opts.OnStart = func(ctx context.Context, a *actor.Actor) error {
		if err := s.Start(ctx, a); err != nil {
			return err
		}
		if onStart != nil {
			return onStart(ctx, a)
		}
		return nil
	}
	opts.OnConnect = func(ctx context.Context, a *actor.Actor, peer session.Peer) error {
		s.Attach(peer.Conn)
		if onConnect != nil {
			return onConnect(ctx, a, peer)
		}
		return nil
	}
	opts.OnClose = func(ctx context.Context, a *actor.Actor, peer session.Peer) {
		if err := s.Detach(ctx, peer.Conn); err != nil {
			s.logger.Error("Could not commit document", err, logging.LogFields{"actor_id": a.Info().ID})
		}
		if onClose != nil {
			onClose(ctx, a, peer)
		}
	}
	opts.OnBinary = func(ctx context.Context, a *actor.Actor, peer session.Peer, data []byte) error {
		if err := s.HandleMessage(ctx, peer.Conn, data); err != nil {
			return err
		}
		if onBinary != nil {
			return onBinary(ctx, a, peer, data)
		}
		return nil
	}
	return opts
}

// Start loads the document and attaches connections that survived an
// eviction.
func (s *DocServer) Start(ctx context.Context, a *actor.Actor) error {
	log, err := NewUpdateLog(a.Storage(), LogOptions{
		Limits:  s.opts.Limits,
		Logger:  s.opts.Logger,
		Metrics: s.opts.Metrics,
		Initial: s.opts.Initial,
	})
	if err != nil {
		return err
	}
	doc, err := log.GetDoc(ctx)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	s.log, s.doc, s.actor = log, doc, a
	a.Values[docValueKey] = s
	for _, peer := range a.Sessions("") {
		s.Attach(peer.Conn)
	}
	return nil
}

// Doc is the live document.
func (s *DocServer) Doc() *Doc { return s.doc }

// Awareness is the live awareness set.
func (s *DocServer) Awareness() *Awareness { return s.awareness }

// Attach starts syncing conn: it receives the server state vector and the
// current awareness states.
func (s *DocServer) Attach(conn session.Conn) {
	s.conns[conn.ID()] = &docConn{conn: conn, clients: make(map[uint64]struct{})}
	s.send(conn, EncodeSyncStep1(s.doc.StateVector()))
	if len(s.awareness.Clients()) > 0 {
		s.send(conn, EncodeAwarenessMessage(s.awareness.Encode()))
	}
}

// Detach stops syncing conn, withdraws the awareness states it announced and
// commits the document when it was the last connection.
func (s *DocServer) Detach(ctx context.Context, conn session.Conn) error {
	dc, ok := s.conns[conn.ID()]
	if !ok {
		return nil
	}
	delete(s.conns, conn.ID())

	clients := make([]uint64, 0, len(dc.clients))
	for c := range dc.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	if removal := s.awareness.Remove(clients...); removal != nil {
		s.broadcast(EncodeAwarenessMessage(removal), "")
	}
	return s.cleanup(ctx)
}

// HandleMessage processes one binary protocol frame from conn.
func (s *DocServer) HandleMessage(ctx context.Context, conn session.Conn, frame []byte) error {
	msg, err := DecodeMessage(frame)
	if err != nil {
		return errspkg.Wrap(errspkg.BadRequest, "Malformed document message", err)
	}

	switch msg.Type {
	case MessageSync:
		switch msg.Sync {
		case SyncStep1:
			diff, err := s.doc.EncodeDiff(msg.Payload)
			if err != nil {
				return errspkg.Wrap(errspkg.BadRequest, "Malformed state vector", err)
			}
			s.send(conn, EncodeSyncStep2(diff))
		case SyncStep2, SyncUpdate:
			return s.merge(ctx, msg.Payload, conn.ID())
		}
	case MessageAwareness:
		changes, err := s.awareness.Apply(msg.Payload)
		if err != nil {
			return errspkg.Wrap(errspkg.BadRequest, "Malformed awareness update", err)
		}
		if dc, ok := s.conns[conn.ID()]; ok {
			for _, c := range append(changes.Added, changes.Updated...) {
				dc.clients[c] = struct{}{}
			}
			for _, c := range changes.Removed {
				delete(dc.clients, c)
			}
		}
		if !changes.Empty() {
			s.broadcast(EncodeAwarenessMessage(s.awareness.Encode(changes.All()...)), conn.ID())
		}
	case MessageQueryAwareness:
		s.send(conn, EncodeAwarenessMessage(s.awareness.Encode()))
	}
	return nil
}

// Update merges an update that did not arrive over a socket, for example
// from an RPC, and shares it with every connection.
func (s *DocServer) Update(ctx context.Context, update []byte) error {
	if err := s.merge(ctx, update, ""); err != nil {
		return err
	}
	return s.cleanup(ctx)
}

// Set writes one key on behalf of the server. The write is already applied
// to the live document, so it is stored and shared without another merge.
func (s *DocServer) Set(ctx context.Context, key string, value []byte) error {
	if err := s.publish(ctx, s.doc.Set(key, value), ""); err != nil {
		return err
	}
	return s.cleanup(ctx)
}

// Snapshot encodes the whole document.
func (s *DocServer) Snapshot() []byte {
	return s.doc.EncodeStateAsUpdate()
}

func (s *DocServer) merge(ctx context.Context, update []byte, origin string) error {
	diff, err := s.doc.ApplyUpdate(update)
	if err != nil {
		return errspkg.Wrap(errspkg.BadRequest, "Malformed document update", err)
	}
	if diff == nil {
		return nil
	}
	return s.publish(ctx, diff, origin)
}

// publish persists an update that is already part of the live document and
// forwards it to every connection except origin.
func (s *DocServer) publish(ctx context.Context, update []byte, origin string) error {
	if s.log != nil {
		if err := s.log.StoreUpdate(ctx, update); err != nil {
			return fmt.Errorf("store document update: %w", err)
		}
	}
	s.broadcast(EncodeUpdate(update), origin)
	return nil
}

func (s *DocServer) cleanup(ctx context.Context) error {
	if len(s.conns) > 0 || s.log == nil {
		return nil
	}
	return s.log.Commit(ctx)
}

// broadcast sends frame to every attached connection except skip.
func (s *DocServer) broadcast(frame []byte, skip string) {
	for id, dc := range s.conns {
		if id == skip {
			continue
		}
		s.send(dc.conn, frame)
	}
}

func (s *DocServer) send(conn session.Conn, frame []byte) {
	if err := conn.SendBinary(frame); err != nil {
		s.opts.Metrics.SendFailed(s.name())
		s.logger.Debug("Could not send document frame", logging.LogFields{"conn": conn.ID(), "error": err.Error()})
	}
}

func (s *DocServer) name() string {
	if s.actor == nil {
		return ""
	}
	return s.actor.Info().Name
}
