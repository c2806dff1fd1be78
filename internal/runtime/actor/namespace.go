package actor

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/drblury/actorflow/internal/runtime/ids"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metrics"
	"github.com/drblury/actorflow/internal/runtime/router"
	"github.com/drblury/actorflow/internal/runtime/session"
	"github.com/drblury/actorflow/internal/runtime/storage"
)

const (
	// DefaultID is the instance addressed when no id is given.
	DefaultID = "DEFAULT"
	// RandomID asks for a freshly generated instance id.
	RandomID = "random"
)

// Factory returns the options of the instance at info. Classes whose
// instances carry their own hook state, such as documents, build fresh
// options per instance.
type Factory func(info session.ObjectInfo) Options

// Static is a Factory returning the same options for every instance.
func Static(opts Options) Factory {
	return func(session.ObjectInfo) Options { return opts }
}

// LocateFunc picks placement metadata for a new instance.
type LocateFunc func(ctx context.Context, name, id string, req *http.Request) (jurisdiction, locationHint string)

// NamespaceOptions configure NewNamespace.
type NamespaceOptions struct {
	Name       string
	Factory    Factory
	Locate     LocateFunc
	Storage    storage.Storage
	Dispatcher *router.Dispatcher
	Env        *router.Env
	Logger     logging.ServiceLogger
	Metrics    *metrics.Metrics
}

// Namespace materialises the instances of one actor class on demand. Socket
// tables outlive instances: an evicted instance is rebuilt around the same
// connections on next use.
type Namespace struct {
	opts   NamespaceOptions
	logger logging.ServiceLogger

	mu        sync.Mutex
	instances map[string]*Actor
	sockets   map[string]*session.SocketTable
	// held counts connections between admission and registration per id.
	held map[string]int
}

// NewNamespace validates opts and returns an empty namespace.
func NewNamespace(opts NamespaceOptions) (*Namespace, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("actor namespace: name is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("actor namespace %q: factory is required", opts.Name)
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewMemory()
	}
	logger := logging.OrDefault(opts.Logger)
	if opts.Dispatcher == nil {
		opts.Dispatcher = router.NewDispatcher(router.DispatcherOptions{Logger: logger, Metrics: opts.Metrics})
	}
	return &Namespace{
		opts:      opts,
		logger:    logger,
		instances: make(map[string]*Actor),
		sockets:   make(map[string]*session.SocketTable),
		held:      make(map[string]int),
	}, nil
}

// Name is the actor class name.
func (n *Namespace) Name() string { return n.opts.Name }

// Address resolves an id as given by a caller into a full ObjectInfo. An
// empty id addresses DefaultID and RandomID yields a new id.
func (n *Namespace) Address(ctx context.Context, id string, req *http.Request) session.ObjectInfo {
	switch id {
	case "":
		id = DefaultID
	case RandomID:
		id = ids.NewObjectID()
	}
	info := session.ObjectInfo{Name: n.opts.Name, ID: id}
	if n.opts.Locate != nil {
		info.Jurisdiction, info.LocationHint = n.opts.Locate(ctx, n.opts.Name, id, req)
	}
	return info
}

// Get returns the live instance for info, creating and starting it on first
// use.
func (n *Namespace) Get(ctx context.Context, info session.ObjectInfo) (*Actor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if a, ok := n.instances[info.ID]; ok {
		return a, nil
	}

	table, ok := n.sockets[info.ID]
	if !ok {
		table = session.NewSocketTable()
		n.sockets[info.ID] = table
	}
	info.Name = n.opts.Name
	a := New(info, n.opts.Factory(info), Deps{
		Sockets:    table,
		Storage:    storage.Prefixed(n.opts.Storage, n.opts.Name+":"+info.ID+":"),
		Dispatcher: n.opts.Dispatcher,
		Env:        n.opts.Env,
		Logger:     n.opts.Logger,
		Metrics:    n.opts.Metrics,
	})
	if err := a.Run(func() error { return a.Start(ctx) }); err != nil {
		return nil, fmt.Errorf("start %s/%s: %w", n.opts.Name, info.ID, err)
	}
	n.instances[info.ID] = a
	n.logger.Debug("Actor materialised", logging.LogFields{
		"actor":       n.opts.Name,
		"actor_id":    info.ID,
		"connections": table.Len(),
	})
	return a, nil
}

// Hold returns the instance for info and keeps its socket table from being
// released until the returned func runs. Hosts hold an instance from
// admission until the new connection is in the table.
func (n *Namespace) Hold(ctx context.Context, info session.ObjectInfo) (*Actor, func(), error) {
	n.mu.Lock()
	n.held[info.ID]++
	n.mu.Unlock()

	var once sync.Once
	unhold := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if n.held[info.ID]--; n.held[info.ID] <= 0 {
				delete(n.held, info.ID)
			}
		})
	}
	a, err := n.Get(ctx, info)
	if err != nil {
		unhold()
		return nil, nil, err
	}
	return a, unhold, nil
}

// Evict drops the instance for id. Its connections stay in the socket
// table.
func (n *Namespace) Evict(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.instances[id]; !ok {
		return false
	}
	delete(n.instances, id)
	return true
}

// Release forgets the socket table of id once it has no connections left
// and none are held, evicting the instance with it.
func (n *Namespace) Release(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	table, ok := n.sockets[id]
	if !ok || table.Len() > 0 || n.held[id] > 0 {
		return false
	}
	delete(n.sockets, id)
	delete(n.instances, id)
	return true
}

// IDs lists the live instance ids.
func (n *Namespace) IDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.instances))
	for id := range n.instances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
