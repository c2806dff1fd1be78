package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/actorflow/internal/runtime/actor"
	configpkg "github.com/drblury/actorflow/internal/runtime/config"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/httpapi"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
	metricspkg "github.com/drblury/actorflow/internal/runtime/metrics"
	"github.com/drblury/actorflow/internal/runtime/queue"
	"github.com/drblury/actorflow/internal/runtime/ratelimit"
	"github.com/drblury/actorflow/internal/runtime/router"
	"github.com/drblury/actorflow/internal/runtime/session"
	"github.com/drblury/actorflow/internal/runtime/storage"
	"github.com/drblury/actorflow/transport"
	"github.com/drblury/actorflow/transport/ginhttp"
	_ "github.com/drblury/actorflow/transport/transports"
	"github.com/drblury/actorflow/transport/ws"
)

// DefaultLimiter is the Env binding name of the limiter built from config.
const DefaultLimiter = "default"

const shutdownTimeout = 10 * time.Second

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators a Service can use.
// Leave fields nil for the defaults.
type ServiceDependencies struct {
	// Transports resolves Config.QueueSystem. Defaults to the registry every
	// bundled backend registers with.
	Transports *transport.Registry
	// Storage overrides the store selected by config.
	Storage storage.Storage
	// Middlewares are appended after the default queue middleware chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	JobHooks                  JobHooks
	CallHooks                 router.Hooks
	// Registry receives the Prometheus collectors. Defaults to the global
	// registry.
	Registry *prometheus.Registry
	// Sockets replaces the websocket host.
	Sockets httpapi.SocketHost
}

// Service wires the HTTP surface, the actor namespaces and the queue router.
// Register procedures, actors and queues before calling Start.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	deps       ServiceDependencies
	transport  transport.Transport
	router     *message.Router
	metrics    *metricspkg.Metrics
	dispatcher *router.Dispatcher
	storage    storage.Storage
	env        *router.Env

	mu         sync.RWMutex
	procedures router.Router
	actors     map[string]*actorEntry
	queues     map[string]*queueEntry
	sampler    *processSampler

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

type actorEntry struct {
	ns      *actor.Namespace
	factory actor.Factory
}

type queueEntry struct {
	topic    string
	router   router.Router
	producer *queue.Producer
	stats    *QueueStats
}

// NewService validates conf and builds a Service for it.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	log = loggingpkg.OrDefault(log)
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating actorflow service", loggingpkg.LogFields{
		"queue_system": conf.QueueSystem,
		"config":       conf.String(),
	})

	s := &Service{
		Conf:       conf,
		Logger:     log,
		deps:       deps,
		metrics:    metricspkg.New(),
		procedures: router.Router{},
		actors:     make(map[string]*actorEntry),
		queues:     make(map[string]*queueEntry),
	}

	if conf.MetricsEnabled {
		if err := s.metrics.Register(s.registerer()); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	s.dispatcher = router.NewDispatcher(router.DispatcherOptions{
		Logger:  log,
		Metrics: s.metrics,
		Hooks:   router.LoggingHooks(log).Merge(deps.CallHooks),
	})

	s.env = &router.Env{
		Limiters: map[string]router.RateLimiter{},
		Queues:   map[string]router.QueueSender{},
		Vars:     map[string]string{},
	}
	if l := ratelimit.NewMapLimiter(conf.RateLimitRPS, conf.RateLimitBurst, conf.RateLimitIdleTTL); l != nil {
		s.env.Limiters[DefaultLimiter] = l
	}

	store, err := s.openStorage()
	if err != nil {
		return nil, err
	}
	s.storage = store

	registry := deps.Transports
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	t, err := registry.Build(ctx, conf, wmLogger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	s.transport = t

	r, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		_ = t.Close()
		_ = store.Close()
		return nil, fmt.Errorf("create queue router: %w", err)
	}
	s.router = r
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) registerer() prometheus.Registerer {
	if s.deps.Registry != nil {
		return s.deps.Registry
	}
	return prometheus.DefaultRegisterer
}

func (s *Service) metricsHandler() http.Handler {
	if s.deps.Registry != nil {
		return promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Service) openStorage() (storage.Storage, error) {
	if s.deps.Storage != nil {
		return s.deps.Storage, nil
	}
	if s.Conf.StoragePath == "" && !s.Conf.StorageInMemory {
		return storage.NewMemory(), nil
	}
	store, err := storage.OpenBadger(storage.BadgerConfig{
		Path:     s.Conf.StoragePath,
		InMemory: s.Conf.StorageInMemory,
		Logger:   s.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	if !deps.JobHooks.empty() {
		registrations = append(registrations, JobHooksMiddleware(deps.JobHooks))
	}
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Env is the binding set handed to every call.
func (s *Service) Env() *router.Env { return s.env }

// Metrics returns the service collectors.
func (s *Service) Metrics() *metricspkg.Metrics { return s.metrics }

// Dispatcher is shared by every router the service serves.
func (s *Service) Dispatcher() *router.Dispatcher { return s.dispatcher }

// Storage is the root store actor namespaces are scoped under.
func (s *Service) Storage() storage.Storage { return s.storage }

// Transport returns the queue backend.
func (s *Service) Transport() transport.Transport { return s.transport }

// RegisterProcedures adds stateless procedures. Top-level names must be
// unique across calls.
func (s *Service) RegisterProcedures(r router.Router) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, node := range r {
		if _, dup := s.procedures[name]; dup {
			return fmt.Errorf("procedure %q is already registered", name)
		}
		s.procedures[name] = node
	}
	return nil
}

// RegisterActor adds an actor class addressable as name.
func (s *Service) RegisterActor(name string, factory actor.Factory, locate actor.LocateFunc) (*actor.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.actors[name]; dup {
		return nil, fmt.Errorf("actor %q is already registered", name)
	}
	ns, err := actor.NewNamespace(actor.NamespaceOptions{
		Name:       name,
		Factory:    s.withServiceDefaults(factory),
		Locate:     locate,
		Storage:    s.storage,
		Dispatcher: s.dispatcher,
		Env:        s.env,
		Logger:     s.Logger,
		Metrics:    s.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.actors[name] = &actorEntry{ns: ns, factory: factory}
	return ns, nil
}

// withServiceDefaults applies the configured presence scope to actors that
// leave it unset.
func (s *Service) withServiceDefaults(factory actor.Factory) actor.Factory {
	if factory == nil {
		return nil
	}
	scope := s.Conf.PresenceScope
	return func(info session.ObjectInfo) actor.Options {
		opts := factory(info)
		if opts.PresenceScope == "" {
			opts.PresenceScope = scope
		}
		return opts
	}
}

// QueueRegistration describes one named queue.
type QueueRegistration struct {
	// Name is the Env binding. Topic defaults to it.
	Name  string
	Topic string
	// Router consumes the queue. Nil registers a producer only.
	Router      router.Router
	Limits      queue.Limits
	MaxAttempts int
}

// RegisterQueue binds a producer into Env.Queues and, when reg carries a
// router, subscribes a consumer to the topic.
func (s *Service) RegisterQueue(reg QueueRegistration) (*queue.Producer, error) {
	if reg.Name == "" {
		return nil, errors.New("queue name is required")
	}
	topic := reg.Topic
	if topic == "" {
		topic = reg.Name
	}
	limits := reg.Limits
	if limits == (queue.Limits{}) {
		limits = queue.Limits{MaxItems: s.Conf.QueueBatchMaxItems, MaxBytes: s.Conf.QueueBatchMaxBytes}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.queues[reg.Name]; dup {
		return nil, fmt.Errorf("queue %q is already registered", reg.Name)
	}

	producer, err := queue.NewProducer(queue.ProducerOptions{
		Name:         reg.Name,
		Topic:        topic,
		Publisher:    s.transport.Publisher,
		Capabilities: s.transport.Capabilities,
		Router:       reg.Router,
		Limits:       limits,
		Logger:       s.Logger,
		Metrics:      s.metrics,
	})
	if err != nil {
		return nil, err
	}
	entry := &queueEntry{topic: topic, router: reg.Router, producer: producer, stats: newQueueStats(reg.Name, topic)}

	if reg.Router != nil {
		maxAttempts := reg.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = s.Conf.QueueMaxAttempts
		}
		var poison queue.PoisonFunc
		if s.Conf.PoisonQueue != "" {
			poison = queue.PoisonTopic(s.transport.Publisher, s.Conf.PoisonQueue)
		}
		consumer, err := queue.NewConsumer(queue.ConsumerOptions{
			Name:        reg.Name,
			Router:      reg.Router,
			Dispatcher:  s.dispatcher,
			Env:         s.env,
			MaxAttempts: maxAttempts,
			Poison:      poison,
			Observe:     entry.stats.Observe,
			Logger:      s.Logger,
			Metrics:     s.metrics,
		})
		if err != nil {
			return nil, err
		}
		queue.Register(s.router, consumer, topic, s.transport.Subscriber, s.transport.Publisher)
	}

	s.queues[reg.Name] = entry
	s.env.Queues[reg.Name] = producer
	return producer, nil
}

// RegisterLimiter binds a limiter into Env.Limiters.
func (s *Service) RegisterLimiter(name string, l router.RateLimiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env.Limiters[name] = l
}

// Handler builds the HTTP surface: procedures, actors and sockets on a gin
// engine. /metrics is mounted on it when no dedicated metrics port is set.
func (s *Service) Handler() (http.Handler, error) {
	s.mu.RLock()
	namespaces := make(map[string]*actor.Namespace, len(s.actors))
	for name, entry := range s.actors {
		namespaces[name] = entry.ns
	}
	var procedures router.Router
	if len(s.procedures) > 0 {
		procedures = s.procedures
	}
	s.mu.RUnlock()

	sockets := s.deps.Sockets
	if sockets == nil {
		sockets = ws.NewHost(ws.HostOptions{
			AllowedOrigins: s.Conf.AllowedOrigins,
			Logger:         s.Logger,
		})
	}
	api, err := httpapi.New(httpapi.Options{
		BasePath:   s.Conf.BasePath,
		Router:     procedures,
		Namespaces: namespaces,
		Sockets:    sockets,
		Dispatcher: s.dispatcher,
		Env:        s.env,
		Logger:     s.Logger,
	})
	if err != nil {
		return nil, err
	}

	routes := map[string]http.Handler{}
	if s.Conf.MetricsEnabled && s.Conf.MetricsPort == 0 {
		routes["/metrics"] = s.metricsHandler()
	}
	return ginhttp.New(api, ginhttp.Options{
		ServiceName: "actorflow",
		Debug:       s.Conf.LogLevel == "debug",
		Routes:      routes,
	}), nil
}

// Start serves HTTP and runs the queue router until ctx is cancelled or one
// of them fails.
func (s *Service) Start(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", s.metricsHandler())
	}
	s.StartWebUIServer()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The router also stops on SIGINT/SIGTERM; take the listeners down
		// with it.
		defer cancel()
		return routerRun(s.router, gctx)
	})
	g.Go(func() error {
		return s.serve(gctx, s.Conf.HTTPAddress, handler)
	})

	s.httpServersMu.Lock()
	ports := make([]int, 0, len(s.httpServers))
	for port := range s.httpServers {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	for _, port := range ports {
		addr, mux := fmt.Sprintf(":%d", port), s.httpServers[port]
		g.Go(func() error { return s.serve(gctx, addr, mux) })
	}
	s.httpServersMu.Unlock()

	return g.Wait()
}

func (s *Service) serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.Logger.Error("HTTP server shutdown failed", err, loggingpkg.LogFields{"address": addr})
		}
	}()

	s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

// Close releases the queue router, the transport and the store.
func (s *Service) Close() error {
	var errs []error
	if s.router != nil {
		errs = append(errs, s.router.Close())
	}
	errs = append(errs, s.transport.Close())
	if s.storage != nil && s.deps.Storage == nil {
		errs = append(errs, s.storage.Close())
	}
	return errors.Join(errs...)
}

// RegisterHTTPHandler mounts handler on a dedicated listener for port.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}
