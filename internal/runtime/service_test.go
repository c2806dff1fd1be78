package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/actorflow/internal/runtime/actor"
	configpkg "github.com/drblury/actorflow/internal/runtime/config"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/router"
	"github.com/drblury/actorflow/internal/runtime/session"
	"github.com/drblury/actorflow/internal/runtime/storage"
	"github.com/drblury/actorflow/internal/runtime/validate"
)

func newTestConfig() *configpkg.Config {
	cfg := configpkg.Default()
	cfg.HTTPAddress = "127.0.0.1:0"
	cfg.WebUIEnabled = false
	return &cfg
}

func newTestRegistry() *prometheus.Registry { return prometheus.NewRegistry() }

func newTestService(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if cfg == nil {
		cfg = newTestConfig()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	svc, err := NewService(context.Background(), cfg, loggingpkg.Nop(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func ping() *router.Handler {
	return router.Procedure().Handle(func(context.Context, router.Call) (any, error) {
		return "pong", nil
	})
}

func TestNewServiceRequiresValidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewService(context.Background(), nil, loggingpkg.Nop(), ServiceDependencies{})
	require.ErrorIs(t, err, errspkg.ErrConfigRequired)

	cfg := newTestConfig()
	cfg.QueueSystem = "carrier-pigeon"
	_, err = NewService(context.Background(), cfg, loggingpkg.Nop(), ServiceDependencies{Registry: prometheus.NewRegistry()})
	require.Error(t, err)
}

func TestNewServiceDefaults(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig()
	cfg.RateLimitRPS = 5
	svc := newTestService(t, cfg, ServiceDependencies{})

	assert.NotNil(t, svc.Transport().Publisher)
	assert.NotNil(t, svc.Transport().Subscriber)
	assert.NotNil(t, svc.Storage())
	assert.NotNil(t, svc.Dispatcher())
	_, ok := svc.Env().Limiter(DefaultLimiter)
	assert.True(t, ok)
}

func TestNewServiceKeepsInjectedStorage(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	svc, err := NewService(context.Background(), newTestConfig(), loggingpkg.Nop(), ServiceDependencies{
		Storage:  store,
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	assert.Same(t, store, svc.Storage())
	require.NoError(t, svc.Close())

	require.NoError(t, store.Put(context.Background(), "still", []byte("open")))
}

func TestRegisterProceduresRejectsDuplicates(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, nil, ServiceDependencies{})

	require.NoError(t, svc.RegisterProcedures(router.Router{"ping": ping()}))
	require.NoError(t, svc.RegisterProcedures(router.Router{"other": ping()}))
	err := svc.RegisterProcedures(router.Router{"ping": ping()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ping"`)
}

func TestRegisterActor(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig()
	cfg.PresenceScope = "NONE"
	svc := newTestService(t, cfg, ServiceDependencies{})

	var scope string
	ns, err := svc.RegisterActor("room", func(session.ObjectInfo) actor.Options {
		return actor.Options{OnStart: func(_ context.Context, a *actor.Actor) error { return nil }}
	}, nil)
	require.NoError(t, err)

	_, err = svc.RegisterActor("room", actor.Static(actor.Options{}), nil)
	require.Error(t, err)

	entry := svc.actors["room"]
	scope = svc.withServiceDefaults(entry.factory)(session.ObjectInfo{Name: "room"}).PresenceScope
	assert.Equal(t, "NONE", scope)

	explicit := svc.withServiceDefaults(actor.Static(actor.Options{PresenceScope: "admin"}))
	assert.Equal(t, "admin", explicit(session.ObjectInfo{}).PresenceScope)

	_, err = ns.Get(context.Background(), ns.Address(context.Background(), "lobby", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"lobby"}, ns.IDs())
}

func TestRegisterQueueBindsEnv(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, nil, ServiceDependencies{})

	_, err := svc.RegisterQueue(QueueRegistration{})
	require.Error(t, err)

	p, err := svc.RegisterQueue(QueueRegistration{Name: "mail"})
	require.NoError(t, err)
	assert.Equal(t, "mail", p.Topic())

	q, ok := svc.Env().Queue("mail")
	require.True(t, ok)
	assert.Same(t, p, q)

	_, err = svc.RegisterQueue(QueueRegistration{Name: "mail"})
	require.Error(t, err)
}

func TestHandlerServesProceduresHealthAndMetrics(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, svc.RegisterProcedures(router.Router{"ping": ping()}))

	h, err := svc.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("procedure", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/ping", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `"pong"`, string(body))
	})

	t.Run("unknown procedure", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/nope", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestHandlerWithoutAnythingRegistered(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, nil, ServiceDependencies{})

	_, err := svc.Handler()
	require.ErrorIs(t, err, errspkg.ErrRouterRequired)
}

func TestStartRunsQueuesUntilCancelled(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		done []JobContext
	)
	svc := newTestService(t, nil, ServiceDependencies{
		JobHooks: JobHooks{OnJobDone: func(jc JobContext) {
			mu.Lock()
			defer mu.Unlock()
			done = append(done, jc)
		}},
	})
	require.NoError(t, svc.RegisterProcedures(router.Router{"ping": ping()}))

	received := make(chan any, 1)
	_, err := svc.RegisterQueue(QueueRegistration{
		Name: "jobs",
		Router: router.Router{
			"work": router.Procedure().Input(validate.Any()).Handle(func(_ context.Context, c router.Call) (any, error) {
				received <- c.Input
				return nil, nil
			}),
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()

	select {
	case <-svc.router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("queue router did not start")
	}

	q, ok := svc.Env().Queue("jobs")
	require.True(t, ok)
	require.NoError(t, q.Send(context.Background(), "work", map[string]any{"name": "ada"}))

	select {
	case in := <-received:
		assert.Equal(t, map[string]any{"name": "ada"}, in)
	case <-time.After(5 * time.Second):
		t.Fatal("queued message was not consumed")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(done) == 1
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "jobs", done[0].Queue)
	assert.Equal(t, "work", done[0].Path)
	assert.Equal(t, 1, done[0].Attempt)
	mu.Unlock()

	snap := svc.queues["jobs"].stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Acked)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestRegisterHTTPHandlerSharesPortMux(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, nil, ServiceDependencies{})

	svc.RegisterHTTPHandler(9999, "/a", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "a")
	}))
	svc.RegisterHTTPHandler(9999, "/b", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "b")
	}))
	require.Len(t, svc.httpServers, 1)

	rec := httptest.NewRecorder()
	svc.httpServers[9999].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/b", nil))
	assert.Equal(t, "b", strings.TrimSpace(rec.Body.String()))
}
