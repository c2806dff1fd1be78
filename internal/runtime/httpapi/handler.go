// Package httpapi serves routers and actor namespaces over plain HTTP.
//
// A request path is split into router segments after the base path is
// stripped. Verbs other than POST are appended as a final segment, so
// "GET /api/user/profile" resolves "user.profile.get". Requests addressed to
// an actor instance run its RPC router under the instance gate; a trailing
// "connect" segment upgrades the request to a socket instead.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/drblury/actorflow/internal/runtime/actor"
	"github.com/drblury/actorflow/internal/runtime/codec"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/router"
	"github.com/drblury/actorflow/internal/runtime/session"
)

// Headers understood by the handler.
const (
	HeaderClient     = "X-Actorflow-Client"
	HeaderObjectName = "X-Actorflow-Object-Name"
	HeaderObjectID   = "X-Actorflow-Object-Id"
)

// SegmentConnect is the trailing segment that opens a socket.
const SegmentConnect = "connect"

// DefaultMaxBodyBytes caps request bodies when Options leave it unset.
const DefaultMaxBodyBytes int64 = 4 << 20

// SocketHost accepts socket upgrades for an actor instance. transport/ws
// provides the default implementation.
type SocketHost interface {
	Serve(w http.ResponseWriter, r *http.Request, ns *actor.Namespace, info session.ObjectInfo) error
}

// Options configure New.
type Options struct {
	BasePath string
	// Router serves stateless procedures. It may be nil when only actors
	// are exposed.
	Router     router.Router
	Namespaces map[string]*actor.Namespace
	Sockets    SocketHost
	Dispatcher *router.Dispatcher
	Env        *router.Env
	// Locals builds per-request locals for stateless procedures.
	Locals       func(r *http.Request) map[string]any
	MaxBodyBytes int64
	Logger       logging.ServiceLogger
}

// Handler is the http.Handler of the procedure surface.
type Handler struct {
	opts     Options
	basePath string
	logger   logging.ServiceLogger
}

// New builds a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Router == nil && len(opts.Namespaces) == 0 {
		return nil, errspkg.ErrRouterRequired
	}
	logger := logging.OrDefault(opts.Logger)
	if opts.Dispatcher == nil {
		opts.Dispatcher = router.NewDispatcher(router.DispatcherOptions{Logger: logger})
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		opts:     opts,
		basePath: "/" + strings.Trim(opts.BasePath, "/"),
		logger:   logger,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	relPath, ok := h.relative(r.URL.Path)
	if !ok {
		h.writeError(w, errspkg.NewNotFound(r.URL.Path))
		return
	}

	target, rest, err := h.address(r, relPath)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if target != nil && len(rest) > 0 && rest[len(rest)-1] == SegmentConnect {
		h.connect(w, r, target)
		return
	}

	path := rest
	if r.Method != http.MethodPost {
		path = append(path, strings.ToLower(r.Method))
	}

	raw, err := h.input(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var out any
	if target != nil {
		out, err = h.callActor(r, target, path, raw)
	} else {
		out, err = h.callRouter(r, path, raw)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeResult(w, r, out)
}

// relative strips the base path. It reports false for paths outside it.
func (h *Handler) relative(urlPath string) (string, bool) {
	if h.basePath != "/" {
		if urlPath != h.basePath && !strings.HasPrefix(urlPath, h.basePath+"/") {
			return "", false
		}
		urlPath = strings.TrimPrefix(urlPath, h.basePath)
	}
	return urlPath, true
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request, t *target) {
	if h.opts.Sockets == nil {
		h.writeError(w, errspkg.New(errspkg.NotImplemented, "Sockets are not enabled"))
		return
	}
	if err := h.opts.Sockets.Serve(w, r, t.ns, t.info); err != nil {
		h.writeError(w, err)
	}
}

func (h *Handler) callActor(r *http.Request, t *target, path []string, raw any) (any, error) {
	ctx := r.Context()
	a, err := t.ns.Get(ctx, t.info)
	if err != nil {
		return nil, err
	}
	var out any
	err = a.Run(func() error {
		var err error
		out, err = a.HandleRPC(ctx, r, path, raw)
		return err
	})
	return out, err
}

func (h *Handler) callRouter(r *http.Request, path []string, raw any) (any, error) {
	if h.opts.Router == nil {
		return nil, errspkg.NewNotFound(router.JoinPath(path))
	}
	hnd, err := router.Resolve(h.opts.Router, path)
	if err != nil {
		return nil, err
	}
	ev := &router.Event{
		Kind:    router.KindRequest,
		Path:    path,
		Method:  r.Method,
		Request: r,
		Env:     h.opts.Env,
	}
	if h.opts.Locals != nil {
		ev.Locals = h.opts.Locals(r)
	}
	return h.opts.Dispatcher.Call(r.Context(), hnd, ev, raw)
}

// input decodes the call input: the "input" query parameter for GET, the
// body otherwise.
func (h *Handler) input(w http.ResponseWriter, r *http.Request) (any, error) {
	var raw any
	if r.Method == http.MethodGet {
		text := r.URL.Query().Get("input")
		if text == "" {
			return nil, nil
		}
		if err := codec.Unmarshal([]byte(text), &raw); err != nil {
			return nil, errspkg.Wrap(errspkg.BadRequest, "Malformed input parameter", err)
		}
		return raw, nil
	}

	body := http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	contentType := r.Header.Get("Content-Type")
	if r.Header.Get(HeaderClient) != "" && codec.IsForm(contentType) {
		if err := codec.Deform(contentType, body, &raw); err != nil {
			return nil, bodyError(err)
		}
		return raw, nil
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, bodyError(err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	if err := codec.Unmarshal(data, &raw); err != nil {
		return nil, bodyError(err)
	}
	return raw, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errspkg.Wrap(errspkg.PayloadTooLarge, "Request body too large", err)
	}
	return errspkg.Wrap(errspkg.BadRequest, "Malformed request body", err)
}

// ctxDone reports whether the client went away mid response.
func ctxDone(ctx context.Context) bool {
	return ctx.Err() != nil
}
