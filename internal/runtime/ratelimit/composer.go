// Package ratelimit composes named host limiters into one admission check.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/metrics"
	"github.com/drblury/actorflow/internal/runtime/router"
)

// KeyFunc derives the limiter key for one event.
type KeyFunc func(ev *router.Event) string

// Composer runs one check per named limiter binding. A call is admitted only
// when every check admits it.
type Composer struct {
	Checks  map[string]KeyFunc
	Metrics *metrics.Metrics
}

// Check fails closed: a binding missing from env rejects the call, a
// limiter that denies yields TOO_MANY_REQUESTS and a limiter error is
// returned as is.
func (c Composer) Check(ctx context.Context, env *router.Env, ev *router.Event) error {
	if len(c.Checks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, keyFn := range c.Checks {
		limiter, ok := env.Limiter(name)
		if !ok {
			return errspkg.Newf(errspkg.Internal, "rate limiter %q is not bound", name)
		}
		key := ""
		if keyFn != nil {
			key = keyFn(ev)
		}
		g.Go(func() error {
			allowed, err := limiter.Limit(gctx, key)
			if err != nil {
				return fmt.Errorf("rate limiter %q: %w", name, err)
			}
			if !allowed {
				c.Metrics.RateLimited(name)
				return errspkg.New(errspkg.TooManyRequests, "Too many requests")
			}
			return nil
		})
	}
	return g.Wait()
}

// Middleware turns the composer into a procedure middleware that reads the
// bindings from the event.
func (c Composer) Middleware() router.Middleware {
	return func(ctx context.Context, ev *router.Event) (router.Context, error) {
		if err := c.Check(ctx, ev.Env, ev); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// ByParticipant keys on the participant of a socket frame, falling back to
// the remote address of an HTTP request.
func ByParticipant(ev *router.Event) string {
	if ev == nil {
		return ""
	}
	if ev.From != nil && ev.From.Session.Participant.ID != "" {
		return ev.From.Session.Participant.ID
	}
	return ByRemoteAddr(ev)
}

// ByRemoteAddr keys on the HTTP client address.
func ByRemoteAddr(ev *router.Event) string {
	if ev == nil || ev.Request == nil {
		return ""
	}
	return ev.Request.RemoteAddr
}

// ByPath keys on the dotted call path.
func ByPath(ev *router.Event) string {
	if ev == nil {
		return ""
	}
	return router.JoinPath(ev.Path)
}
