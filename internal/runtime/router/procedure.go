package router

import (
	"context"
	"fmt"

	"github.com/drblury/actorflow/internal/runtime/validate"
)

// Context is the merged output of a handler's middlewares.
type Context map[string]any

// Middleware derives context for one call from its event. Returning an error
// aborts the call before the handler runs.
type Middleware func(ctx context.Context, ev *Event) (Context, error)

// Call is everything a handler receives.
type Call struct {
	Event *Event
	Input any
	Ctx   Context
	// Actor is the owning actor instance for calls dispatched inside one.
	Actor any
}

// HandleFunc is the body of a procedure. The result may be a plain value, a
// *File or a *Stream.
type HandleFunc func(ctx context.Context, call Call) (any, error)

// Handler is a validated, middleware wrapped callable bound to one path. It
// holds no state across calls.
type Handler struct {
	middlewares []Middleware
	schema      validate.Schema
	fn          HandleFunc
}

func (*Handler) node() {}

// Schema returns the input schema, or nil when the handler takes no input.
func (h *Handler) Schema() validate.Schema { return h.schema }

// Middlewares returns a copy of the middleware chain.
func (h *Handler) Middlewares() []Middleware {
	return append([]Middleware(nil), h.middlewares...)
}

// Builder assembles a Handler.
type Builder struct {
	middlewares []Middleware
	schema      validate.Schema
}

// Procedure starts a handler with the given middlewares.
func Procedure(mws ...Middleware) *Builder {
	return &Builder{middlewares: append([]Middleware(nil), mws...)}
}

// Use returns a builder with mw appended. The receiver is left unchanged so
// a base procedure can be shared.
func (b *Builder) Use(mw Middleware) *Builder {
	return &Builder{
		middlewares: append(append([]Middleware(nil), b.middlewares...), mw),
		schema:      b.schema,
	}
}

// Input returns a builder that validates input with schema.
func (b *Builder) Input(schema validate.Schema) *Builder {
	return &Builder{
		middlewares: append([]Middleware(nil), b.middlewares...),
		schema:      schema,
	}
}

// Handle finishes the handler.
func (b *Builder) Handle(fn HandleFunc) *Handler {
	if fn == nil {
		panic("actorflow: handler function is required")
	}
	return &Handler{
		middlewares: append([]Middleware(nil), b.middlewares...),
		schema:      b.schema,
		fn:          fn,
	}
}

// InputAs returns the validated input as I.
func InputAs[I any](call Call) (I, error) {
	in, ok := call.Input.(I)
	if !ok {
		var zero I
		return zero, fmt.Errorf("actorflow: input is %T, not %T", call.Input, zero)
	}
	return in, nil
}

// Typed adapts a handler taking a concrete input type. Pair it with a schema
// that yields I, such as validate.Struct[I].
func Typed[I any](fn func(ctx context.Context, call Call, in I) (any, error)) HandleFunc {
	return func(ctx context.Context, call Call) (any, error) {
		in, err := InputAs[I](call)
		if err != nil {
			return nil, err
		}
		return fn(ctx, call, in)
	}
}

// Value returns a middleware that always contributes key=value.
func Value(key string, value any) Middleware {
	return func(context.Context, *Event) (Context, error) {
		return Context{key: value}, nil
	}
}
