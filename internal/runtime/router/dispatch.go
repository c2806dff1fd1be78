package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metrics"
	"github.com/drblury/actorflow/internal/runtime/validate"
)

const tracerName = "github.com/drblury/actorflow/router"

// DispatcherOptions configures a Dispatcher. Every field is optional.
type DispatcherOptions struct {
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
	Hooks   Hooks
	Tracer  trace.Tracer
}

// Dispatcher invokes handlers. It is the boundary at which handler faults
// become conditions: nothing a handler does escapes it as a panic.
type Dispatcher struct {
	logger  logging.ServiceLogger
	metrics *metrics.Metrics
	hooks   Hooks
	tracer  trace.Tracer
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Dispatcher{
		logger:  logging.OrDefault(opts.Logger),
		metrics: opts.Metrics,
		hooks:   opts.Hooks,
		tracer:  tracer,
	}
}

// Call validates raw, builds the middleware context and runs h. The returned
// error is always a *errors.Condition.
func (d *Dispatcher) Call(ctx context.Context, h *Handler, ev *Event, raw any) (any, error) {
	return d.CallWithActor(ctx, h, ev, raw, nil)
}

// CallWithActor is Call for handlers bound to an actor instance.
func (d *Dispatcher) CallWithActor(ctx context.Context, h *Handler, ev *Event, raw any, actor any) (any, error) {
	res, err := d.Dispatch(ctx, h, ev, raw, actor)
	return res.Value, err
}

// Result is a handler's return value together with the validated input it
// ran on and the context its middlewares produced.
type Result struct {
	Value any
	Input any
	Ctx   Context
}

// Dispatch is CallWithActor that also returns the validated input and the
// middleware context. Broadcasts send the input as the frame data and the
// handler value as the frame context.
func (d *Dispatcher) Dispatch(ctx context.Context, h *Handler, ev *Event, raw any, actor any) (Result, error) {
	if ev == nil {
		ev = &Event{}
	}
	path := JoinPath(ev.Path)
	ctx, span := d.tracer.Start(ctx, "actorflow.call "+path, trace.WithAttributes(
		attribute.String("actorflow.kind", ev.Kind.String()),
		attribute.String("actorflow.path", path),
		attribute.String("actorflow.object", ev.Object.Name),
	))
	defer span.End()

	info := CallInfo{Kind: ev.Kind, Path: path, Object: ev.Object, Context: ctx, StartedAt: time.Now()}
	if d.hooks.OnCallStart != nil {
		d.hooks.OnCallStart(info)
	}

	result, err := d.invoke(ctx, h, ev, raw, actor)
	info.Duration = time.Since(info.StartedAt)

	if err != nil {
		cond := errspkg.From(err)
		if cond.Kind == errspkg.Internal {
			d.logger.Error("Handler failed", cond.Cause, logging.LogFields{
				"kind":   ev.Kind.String(),
				"path":   path,
				"object": ev.Object.Name,
			})
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, cond.Message)
		d.metrics.ObserveCall(ev.Kind.String(), path, strconv.Itoa(cond.Status()), info.Duration)
		if d.hooks.OnCallError != nil {
			d.hooks.OnCallError(info, cond)
		}
		return Result{}, cond
	}

	d.metrics.ObserveCall(ev.Kind.String(), path, "200", info.Duration)
	if d.hooks.OnCallSuccess != nil {
		d.hooks.OnCallSuccess(info)
	}
	return result, nil
}

func (d *Dispatcher) invoke(ctx context.Context, h *Handler, ev *Event, raw any, actor any) (result Result, err error) {
	if h == nil || h.fn == nil {
		return Result{}, errspkg.NewNotFound(JoinPath(ev.Path))
	}
	defer func() {
		if r := recover(); r != nil {
			result = Result{}
			err = errspkg.Wrap(errspkg.Internal, "Internal Server Error",
				fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	input, err := validate.Validate(ctx, h.schema, raw)
	if err != nil {
		if cond, ok := errspkg.As(err); ok {
			return Result{}, cond
		}
		return Result{}, errspkg.NewBadRequest("Invalid input", validate.Issues(err))
	}

	merged := Context{}
	for _, mw := range h.middlewares {
		out, err := mw(ctx, ev)
		if err != nil {
			return Result{}, err
		}
		for k, v := range out {
			merged[k] = v
		}
	}

	value, err := h.fn(ctx, Call{Event: ev, Input: input, Ctx: merged, Actor: actor})
	if err != nil {
		return Result{}, err
	}
	return Result{Value: value, Input: input, Ctx: merged}, nil
}
