package router

import (
	"context"
	"time"

	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/session"
)

// CallInfo describes one dispatched call to hooks.
type CallInfo struct {
	// Kind is the surface the call arrived on.
	Kind Kind
	// Path is the dotted handler path.
	Path string
	// Object is set for calls dispatched inside an actor.
	Object session.ObjectInfo
	// Context is the context the call runs under.
	Context context.Context
	// StartedAt is when dispatch began.
	StartedAt time.Time
	// Duration is only set in OnCallSuccess and OnCallError.
	Duration time.Duration
}

// Hooks are optional callbacks around every dispatched call. Nil hooks are
// skipped.
type Hooks struct {
	// OnCallStart runs before validation.
	OnCallStart func(info CallInfo)
	// OnCallSuccess runs after the handler returned without error.
	OnCallSuccess func(info CallInfo)
	// OnCallError runs when validation, a middleware or the handler failed.
	// The error is the condition reported to the caller.
	OnCallError func(info CallInfo, err error)
}

// Merge combines two Hooks. The hooks from other run after those of h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnCallStart:   chainInfoHooks(h.OnCallStart, other.OnCallStart),
		OnCallSuccess: chainInfoHooks(h.OnCallSuccess, other.OnCallSuccess),
		OnCallError:   chainErrorHooks(h.OnCallError, other.OnCallError),
	}
}

func chainInfoHooks(a, b func(CallInfo)) func(CallInfo) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info CallInfo) {
		a(info)
		b(info)
	}
}

func chainErrorHooks(a, b func(CallInfo, error)) func(CallInfo, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info CallInfo, err error) {
		a(info, err)
		b(info, err)
	}
}

// LoggingHooks returns hooks that log call completion and failures.
func LoggingHooks(logger logging.ServiceLogger) Hooks {
	return Hooks{
		OnCallSuccess: func(info CallInfo) {
			logger.Debug("Call completed", logging.LogFields{
				"kind":        info.Kind.String(),
				"path":        info.Path,
				"object":      info.Object.Name,
				"duration_ms": info.Duration.Milliseconds(),
			})
		},
		OnCallError: func(info CallInfo, err error) {
			logger.Info("Call failed", logging.LogFields{
				"kind":        info.Kind.String(),
				"path":        info.Path,
				"object":      info.Object.Name,
				"duration_ms": info.Duration.Milliseconds(),
				"error":       err.Error(),
			})
		},
	}
}
