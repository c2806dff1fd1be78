package router

import (
	"context"
	"net/http"

	"github.com/drblury/actorflow/internal/runtime/session"
)

// Kind tells handlers which surface a call arrived on.
type Kind int

const (
	// KindRequest is an HTTP call against the top-level router.
	KindRequest Kind = iota
	// KindDurable is an HTTP call routed into an actor instance.
	KindDurable
	// KindSocketIn is a frame received from one connection.
	KindSocketIn
	// KindSocketOut is a broadcast about to be pushed to connections.
	KindSocketOut
	// KindQueue is a message delivered by the host queue.
	KindQueue
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindDurable:
		return "durable"
	case KindSocketIn:
		return "socket_in"
	case KindSocketOut:
		return "socket_out"
	case KindQueue:
		return "queue"
	}
	return "unknown"
}

// RateLimiter is a host bound limiter, keyed by an arbitrary string.
type RateLimiter interface {
	Limit(ctx context.Context, key string) (bool, error)
}

// QueueSender is a host queue producer.
type QueueSender interface {
	Send(ctx context.Context, path string, data any) error
	SendBatch(ctx context.Context, path string, items []any) error
}

// QueueMessage is one at-least-once delivery from the host queue.
type QueueMessage interface {
	ID() string
	Body() []byte
	Attempts() int
	Ack()
	Retry()
}

// Env is the typed set of host bindings threaded through every call.
type Env struct {
	Limiters map[string]RateLimiter
	Queues   map[string]QueueSender
	Vars     map[string]string
}

// Limiter returns the named limiter binding.
func (e *Env) Limiter(name string) (RateLimiter, bool) {
	if e == nil {
		return nil, false
	}
	l, ok := e.Limiters[name]
	return l, ok && l != nil
}

// Queue returns the named queue binding.
func (e *Env) Queue(name string) (QueueSender, bool) {
	if e == nil {
		return nil, false
	}
	q, ok := e.Queues[name]
	return q, ok && q != nil
}

// Event is the per-call context bundle. It is created once per call or
// frame and discarded afterwards.
type Event struct {
	Kind    Kind
	Path    []string
	Method  string
	Request *http.Request
	Env     *Env
	Locals  map[string]any
	Object  session.ObjectInfo

	// From is the sender of a KindSocketIn frame.
	From *session.Peer
	// To lists the targets of a KindSocketOut broadcast.
	To []session.Peer
	// Message is the delivery of a KindQueue call.
	Message QueueMessage
}

// Local returns a request scoped local value.
func (e *Event) Local(key string) (any, bool) {
	if e == nil || e.Locals == nil {
		return nil, false
	}
	v, ok := e.Locals[key]
	return v, ok
}
