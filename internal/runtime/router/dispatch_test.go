package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/validate"
)

type greetInput struct {
	Name string `json:"name" validate:"required"`
}

func newTestDispatcher(hooks Hooks) (*Dispatcher, *logging.Recorder) {
	rec := logging.NewRecorder()
	return NewDispatcher(DispatcherOptions{Logger: rec, Hooks: hooks}), rec
}

func TestCallValidatesBeforeInvoking(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(Hooks{})
	invoked := false
	h := Procedure().Input(validate.Struct[greetInput]()).Handle(Typed(func(_ context.Context, _ Call, in greetInput) (any, error) {
		invoked = true
		return "hello " + in.Name, nil
	}))

	_, err := d.Call(context.Background(), h, &Event{Path: []string{"greet"}}, map[string]any{})
	require.Error(t, err)
	assert.False(t, invoked, "handler body must not run on invalid input")

	cond, ok := errspkg.As(err)
	require.True(t, ok)
	assert.Equal(t, errspkg.BadRequest, cond.Kind)
	require.Len(t, cond.Issues, 1)
	assert.Equal(t, "name", cond.Issues[0].Path)
	assert.Equal(t, "required", cond.Issues[0].Code)

	got, err := d.Call(context.Background(), h, &Event{Path: []string{"greet"}}, map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", got)
}

func TestCallWithoutSchemaIgnoresInput(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(Hooks{})
	var seen any = "unset"
	h := Procedure().Handle(func(_ context.Context, c Call) (any, error) {
		seen = c.Input
		return nil, nil
	})

	_, err := d.Call(context.Background(), h, &Event{}, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Nil(t, seen)
}

func TestMiddlewareContextMergesLeftToRight(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(Hooks{})
	var order []string
	first := func(_ context.Context, ev *Event) (Context, error) {
		order = append(order, "first")
		return Context{"user": "anon", "role": "guest"}, nil
	}
	second := func(_ context.Context, ev *Event) (Context, error) {
		order = append(order, "second")
		return Context{"user": "ada"}, nil
	}

	var got Context
	h := Procedure(first, second).Handle(func(_ context.Context, c Call) (any, error) {
		got = c.Ctx
		return nil, nil
	})

	_, err := d.Call(context.Background(), h, &Event{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, Context{"user": "ada", "role": "guest"}, got)
}

func TestMiddlewareErrorStopsCall(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(Hooks{})
	deny := func(context.Context, *Event) (Context, error) {
		return nil, errspkg.New(errspkg.Unauthorized, "missing token")
	}
	invoked := false
	h := Procedure(deny).Handle(func(context.Context, Call) (any, error) {
		invoked = true
		return nil, nil
	})

	_, err := d.Call(context.Background(), h, &Event{}, nil)
	assert.True(t, errspkg.IsKind(err, errspkg.Unauthorized))
	assert.False(t, invoked)
}

func TestUnhandledFaultsBecomeInternal(t *testing.T) {
	t.Parallel()

	t.Run("plain error", func(t *testing.T) {
		d, rec := newTestDispatcher(Hooks{})
		h := Procedure().Handle(func(context.Context, Call) (any, error) {
			return nil, errors.New("connection string leaked")
		})

		_, err := d.Call(context.Background(), h, &Event{Path: []string{"boom"}}, nil)
		cond, ok := errspkg.As(err)
		require.True(t, ok)
		assert.Equal(t, errspkg.Internal, cond.Kind)
		assert.Equal(t, "Internal Server Error", cond.Message)
		assert.True(t, rec.Has("error", "Handler failed"))
	})

	t.Run("panic", func(t *testing.T) {
		d, _ := newTestDispatcher(Hooks{})
		h := Procedure().Handle(func(context.Context, Call) (any, error) {
			panic("nil map write")
		})

		assert.NotPanics(t, func() {
			_, err := d.Call(context.Background(), h, &Event{}, nil)
			assert.True(t, errspkg.IsKind(err, errspkg.Internal))
		})
	})

	t.Run("known condition passes through", func(t *testing.T) {
		d, _ := newTestDispatcher(Hooks{})
		h := Procedure().Handle(func(context.Context, Call) (any, error) {
			return nil, errspkg.New(errspkg.Conflict, "version mismatch")
		})

		_, err := d.Call(context.Background(), h, &Event{}, nil)
		cond, _ := errspkg.As(err)
		assert.Equal(t, errspkg.Conflict, cond.Kind)
		assert.Equal(t, "version mismatch", cond.Message)
	})

	t.Run("nil handler is not found", func(t *testing.T) {
		d, _ := newTestDispatcher(Hooks{})
		_, err := d.Call(context.Background(), nil, &Event{Path: []string{"x"}}, nil)
		assert.True(t, errspkg.IsKind(err, errspkg.NotFound))
	})
}

func TestCallPassesActorAndHooks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}
	hooks := Hooks{
		OnCallStart:   func(info CallInfo) { record("start " + info.Path) },
		OnCallSuccess: func(info CallInfo) { record("done " + info.Path) },
	}.Merge(Hooks{
		OnCallError: func(info CallInfo, err error) { record("error " + info.Path) },
	})
	d, _ := newTestDispatcher(hooks)

	type room struct{ name string }
	actor := &room{name: "lobby"}
	var got any
	h := Procedure().Handle(func(_ context.Context, c Call) (any, error) {
		got = c.Actor
		return nil, nil
	})
	failing := Procedure().Handle(func(context.Context, Call) (any, error) {
		return nil, errspkg.New(errspkg.Forbidden, "")
	})

	_, err := d.CallWithActor(context.Background(), h, &Event{Path: []string{"a", "b"}}, nil, actor)
	require.NoError(t, err)
	_, _ = d.Call(context.Background(), failing, &Event{Path: []string{"c"}}, nil)

	assert.Same(t, actor, got)
	assert.Equal(t, []string{"start a.b", "done a.b", "start c", "error c"}, events)
}

func TestInputAs(t *testing.T) {
	t.Parallel()

	n, err := InputAs[int](Call{Input: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = InputAs[string](Call{Input: 3})
	assert.Error(t, err)
}
