package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
)

func passthrough(msg *message.Message) ([]*message.Message, error) {
	return nil, nil
}

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("assigns a missing id", func(t *testing.T) {
		msg := message.NewMessage("m1", nil)
		_, err := correlationIDMiddleware(passthrough)(msg)
		require.NoError(t, err)
		assert.Len(t, middleware.MessageCorrelationID(msg), 26)
	})

	t.Run("keeps an existing id", func(t *testing.T) {
		msg := message.NewMessage("m2", nil)
		middleware.SetCorrelationID("corr-1", msg)
		_, err := correlationIDMiddleware(passthrough)(msg)
		require.NoError(t, err)
		assert.Equal(t, "corr-1", middleware.MessageCorrelationID(msg))
	})
}

func TestLogMessagesMiddleware(t *testing.T) {
	t.Parallel()

	rec := loggingpkg.NewRecorder()
	msg := message.NewMessage("m1", []byte(`{"type":"work"}`))
	_, err := logMessagesMiddleware(rec)(passthrough)(msg)
	require.NoError(t, err)

	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Processing message", entries[0].Msg)
	assert.Equal(t, `{"type":"work"}`, entries[0].Fields["payload"])
}

func TestTracerMiddlewarePassesThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	msg := message.NewMessage("m1", nil)
	msg.SetContext(context.Background())
	_, err := tracerMiddleware(func(*message.Message) ([]*message.Message, error) {
		return nil, boom
	})(msg)
	require.ErrorIs(t, err, boom)
	assert.NotNil(t, msg.Context())
}

func TestRegisterMiddleware(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, nil, ServiceDependencies{})

	require.Error(t, svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))

	builderErr := errors.New("no")
	err := svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, builderErr },
	})
	require.ErrorIs(t, err, builderErr)

	require.NoError(t, svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, nil },
	}))
	require.NoError(t, svc.RegisterMiddleware(RecovererMiddleware()))

	err = (&Service{}).RegisterMiddleware(RecovererMiddleware())
	require.Error(t, err)
}

func TestNewServiceReportsFailingMiddleware(t *testing.T) {
	t.Parallel()

	_, err := NewService(context.Background(), newTestConfig(), loggingpkg.Nop(), ServiceDependencies{
		Registry:                  newTestRegistry(),
		DisableDefaultMiddlewares: true,
		Middlewares: []MiddlewareRegistration{{
			Name:    "broken",
			Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, errors.New("nope") },
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}
