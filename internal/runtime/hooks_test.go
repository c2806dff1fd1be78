package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/actorflow/internal/runtime/metadata"
	"github.com/drblury/actorflow/internal/runtime/queue"
)

func queuedMessage(t *testing.T) *message.Message {
	t.Helper()
	body, err := queue.EncodeEnvelope("mail.send", map[string]any{"to": "ada"})
	require.NoError(t, err)
	msg := message.NewMessage("test-uuid", body)
	msg.Metadata.Set(metadatapkg.KeyQueue, "outbox")
	metadatapkg.SetAttempt(msg.Metadata, 2)
	msg.SetContext(context.Background())
	return msg
}

func TestJobHooksStartAndDone(t *testing.T) {
	t.Parallel()

	var started, finished JobContext
	hooks := JobHooks{
		OnJobStart: func(ctx JobContext) { started = ctx },
		OnJobDone:  func(ctx JobContext) { finished = ctx },
		OnJobError: func(JobContext, error) { t.Error("unexpected error hook") },
	}

	handler := jobHooksMiddleware(hooks)(func(*message.Message) ([]*message.Message, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})
	_, err := handler(queuedMessage(t))
	require.NoError(t, err)

	assert.Equal(t, "test-uuid", started.MessageUUID)
	assert.Equal(t, "outbox", started.Queue)
	assert.Equal(t, "mail.send", started.Path)
	assert.Equal(t, 2, started.Attempt)
	assert.False(t, started.StartedAt.IsZero())
	assert.Zero(t, started.Duration)
	assert.GreaterOrEqual(t, finished.Duration, 10*time.Millisecond)
}

func TestJobHooksError(t *testing.T) {
	t.Parallel()

	boom := errors.New("handler error")
	var got error
	hooks := JobHooks{
		OnJobDone:  func(JobContext) { t.Error("unexpected done hook") },
		OnJobError: func(_ JobContext, err error) { got = err },
	}
	handler := jobHooksMiddleware(hooks)(func(*message.Message) ([]*message.Message, error) {
		return nil, boom
	})
	_, err := handler(queuedMessage(t))
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, got, boom)
}

func TestJobHooksToleratesForeignPayloads(t *testing.T) {
	t.Parallel()

	var started JobContext
	handler := jobHooksMiddleware(JobHooks{OnJobStart: func(ctx JobContext) { started = ctx }})(passthrough)
	_, err := handler(message.NewMessage("raw", []byte("not json")))
	require.NoError(t, err)
	assert.Empty(t, started.Path)
	assert.Equal(t, 1, started.Attempt)
}

func TestJobHooksMerge(t *testing.T) {
	t.Parallel()

	var order []string
	a := JobHooks{
		OnJobStart: func(JobContext) { order = append(order, "a.start") },
		OnJobError: func(JobContext, error) { order = append(order, "a.error") },
	}
	b := JobHooks{
		OnJobStart: func(JobContext) { order = append(order, "b.start") },
		OnJobDone:  func(JobContext) { order = append(order, "b.done") },
	}
	merged := a.Merge(b)
	merged.OnJobStart(JobContext{})
	merged.OnJobDone(JobContext{})
	merged.OnJobError(JobContext{}, errors.New("x"))

	assert.Equal(t, []string{"a.start", "b.start", "b.done", "a.error"}, order)
	assert.True(t, JobHooks{}.empty())
	assert.False(t, merged.empty())
}

func TestLoggingHooks(t *testing.T) {
	t.Parallel()

	rec := loggingpkg.NewRecorder()
	hooks := LoggingHooks(rec)
	jc := JobContext{Queue: "outbox", Path: "mail.send", MessageUUID: "m1", Attempt: 3}
	hooks.OnJobStart(jc)
	hooks.OnJobDone(jc)
	hooks.OnJobError(jc, errors.New("smtp down"))

	assert.True(t, rec.Has("debug", "Job started"))
	assert.True(t, rec.Has("debug", "Job completed"))
	require.True(t, rec.Has("error", "Job failed"))
	last := rec.Entries()[2]
	assert.EqualError(t, last.Err, "smtp down")
	assert.Equal(t, 3, last.Fields["attempt"])
}

func TestAlertingHooks(t *testing.T) {
	t.Parallel()

	var alerted bool
	hooks := AlertingHooks(func(JobContext, error) { alerted = true })
	assert.Nil(t, hooks.OnJobStart)
	hooks.OnJobError(JobContext{}, errors.New("x"))
	assert.True(t, alerted)
}
