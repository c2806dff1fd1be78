package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSlogServiceLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	log.With(LogFields{"actor": "room"}).Info("session registered", LogFields{"participant": "p1"})

	out := buf.String()
	assert.Contains(t, out, "session registered")
	assert.Contains(t, out, "actor=room")
	assert.Contains(t, out, "participant=p1")
}

func TestSlogLoggerPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillAdapterDelegates(t *testing.T) {
	rec := NewRecorder()
	adapter := NewWatermillAdapter(rec)

	boom := errors.New("boom")
	adapter.With(watermill.LogFields{"topic": "jobs"}).Error("publish failed", boom, watermill.LogFields{"attempt": 2})
	adapter.Info("started", nil)
	adapter.Debug("tick", nil)
	adapter.Trace("deep", nil)

	entries := rec.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, "error", entries[0].Level)
	assert.Equal(t, boom, entries[0].Err)
	assert.Equal(t, "jobs", entries[0].Fields["topic"])
	assert.Equal(t, 2, entries[0].Fields["attempt"])
	assert.True(t, rec.Has("info", "started"))
	assert.True(t, rec.Has("debug", "tick"))
	assert.True(t, rec.Has("trace", "deep"))
}

func TestWithEmptyFieldsReturnsSameLogger(t *testing.T) {
	log := Nop()
	assert.Same(t, log, log.With(nil))
}

func TestOrDefault(t *testing.T) {
	rec := NewRecorder()
	assert.Same(t, rec, OrDefault(rec))
	assert.NotNil(t, OrDefault(nil))
}

func TestFieldConversions(t *testing.T) {
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, fromWatermillFields(watermill.LogFields{}))
	assert.Equal(t, watermill.LogFields{"a": 1}, toWatermillFields(LogFields{"a": 1}))
}

func TestRecorderSharesBookAcrossChildren(t *testing.T) {
	rec := NewRecorder()
	rec.With(LogFields{"a": 1}).Info("child", nil)
	rec.Info("parent", nil)

	entries := rec.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Fields["a"])
	assert.False(t, strings.Contains(entries[1].Msg, "child"))
}
