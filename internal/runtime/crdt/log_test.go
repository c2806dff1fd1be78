package crdt

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metrics"
	"github.com/drblury/actorflow/internal/runtime/storage"
)

func newLog(t *testing.T, store storage.Storage, limits Limits) (*UpdateLog, *prometheus.Registry) {
	t.Helper()
	m := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	l, err := NewUpdateLog(store, LogOptions{Limits: limits, Logger: logging.Nop(), Metrics: m})
	require.NoError(t, err)
	return l, reg
}

func compactions(t *testing.T, reg *prometheus.Registry, reason string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "actorflow_crdt_compactions_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "reason" && label.GetValue() == reason {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestLimits(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Limits{MaxBytes: DefaultMaxBytes, MaxUpdates: DefaultMaxUpdates}, Limits{}.WithDefaults())
	assert.NoError(t, Limits{MaxBytes: MaxBytesCeiling}.Validate())
	assert.Error(t, Limits{MaxBytes: MaxBytesCeiling + 1}.Validate())

	_, err := NewUpdateLog(storage.NewMemory(), LogOptions{Limits: Limits{MaxBytes: 200 * 1024}})
	assert.Error(t, err)
}

func TestStoreUpdateCompactsOnByteLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	log, m := newLog(t, store, Limits{MaxBytes: 100, MaxUpdates: 500})

	writer := NewDocWithClient(1)
	value := bytes.Repeat([]byte("x"), 20)

	var logged uint64
	for i := 0; ; i++ {
		update := writer.Set(fmt.Sprintf("k%d", i), value)
		crossing := logged+uint64(len(update)) > 100
		require.NoError(t, log.StoreUpdate(ctx, update))

		size, count, err := log.Stats(ctx)
		require.NoError(t, err)
		if crossing {
			assert.Zero(t, size, "log is folded at the crossing")
			assert.Zero(t, count)
			break
		}
		logged += uint64(len(update))
		assert.Equal(t, logged, size)
		assert.Equal(t, uint64(i+1), count)
	}

	entries, err := store.List(ctx, keyUpdatePrefix)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, ok, err := store.Get(ctx, keyStateDoc)
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err := log.GetDoc(ctx)
	require.NoError(t, err)
	assert.Equal(t, writer.Snapshot(), doc.Snapshot())
	assert.Equal(t, 1.0, compactions(t, m, "bytes"))
}

func TestStoreUpdateCompactsOnCountLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log, m := newLog(t, storage.NewMemory(), Limits{MaxUpdates: 3})
	writer := NewDocWithClient(1)

	for i := 0; i < 3; i++ {
		require.NoError(t, log.StoreUpdate(ctx, writer.Set(fmt.Sprintf("k%d", i), []byte("v"))))
	}
	_, count, err := log.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	require.NoError(t, log.StoreUpdate(ctx, writer.Set("k3", []byte("v"))))
	_, count, err = log.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, 1.0, compactions(t, m, "count"))

	doc, err := log.GetDoc(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k0", "k1", "k2", "k3"}, doc.Keys())
}

func TestCommitIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	log, _ := newLog(t, store, Limits{})
	writer := NewDocWithClient(1)
	require.NoError(t, log.StoreUpdate(ctx, writer.Set("a", []byte("1"))))
	require.NoError(t, log.StoreUpdate(ctx, writer.Set("b", []byte("2"))))

	require.NoError(t, log.Commit(ctx))
	first, _, err := store.Get(ctx, keyStateDoc)
	require.NoError(t, err)

	require.NoError(t, log.Commit(ctx))
	second, _, err := store.Get(ctx, keyStateDoc)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	doc, err := log.GetDoc(ctx)
	require.NoError(t, err)
	assert.Equal(t, writer.Snapshot(), doc.Snapshot())
}

func TestGetDocSeedsInitialState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	seeded := 0
	log, err := NewUpdateLog(store, LogOptions{Initial: func(doc *Doc) {
		seeded++
		doc.Set("title", []byte("untitled"))
	}})
	require.NoError(t, err)

	first, err := log.GetDoc(ctx)
	require.NoError(t, err)
	second, err := log.GetDoc(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, seeded)
	assert.Equal(t, first.Snapshot(), second.Snapshot())
}

func TestGetDocWithBadger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := storage.OpenBadger(storage.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, _ := newLog(t, storage.Prefixed(db, "doc:1:"), Limits{})
	writer := NewDocWithClient(3)
	require.NoError(t, log.StoreUpdate(ctx, writer.Set("k", []byte("v"))))

	doc, err := log.GetDoc(ctx)
	require.NoError(t, err)
	v, ok := doc.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}
