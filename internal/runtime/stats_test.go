package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/actorflow/internal/runtime/queue"
)

func TestQueueStatsObserve(t *testing.T) {
	t.Parallel()

	stats := newQueueStats("jobs", "jobs.topic")
	stats.Observe(queue.Outcome{Result: queue.OutcomeAcked, Took: 2 * time.Millisecond})
	stats.Observe(queue.Outcome{Result: queue.OutcomeRetried, Err: errors.New("flaky"), Took: 4 * time.Millisecond})
	stats.Observe(queue.Outcome{Result: queue.OutcomeDropped, Err: errors.New("gone"), Took: 6 * time.Millisecond})

	snap := stats.Snapshot()
	assert.Equal(t, "jobs", snap.Name)
	assert.Equal(t, "jobs.topic", snap.Topic)
	assert.Equal(t, uint64(1), snap.Acked)
	assert.Equal(t, uint64(1), snap.Retried)
	assert.Equal(t, uint64(1), snap.Dropped)
	assert.Equal(t, "gone", snap.LastError)
	assert.False(t, snap.LastProcessedAt.IsZero())

	assert.Equal(t, 3, snap.Latency.SampleSize)
	assert.Equal(t, int64(4*time.Millisecond), snap.Latency.AverageNs)
	assert.Equal(t, int64(4*time.Millisecond), snap.Latency.P50Ns)
	assert.Equal(t, int64(6*time.Millisecond), snap.Latency.LastNs)
	assert.Equal(t, 3, snap.Throughput.MessagesInWindow)
}

func TestLatencyRingWraps(t *testing.T) {
	t.Parallel()

	ring := newLatencyRing(3)
	for i := 1; i <= 5; i++ {
		ring.add(time.Duration(i))
	}
	m := ring.snapshot()
	assert.Equal(t, 3, m.SampleSize)
	assert.Equal(t, int64(4), m.AverageNs)
	assert.Equal(t, int64(5), m.LastNs)
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	sorted := []int64{10, 20, 30, 40, 50}
	assert.Equal(t, int64(0), percentile(nil, 0.5))
	assert.Equal(t, int64(10), percentile(sorted, 0))
	assert.Equal(t, int64(30), percentile(sorted, 0.5))
	assert.Equal(t, int64(48), percentile(sorted, 0.95))
	assert.Equal(t, int64(50), percentile(sorted, 1))
}

func TestRateWindowTrims(t *testing.T) {
	t.Parallel()

	now := time.Now()
	w := &rateWindow{horizon: time.Second}
	w.add(now.Add(-2 * time.Second))
	w.add(now.Add(-500 * time.Millisecond))
	w.add(now)

	m := w.snapshot(now)
	assert.Equal(t, 2, m.MessagesInWindow)
	assert.InDelta(t, 4.0, m.CurrentRPS, 0.01)
	assert.Empty(t, (&rateWindow{horizon: time.Second}).snapshot(now))
}

func TestProcessSampler(t *testing.T) {
	t.Parallel()

	p := newProcessSampler()
	first := p.Sample()
	require.Positive(t, first.Goroutines)
	assert.Positive(t, first.MemoryBytes)
	assert.Zero(t, first.CPUPercent)

	second := p.Sample()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
}
