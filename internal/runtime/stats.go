package runtime

import (
	"math"
	"runtime"
	"runtime/metrics"
	"sort"
	"sync"
	"time"

	"github.com/drblury/actorflow/internal/runtime/queue"
)

const (
	latencySampleSize = 256
	throughputWindow  = time.Minute
)

// QueueStats aggregates the outcomes of one queue consumer for the
// introspection endpoint.
type QueueStats struct {
	mu sync.Mutex

	name  string
	topic string

	acked, retried, dropped uint64
	lastError               string
	lastProcessedAt         time.Time

	latency    *latencyRing
	throughput *rateWindow
}

// QueueSnapshot is a point-in-time copy of QueueStats.
type QueueSnapshot struct {
	Name            string            `json:"name"`
	Topic           string            `json:"topic"`
	Acked           uint64            `json:"acked"`
	Retried         uint64            `json:"retried"`
	Dropped         uint64            `json:"dropped"`
	LastError       string            `json:"last_error,omitempty"`
	LastProcessedAt time.Time         `json:"last_processed_at"`
	Latency         LatencyMetrics    `json:"latency"`
	Throughput      ThroughputMetrics `json:"throughput"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow int     `json:"messages_in_window"`
}

func newQueueStats(name, topic string) *QueueStats {
	return &QueueStats{
		name:       name,
		topic:      topic,
		latency:    newLatencyRing(latencySampleSize),
		throughput: &rateWindow{horizon: throughputWindow},
	}
}

// Observe records one settled delivery.
func (q *QueueStats) Observe(o queue.Outcome) {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	switch o.Result {
	case queue.OutcomeAcked:
		q.acked++
	case queue.OutcomeRetried:
		q.retried++
	case queue.OutcomeDropped:
		q.dropped++
	}
	if o.Err != nil {
		q.lastError = o.Err.Error()
	}
	q.lastProcessedAt = now.UTC()
	q.latency.add(o.Took)
	q.throughput.add(now)
}

// Snapshot copies the current counters.
func (q *QueueStats) Snapshot() QueueSnapshot {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueSnapshot{
		Name:            q.name,
		Topic:           q.topic,
		Acked:           q.acked,
		Retried:         q.retried,
		Dropped:         q.dropped,
		LastError:       q.lastError,
		LastProcessedAt: q.lastProcessedAt,
		Latency:         q.latency.snapshot(),
		Throughput:      q.throughput.snapshot(now),
	}
}

type latencyRing struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyRing(size int) *latencyRing {
	return &latencyRing{samples: make([]int64, size)}
}

func (r *latencyRing) add(d time.Duration) {
	r.samples[r.next] = int64(d)
	r.last = int64(d)
	r.next = (r.next + 1) % len(r.samples)
	if r.filled < len(r.samples) {
		r.filled++
	}
}

func (r *latencyRing) snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: r.last, SampleSize: r.filled}
	if r.filled == 0 {
		return m
	}
	sorted := make([]int64, r.filled)
	copy(sorted, r.samples[:r.filled])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	m.AverageNs = sum / int64(len(sorted))
	m.P50Ns = percentile(sorted, 0.50)
	m.P95Ns = percentile(sorted, 0.95)
	m.P99Ns = percentile(sorted, 0.99)
	return m
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lower, upper := int(math.Floor(pos)), int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}

// rateWindow counts events over a sliding horizon.
type rateWindow struct {
	horizon time.Duration
	times   []time.Time
}

func (w *rateWindow) add(now time.Time) {
	w.times = append(w.times, now)
	w.trim(now)
}

func (w *rateWindow) trim(now time.Time) {
	cutoff := now.Add(-w.horizon)
	i := sort.Search(len(w.times), func(i int) bool { return !w.times[i].Before(cutoff) })
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

func (w *rateWindow) snapshot(now time.Time) ThroughputMetrics {
	w.trim(now)
	if len(w.times) == 0 {
		return ThroughputMetrics{}
	}
	span := now.Sub(w.times[0])
	if span <= 0 {
		span = time.Millisecond
	}
	return ThroughputMetrics{
		CurrentRPS:       float64(len(w.times)) / span.Seconds(),
		WindowSeconds:    span.Seconds(),
		MessagesInWindow: len(w.times),
	}
}

// ProcessUsage is a coarse sample of the process.
type ProcessUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// processSampler derives CPU usage from the delta between two reads of the
// runtime's user CPU counter.
type processSampler struct {
	mu       sync.Mutex
	sample   []metrics.Sample
	lastCPU  float64
	lastRead time.Time
}

func newProcessSampler() *processSampler {
	return &processSampler{sample: []metrics.Sample{{Name: "/cpu/classes/user:cpu-seconds"}}}
}

func (p *processSampler) Sample() ProcessUsage {
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.Read(p.sample)
	now := time.Now()
	usage := ProcessUsage{Goroutines: runtime.NumGoroutine()}

	if v := p.sample[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !p.lastRead.IsZero() {
			if wall := now.Sub(p.lastRead).Seconds(); wall > 0 {
				usage.CPUPercent = (cpu - p.lastCPU) / wall / float64(runtime.NumCPU()) * 100
			}
		}
		p.lastCPU = cpu
	}
	p.lastRead = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	return usage
}
