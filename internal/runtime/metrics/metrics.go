// Package metrics holds the Prometheus collectors of the actor runtime. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "actorflow"

// Metrics groups every collector the runtime updates.
type Metrics struct {
	mu         sync.Mutex
	registered bool

	calls         *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	sessions      *prometheus.GaugeVec
	framesSent    *prometheus.CounterVec
	sendFailures  *prometheus.CounterVec
	compactions   *prometheus.CounterVec
	queueOutcomes *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		calls: newCounterVec("dispatch", "calls_total", "Procedure and topic calls by outcome", []string{"kind", "path", "status"}),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "call_duration_seconds",
				Help:      "Time spent in validation, middleware and handler",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind", "path"},
		),
		sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "actor",
				Name:      "sessions",
				Help:      "Connected sessions per actor namespace",
			},
			[]string{"actor"},
		),
		framesSent:    newCounterVec("actor", "frames_sent_total", "Frames pushed to connections", []string{"actor", "type"}),
		sendFailures:  newCounterVec("actor", "send_failures_total", "Frames that could not be written to a connection", []string{"actor"}),
		compactions:   newCounterVec("crdt", "compactions_total", "Update log compactions", []string{"reason"}),
		queueOutcomes: newCounterVec("queue", "messages_total", "Queue messages by outcome", []string{"queue", "outcome"}),
		rateLimited:   newCounterVec("ratelimit", "rejections_total", "Calls rejected by a rate limiter", []string{"limiter"}),
	}
}

// Register adds the collectors to registerer. Safe to call multiple times.
func (m *Metrics) Register(registerer prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	for _, c := range m.collectors() {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.calls,
		m.callDuration,
		m.sessions,
		m.framesSent,
		m.sendFailures,
		m.compactions,
		m.queueOutcomes,
		m.rateLimited,
	}
}

// ObserveCall records one dispatched call.
func (m *Metrics) ObserveCall(kind, path, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(kind, path, status).Inc()
	m.callDuration.WithLabelValues(kind, path).Observe(took.Seconds())
}

// SetSessions sets the connected session count of an actor namespace.
func (m *Metrics) SetSessions(actor string, n int) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(actor).Set(float64(n))
}

// FramesSent counts frames of one type pushed to connections.
func (m *Metrics) FramesSent(actor, frameType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.framesSent.WithLabelValues(actor, frameType).Add(float64(n))
}

// SendFailed counts a frame that could not be written.
func (m *Metrics) SendFailed(actor string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(actor).Inc()
}

// Compacted counts one update log compaction.
func (m *Metrics) Compacted(reason string) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(reason).Inc()
}

// QueueOutcome counts a processed queue message.
func (m *Metrics) QueueOutcome(queue, outcome string) {
	if m == nil {
		return
	}
	m.queueOutcomes.WithLabelValues(queue, outcome).Inc()
}

// RateLimited counts a rejection by the named limiter.
func (m *Metrics) RateLimited(limiter string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(limiter).Inc()
}
