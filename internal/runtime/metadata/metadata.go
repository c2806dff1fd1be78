package metadata

import (
	"strconv"
	"time"
)

// Reserved keys carried on queue messages.
const (
	// KeyCorrelationID tracks related messages across producers and consumers.
	KeyCorrelationID = "correlation_id"
	// KeyAttempt is the 1-based delivery attempt of a queue message.
	KeyAttempt = "actorflow_attempt"
	// KeyDelay asks the transport to hold the message before delivery.
	KeyDelay = "actorflow_delay"
	// KeyQueue names the logical queue a message was produced on.
	KeyQueue = "actorflow_queue"
	// KeyEnqueuedAt records when a message was produced.
	KeyEnqueuedAt = "actorflow_enqueued_at"
	// KeyError carries the last failure of a message forwarded to the poison
	// topic.
	KeyError = "actorflow_error"
)

// Metadata represents the headers carried alongside a queue message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Attempt reads KeyAttempt. Missing or malformed values count as the first
// attempt.
func Attempt(md map[string]string) int {
	n, err := strconv.Atoi(md[KeyAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// SetAttempt writes KeyAttempt.
func SetAttempt(md map[string]string, n int) {
	md[KeyAttempt] = strconv.Itoa(n)
}

// Delay reads KeyDelay.
func Delay(md map[string]string) (time.Duration, bool) {
	raw, ok := md[KeyDelay]
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// SetDelay writes KeyDelay. Non-positive delays remove the key.
func SetDelay(md map[string]string, d time.Duration) {
	if d <= 0 {
		delete(md, KeyDelay)
		return
	}
	md[KeyDelay] = d.String()
}
