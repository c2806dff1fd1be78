package metadata

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Enqueued builds the metadata of a freshly produced queue message: the
// owning queue, the enqueue time, attempt 1 and an optional delivery delay.
func Enqueued(queue string, at time.Time, delay time.Duration) message.Metadata {
	md := message.Metadata{
		KeyQueue:      queue,
		KeyEnqueuedAt: at.UTC().Format(time.RFC3339Nano),
	}
	SetAttempt(md, 1)
	SetDelay(md, delay)
	return md
}

// Poisoned copies src for a message forwarded to the poison topic, recording
// the final attempt count and the failure. The delay is dropped so the
// poison consumer sees the message immediately.
func Poisoned(src message.Metadata, attempts int, cause error) message.Metadata {
	md := make(message.Metadata, len(src)+2)
	for k, v := range src {
		md[k] = v
	}
	delete(md, KeyDelay)
	SetAttempt(md, attempts)
	if cause != nil {
		md[KeyError] = cause.Error()
	}
	return md
}
