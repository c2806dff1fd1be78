package transport

import (
	"fmt"
	"time"
)

// Capabilities describes the features a queue backend supports.
type Capabilities struct {
	Name string

	// SupportsDelay is set when the backend's publisher implements
	// DelayedPublisher.
	SupportsDelay bool
	// MaxDelay bounds SupportsDelay. Zero means unbounded.
	MaxDelay time.Duration

	SupportsOrdering bool
	SupportsBatching bool
	SupportsAck      bool
	SupportsNack     bool

	// MaxMessageSize is in bytes. Zero means unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// CheckDelay reports whether a message may be held for d.
func (c Capabilities) CheckDelay(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if !c.SupportsDelay {
		return fmt.Errorf("transport %q does not support delayed delivery", c.Name)
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return fmt.Errorf("transport %q supports delays up to %s, got %s", c.Name, c.MaxDelay, d)
	}
	return nil
}

// CheckSize reports whether a payload of n bytes fits the backend.
func (c Capabilities) CheckSize(n int) error {
	if c.MaxMessageSize > 0 && int64(n) > c.MaxMessageSize {
		return fmt.Errorf("transport %q accepts messages up to %d bytes, got %d", c.Name, c.MaxMessageSize, n)
	}
	return nil
}

var (
	// ChannelCapabilities for the in-process gochannel backend. Delays are
	// emulated with timers.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsDelay:    true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsBatching: true,
		SupportsAck:      true,
		MaxMessageSize:   1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1 << 20,
	}

	JetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsDelay:    true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: true,
		SupportsBatching: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   256 << 10,
	}
)

// GetCapabilities returns the capabilities registered for name in the
// default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
