// Package channel is the in-process queue backend over watermill's
// gochannel. It needs no broker and is the default for local runs and tests.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/actorflow/transport"
)

const TransportName = "channel"

// ErrClosed is returned when publishing on a closed channel transport.
var ErrClosed = errors.New("actorflow: channel transport closed")

// Factory builds the underlying pub/sub. Tests replace it.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a channel transport. The publisher and subscriber are the
// same value.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	ps := New(Factory(gochannel.Config{}, logger), logger)
	return transport.Transport{
		Publisher:    ps,
		Subscriber:   ps,
		Capabilities: transport.ChannelCapabilities,
	}, nil
}

// PubSub adds timer based delayed delivery to a GoChannel.
type PubSub struct {
	*gochannel.GoChannel

	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

func New(ch *gochannel.GoChannel, logger watermill.LoggerAdapter) *PubSub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &PubSub{GoChannel: ch, logger: logger, timers: make(map[*time.Timer]struct{})}
}

// PublishWithDelay publishes messages after delay. Pending deliveries are
// dropped when the PubSub closes.
func (p *PubSub) PublishWithDelay(topic string, delay time.Duration, messages ...*message.Message) error {
	if delay <= 0 {
		return p.Publish(topic, messages...)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, timer)
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		if err := p.GoChannel.Publish(topic, messages...); err != nil {
			p.logger.Error("Delayed publish failed", err, watermill.LogFields{"topic": topic})
		}
	})
	p.timers[timer] = struct{}{}
	return nil
}

// Pending counts delayed deliveries not yet published.
func (p *PubSub) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = nil
	p.mu.Unlock()
	return p.GoChannel.Close()
}
