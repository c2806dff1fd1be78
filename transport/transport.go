// Package transport is the registry of queue backends. Each backend lives in
// its own sub-package and registers a Builder under the name that
// Config.GetQueueSystem selects.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is a built publisher and subscriber pair together with what the
// backend can do.
type Transport struct {
	Publisher    message.Publisher
	Subscriber   message.Subscriber
	Capabilities Capabilities
}

// Close closes the publisher and the subscriber. A backend that returns the
// same value for both is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes the settings backends read. Backends only call the getters
// relevant to them.
type Config interface {
	GetQueueSystem() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// DelayedPublisher is implemented by publishers that can hold messages
// before delivery.
type DelayedPublisher interface {
	PublishWithDelay(topic string, delay time.Duration, messages ...*message.Message) error
}
