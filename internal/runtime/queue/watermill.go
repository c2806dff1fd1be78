package queue

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/actorflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/actorflow/internal/runtime/metadata"
	"github.com/drblury/actorflow/internal/runtime/router"
)

// Delivery adapts a watermill message to router.QueueMessage. Ack and
// Retry only record the decision; Handler acts on it.
type Delivery struct {
	msg     *message.Message
	acked   bool
	retried bool
}

func NewDelivery(msg *message.Message) *Delivery {
	return &Delivery{msg: msg}
}

func (d *Delivery) ID() string    { return d.msg.UUID }
func (d *Delivery) Body() []byte  { return d.msg.Payload }
func (d *Delivery) Attempts() int { return metadatapkg.Attempt(d.msg.Metadata) }
func (d *Delivery) Ack()          { d.acked = true }
func (d *Delivery) Retry()        { d.retried = true }

// Message returns the underlying watermill message.
func (d *Delivery) Message() *message.Message { return d.msg }

// Settled reports whether Ack or Retry was called.
func (d *Delivery) Settled() bool { return d.acked || d.retried }

// Redelivery copies the message for its next attempt under a fresh id.
func (d *Delivery) Redelivery() *message.Message {
	next := d.msg.Copy()
	next.UUID = ids.CreateULID()
	metadatapkg.SetAttempt(next.Metadata, d.Attempts()+1)
	next.SetContext(d.msg.Context())
	return next
}

// Handler returns the watermill handler that feeds topic into c. Retries are
// republished on topic with the attempt incremented, then the original is
// acked. A failed republish nacks the original so the broker redelivers it.
func Handler(c *Consumer, publisher message.Publisher, topic string) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		d := NewDelivery(msg)
		_ = c.Process(msg.Context(), d)
		if !d.retried {
			return nil
		}
		if err := publisher.Publish(topic, d.Redelivery()); err != nil {
			return fmt.Errorf("republish %s for retry: %w", msg.UUID, err)
		}
		return nil
	}
}

// Register adds c to r as a handler consuming topic from subscriber.
func Register(r *message.Router, c *Consumer, topic string, subscriber message.Subscriber, publisher message.Publisher) {
	r.AddNoPublisherHandler("queue_"+c.Name(), topic, subscriber, Handler(c, publisher, topic))
}

// PoisonTopic returns a PoisonFunc that republishes dropped messages on
// topic with the failure in metadata.
func PoisonTopic(publisher message.Publisher, topic string) PoisonFunc {
	return func(ctx context.Context, msg router.QueueMessage, cause error) error {
		poisoned := message.NewMessage(ids.CreateULID(), append([]byte(nil), msg.Body()...))
		var src message.Metadata
		if d, ok := msg.(*Delivery); ok {
			src = d.msg.Metadata
		}
		poisoned.Metadata = metadatapkg.Poisoned(src, msg.Attempts(), cause)
		poisoned.SetContext(ctx)
		return publisher.Publish(topic, poisoned)
	}
}
