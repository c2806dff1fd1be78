package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/ids"
	"github.com/drblury/actorflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/actorflow/internal/runtime/metadata"
	"github.com/drblury/actorflow/internal/runtime/metrics"
	"github.com/drblury/actorflow/internal/runtime/router"
	"github.com/drblury/actorflow/internal/runtime/validate"
	"github.com/drblury/actorflow/transport"
)

type correlationKey struct{}

// WithCorrelationID makes messages produced under ctx carry id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID.
func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	// Name is the logical queue, the key of the producer in router.Env.Queues.
	Name string
	// Topic defaults to Name.
	Topic     string
	Publisher message.Publisher
	// Capabilities of the transport behind Publisher. Delays and sizes are
	// checked against them.
	Capabilities transport.Capabilities
	// Router is the queue router consumers dispatch into. When set, payloads
	// are validated against the target handler's schema before sending.
	Router  router.Router
	Limits  Limits
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
}

// Producer publishes envelopes. It implements router.QueueSender.
type Producer struct {
	opts   ProducerOptions
	logger logging.ServiceLogger
	delay  time.Duration
}

func NewProducer(opts ProducerOptions) (*Producer, error) {
	if opts.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if opts.Topic == "" {
		opts.Topic = opts.Name
	}
	if opts.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if opts.Name == "" {
		opts.Name = opts.Topic
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	opts.Limits = opts.Limits.WithDefaults()
	return &Producer{
		opts:   opts,
		logger: logging.OrDefault(opts.Logger).With(logging.LogFields{"queue": opts.Name}),
	}, nil
}

// Name returns the logical queue name.
func (p *Producer) Name() string { return p.opts.Name }

// Topic returns the transport topic.
func (p *Producer) Topic() string { return p.opts.Topic }

// WithDelay returns a producer whose messages are held for d before
// delivery. It fails when the transport cannot delay messages.
func (p *Producer) WithDelay(d time.Duration) (*Producer, error) {
	if err := p.opts.Capabilities.CheckDelay(d); err != nil {
		return nil, errspkg.Wrap(errspkg.NotImplemented, err.Error(), err)
	}
	if d > 0 {
		if _, ok := p.opts.Publisher.(transport.DelayedPublisher); !ok {
			return nil, errspkg.Newf(errspkg.NotImplemented, "publisher for queue %q cannot delay messages", p.opts.Name)
		}
	}
	cp := *p
	cp.delay = d
	return &cp, nil
}

// Send publishes one message for path.
func (p *Producer) Send(ctx context.Context, path string, data any) error {
	msg, err := p.message(ctx, path, data)
	if err != nil {
		return err
	}
	if err := p.publish([]*message.Message{msg}); err != nil {
		return err
	}
	p.opts.Metrics.QueueOutcome(p.opts.Name, "sent")
	return nil
}

// SendBatch publishes items for path, one Publish call per batch built by
// BuildBatches. Nothing is published when any item fails validation.
func (p *Producer) SendBatch(ctx context.Context, path string, items []any) error {
	if len(items) == 0 {
		return nil
	}

	msgs := make([]*message.Message, 0, len(items))
	bodies := make([][]byte, 0, len(items))
	for i, item := range items {
		msg, err := p.message(ctx, path, item)
		if err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		msgs = append(msgs, msg)
		bodies = append(bodies, msg.Payload)
	}

	next := 0
	for _, batch := range BuildBatches(bodies, p.opts.Limits) {
		group := msgs[next : next+len(batch)]
		next += len(batch)
		if err := p.publish(group); err != nil {
			return err
		}
		p.logger.Debug("Published queue batch", logging.LogFields{"path": path, "size": len(group)})
	}
	p.opts.Metrics.QueueOutcome(p.opts.Name, "sent")
	return nil
}

func (p *Producer) message(ctx context.Context, path string, data any) (*message.Message, error) {
	segs := router.SplitPath(path)
	if len(segs) == 0 {
		return nil, errspkg.NewNotFound(path)
	}
	payload := data
	if p.opts.Router != nil {
		h, err := router.Resolve(p.opts.Router, segs)
		if err != nil {
			return nil, err
		}
		if schema := h.Schema(); schema != nil {
			checked, err := validate.Validate(ctx, schema, data)
			if err != nil {
				return nil, errspkg.NewBadRequest("", validate.Issues(err))
			}
			payload = checked
		}
	}

	body, err := EncodeEnvelope(router.JoinPath(segs), payload)
	if err != nil {
		return nil, errspkg.Wrap(errspkg.BadRequest, "payload cannot be encoded", err)
	}
	if err := p.opts.Capabilities.CheckSize(len(body)); err != nil {
		return nil, errspkg.Wrap(errspkg.PayloadTooLarge, err.Error(), err)
	}

	msg := message.NewMessage(ids.CreateULID(), body)
	msg.Metadata = metadatapkg.Enqueued(p.opts.Name, time.Now(), p.delay)
	correlation, ok := CorrelationID(ctx)
	if !ok {
		correlation = ids.CreateULID()
	}
	middleware.SetCorrelationID(correlation, msg)
	msg.SetContext(ctx)
	return msg, nil
}

func (p *Producer) publish(msgs []*message.Message) error {
	var err error
	if p.delay > 0 {
		dp, ok := p.opts.Publisher.(transport.DelayedPublisher)
		if !ok {
			return errors.New("queue: publisher lost delay support")
		}
		err = dp.PublishWithDelay(p.opts.Topic, p.delay, msgs...)
	} else {
		err = p.opts.Publisher.Publish(p.opts.Topic, msgs...)
	}
	if err != nil {
		p.logger.Error("Failed to publish queue messages", err, logging.LogFields{"topic": p.opts.Topic, "count": len(msgs)})
		return errspkg.Wrap(errspkg.ServiceUnavailable, "queue publish failed", err)
	}
	return nil
}
