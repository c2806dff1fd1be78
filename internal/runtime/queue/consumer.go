package queue

import (
	"context"
	"time"

	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/metrics"
	"github.com/drblury/actorflow/internal/runtime/router"
)

// DefaultMaxAttempts is the delivery ceiling after which a failing message
// is dropped.
const DefaultMaxAttempts = 10

// Outcomes of one delivery.
const (
	OutcomeAcked   = "acked"
	OutcomeRetried = "retried"
	OutcomeDropped = "dropped"
)

// Outcome describes how one delivery was settled.
type Outcome struct {
	Queue     string
	Path      string
	MessageID string
	Attempt   int
	Result    string
	Err       error
	Took      time.Duration
}

// PoisonFunc receives messages the consumer gives up on.
type PoisonFunc func(ctx context.Context, msg router.QueueMessage, cause error) error

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Name        string
	Router      router.Router
	Dispatcher  *router.Dispatcher
	Env         *router.Env
	MaxAttempts int
	// Poison is called for dropped messages. Nil drops silently apart from
	// the log line.
	Poison PoisonFunc
	// Observe sees every settled delivery.
	Observe func(Outcome)
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
}

// Consumer dispatches queue deliveries into a router.
type Consumer struct {
	opts   ConsumerOptions
	logger logging.ServiceLogger
}

func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Router == nil {
		return nil, errspkg.ErrRouterRequired
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = router.NewDispatcher(router.DispatcherOptions{Logger: opts.Logger, Metrics: opts.Metrics})
	}
	return &Consumer{
		opts:   opts,
		logger: logging.OrDefault(opts.Logger).With(logging.LogFields{"queue": opts.Name}),
	}, nil
}

func (c *Consumer) Name() string     { return c.opts.Name }
func (c *Consumer) MaxAttempts() int { return c.opts.MaxAttempts }

// Process handles one delivery and settles it. A successful call acks. A
// failed call retries while attempts remain, except for failures no retry
// can fix (an undecodable body, an unknown path, invalid input), which are
// dropped at once. The returned error is the failure, if any, after the
// message was settled.
func (c *Consumer) Process(ctx context.Context, msg router.QueueMessage) error {
	started := time.Now()
	path, result, err := c.process(ctx, msg)
	if c.opts.Observe != nil {
		c.opts.Observe(Outcome{
			Queue:     c.opts.Name,
			Path:      path,
			MessageID: msg.ID(),
			Attempt:   msg.Attempts(),
			Result:    result,
			Err:       err,
			Took:      time.Since(started),
		})
	}
	return err
}

func (c *Consumer) process(ctx context.Context, msg router.QueueMessage) (string, string, error) {
	env, err := DecodeEnvelope(msg.Body())
	if err != nil {
		cond := errspkg.Wrap(errspkg.BadRequest, "malformed queue message", err)
		c.drop(ctx, msg, "", cond)
		return "", OutcomeDropped, cond
	}

	path := router.SplitPath(env.Type)
	h, err := router.Resolve(c.opts.Router, path)
	if err != nil {
		c.drop(ctx, msg, env.Type, err)
		return env.Type, OutcomeDropped, err
	}

	ev := &router.Event{
		Kind:    router.KindQueue,
		Path:    path,
		Env:     c.opts.Env,
		Message: msg,
	}
	if _, err := c.opts.Dispatcher.Call(ctx, h, ev, env.Payload); err != nil {
		if permanent(err) || msg.Attempts() >= c.opts.MaxAttempts {
			c.drop(ctx, msg, env.Type, err)
			return env.Type, OutcomeDropped, err
		}
		c.logger.Info("Retrying queue message", logging.LogFields{
			"message_id": msg.ID(),
			"path":       env.Type,
			"attempt":    msg.Attempts(),
			"error":      err.Error(),
		})
		msg.Retry()
		c.opts.Metrics.QueueOutcome(c.opts.Name, OutcomeRetried)
		return env.Type, OutcomeRetried, err
	}

	msg.Ack()
	c.opts.Metrics.QueueOutcome(c.opts.Name, OutcomeAcked)
	c.logger.Trace("Queue message processed", logging.LogFields{
		"message_id": msg.ID(),
		"path":       env.Type,
	})
	return env.Type, OutcomeAcked, nil
}

func (c *Consumer) drop(ctx context.Context, msg router.QueueMessage, path string, cause error) {
	c.logger.Error("Dropping queue message", cause, logging.LogFields{
		"message_id": msg.ID(),
		"path":       path,
		"attempt":    msg.Attempts(),
	})
	msg.Ack()
	c.opts.Metrics.QueueOutcome(c.opts.Name, OutcomeDropped)

	if c.opts.Poison == nil {
		return
	}
	if err := c.opts.Poison(ctx, msg, cause); err != nil {
		c.logger.Error("Failed to forward message to poison topic", err, logging.LogFields{"message_id": msg.ID()})
		return
	}
	c.opts.Metrics.QueueOutcome(c.opts.Name, "poisoned")
}

func permanent(err error) bool {
	cond, ok := errspkg.As(err)
	if !ok {
		return false
	}
	switch cond.Kind {
	case errspkg.BadRequest, errspkg.NotFound, errspkg.UnprocessableContent:
		return true
	}
	return false
}
