// Package jetstream is the NATS JetStream queue backend. Every queue topic is
// a subject on one stream consumed by a durable pull consumer with explicit
// acks, so delivery is at-least-once.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/actorflow/transport"
)

const TransportName = "nats-jetstream"

const (
	DefaultStream     = "ACTORFLOW"
	DefaultMaxDeliver = 5
	DefaultAckWait    = 30 * time.Second
	DefaultFetchBatch = 10

	// HeaderDeliverAt holds the unix millisecond time before which a delayed
	// message is handed back to the stream.
	HeaderDeliverAt = "Actorflow-Deliver-At"
)

// ErrClosed is returned by a closed PubSub.
var ErrClosed = errors.New("actorflow: jetstream transport closed")

func init() {
	transport.Register(TransportName, Build, transport.JetStreamCapabilities)
}

// Build connects to the NATS URL from cfg.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats-jetstream: url is required")
	}
	ps, err := New(Config{URL: url}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:    ps,
		Subscriber:   ps,
		Capabilities: transport.JetStreamCapabilities,
	}, nil
}

// Config holds the stream and consumer settings.
type Config struct {
	URL    string
	Stream string
	// MaxDeliver caps broker redeliveries of a nacked message. Queue retries
	// are republished, so this only covers failed republishes and crashes.
	MaxDeliver int
	AckWait    time.Duration
	Replicas   int
	// Retention is "limits" (default), "interest" or "workqueue".
	Retention  string
	FetchBatch int
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = DefaultFetchBatch
	}
	return c
}

func (c Config) retention() nats.RetentionPolicy {
	switch strings.ToLower(c.Retention) {
	case "interest":
		return nats.InterestPolicy
	case "workqueue":
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

func (c Config) subject(topic string) string { return c.Stream + "." + topic }

// durable names the consumer of topic. JetStream forbids dots in names.
func (c Config) durable(topic string) string {
	return "actorflow_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}

// PubSub publishes to and pulls from one JetStream stream.
type PubSub struct {
	cfg    Config
	logger watermill.LoggerAdapter
	nc     *nats.Conn
	js     nats.JetStreamContext

	mu     sync.Mutex
	closed bool
	subs   []*nats.Subscription
	done   chan struct{}
	wg     sync.WaitGroup
}

// New connects and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*PubSub, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}
	ps := &PubSub{cfg: cfg, logger: logger, nc: nc, js: js, done: make(chan struct{})}
	if err := ps.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return ps, nil
}

func (p *PubSub) ensureStream() error {
	sc := &nats.StreamConfig{
		Name:      p.cfg.Stream,
		Subjects:  []string{p.cfg.Stream + ".>"},
		Retention: p.cfg.retention(),
		Replicas:  p.cfg.Replicas,
	}
	if _, err := p.js.StreamInfo(p.cfg.Stream); err == nil {
		_, err = p.js.UpdateStream(sc)
		return wrapStreamErr(err)
	}
	_, err := p.js.AddStream(sc)
	return wrapStreamErr(err)
}

func wrapStreamErr(err error) error {
	if err != nil {
		return fmt.Errorf("ensure jetstream stream: %w", err)
	}
	return nil
}

// Publish stores messages on the subject of topic.
func (p *PubSub) Publish(topic string, messages ...*message.Message) error {
	return p.publish(topic, time.Time{}, messages)
}

// PublishWithDelay stores messages that consumers hand back to the stream
// until delay has passed.
func (p *PubSub) PublishWithDelay(topic string, delay time.Duration, messages ...*message.Message) error {
	var at time.Time
	if delay > 0 {
		at = time.Now().Add(delay)
	}
	return p.publish(topic, at, messages)
}

func (p *PubSub) publish(topic string, deliverAt time.Time, messages []*message.Message) error {
	if p.isClosed() {
		return ErrClosed
	}
	subject := p.cfg.subject(topic)
	for _, msg := range messages {
		if _, err := p.js.PublishMsg(toNATS(subject, msg, deliverAt)); err != nil {
			return fmt.Errorf("publish %s to jetstream: %w", msg.UUID, err)
		}
	}
	return nil
}

// Subscribe pulls topic through its durable consumer. Each message is acked
// or nacked on the broker once the handler settles it.
func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	subject, durable := p.cfg.subject(topic), p.cfg.durable(topic)
	cc := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       p.cfg.AckWait,
		MaxDeliver:    p.cfg.MaxDeliver,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := p.js.AddConsumer(p.cfg.Stream, cc); err != nil {
		if _, err := p.js.UpdateConsumer(p.cfg.Stream, cc); err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", durable, err)
		}
	}
	sub, err := p.js.PullSubscribe(subject, durable, nats.Bind(p.cfg.Stream, durable))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	out := make(chan *message.Message)
	p.wg.Add(1)
	go p.pull(ctx, sub, topic, out)
	return out, nil
}

func (p *PubSub) pull(ctx context.Context, sub *nats.Subscription, topic string, out chan<- *message.Message) {
	defer p.wg.Done()
	defer close(out)
	fields := watermill.LogFields{"topic": topic}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		default:
		}

		batch, err := sub.Fetch(p.cfg.FetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
				p.logger.Error("JetStream fetch failed", err, fields)
			}
			continue
		}
		for _, nm := range batch {
			if wait := deliverIn(nm.Header, time.Now()); wait > 0 {
				if err := nm.NakWithDelay(wait); err != nil {
					p.logger.Error("Could not defer delayed message", err, fields)
				}
				continue
			}
			if !p.deliver(ctx, nm, out, fields) {
				return
			}
		}
	}
}

// deliver hands one message to the subscriber and settles it on the broker.
// It reports false when the subscription is shutting down.
func (p *PubSub) deliver(ctx context.Context, nm *nats.Msg, out chan<- *message.Message, fields watermill.LogFields) bool {
	msg := fromNATS(nm)
	msg.SetContext(ctx)
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	}
	select {
	case <-msg.Acked():
		if err := nm.Ack(); err != nil {
			p.logger.Error("JetStream ack failed", err, fields)
		}
	case <-msg.Nacked():
		if err := nm.Nak(); err != nil {
			p.logger.Error("JetStream nak failed", err, fields)
		}
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	}
	return true
}

// Close stops every subscription and the connection.
func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()
	p.nc.Close()
	return errors.Join(errs...)
}

func (p *PubSub) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// toNATS copies the watermill message into a JetStream message. The UUID
// doubles as the JetStream dedupe id.
func toNATS(subject string, msg *message.Message, deliverAt time.Time) *nats.Msg {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(nats.MsgIdHdr, msg.UUID)
	if !deliverAt.IsZero() {
		header.Set(HeaderDeliverAt, strconv.FormatInt(deliverAt.UnixMilli(), 10))
	}
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func fromNATS(nm *nats.Msg) *message.Message {
	id := nm.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewULID()
	}
	msg := message.NewMessage(id, nm.Data)
	for k, v := range nm.Header {
		if k == nats.MsgIdHdr || k == HeaderDeliverAt || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

// deliverIn is how long a message must still wait before it may be handled.
func deliverIn(header nats.Header, now time.Time) time.Duration {
	raw := header.Get(HeaderDeliverAt)
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	if wait := time.UnixMilli(ms).Sub(now); wait > 0 {
		return wait
	}
	return 0
}
