package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/drblury/actorflow/internal/runtime/httpapi"
	"github.com/drblury/actorflow/internal/runtime/jsoncodec"
	"github.com/drblury/actorflow/internal/runtime/logging"
)

// CanonicalURL normalises rawURL for deduplication: scheme and host are
// lower-cased, query parameters sorted and the fragment dropped.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("client: parse socket url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = u.Query().Encode()
	u.Fragment = ""
	return u.String(), nil
}

type connectConfig struct {
	dedupe bool
}

// ConnectOption adjusts Pool.Connect.
type ConnectOption func(*connectConfig)

// WithoutDedupe opens a dedicated socket even when one to the same URL is
// already pooled.
func WithoutDedupe() ConnectOption {
	return func(c *connectConfig) { c.dedupe = false }
}

// Pool shares one physical socket between every consumer connecting to the
// same canonical URL.
type Pool struct {
	dialer Dialer
	logger logging.ServiceLogger

	mu      sync.Mutex
	entries map[string]*poolEntry
	seq     int
}

// NewPool returns an empty pool dialing through dialer.
func NewPool(dialer Dialer, logger logging.ServiceLogger) *Pool {
	if dialer == nil {
		dialer = DefaultDialer
	}
	return &Pool{dialer: dialer, logger: logging.OrDefault(logger), entries: make(map[string]*poolEntry)}
}

type poolEntry struct {
	key    string
	socket *Socket

	mu        sync.Mutex
	consumers []*consumer
}

type consumer struct {
	id   int
	opts SocketOptions
}

func (e *poolEntry) snapshot() []*consumer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*consumer(nil), e.consumers...)
}

// fanout builds the options of the physical socket: connection settings from
// the first consumer, callbacks reaching every attached consumer.
func (p *Pool) fanout(e *poolEntry, first SocketOptions) SocketOptions {
	opts := first
	opts.Handlers = nil
	opts.Logger = p.logger
	opts.OnOpen = func() {
		for _, c := range e.snapshot() {
			if c.opts.OnOpen != nil {
				c.opts.OnOpen()
			}
		}
	}
	opts.OnClose = func() {
		for _, c := range e.snapshot() {
			if c.opts.OnClose != nil {
				c.opts.OnClose()
			}
		}
	}
	opts.OnPresence = func(roster []Participant) {
		for _, c := range e.snapshot() {
			if c.opts.OnPresence != nil {
				c.opts.OnPresence(append([]Participant(nil), roster...))
			}
		}
	}
	opts.OnError = func(err *RemoteError) {
		for _, c := range e.snapshot() {
			if c.opts.OnError != nil {
				c.opts.OnError(err)
			}
		}
	}
	opts.OnBinary = func(data []byte) {
		for _, c := range e.snapshot() {
			if c.opts.OnBinary != nil {
				c.opts.OnBinary(data)
			}
		}
	}
	opts.OnReconnectFailed = func() {
		p.remove(e)
		for _, c := range e.snapshot() {
			if c.opts.OnReconnectFailed != nil {
				c.opts.OnReconnectFailed()
			}
		}
	}
	return opts
}

func (e *poolEntry) deliver(msg Message) {
	path := splitType(msg.Type)
	for _, c := range e.snapshot() {
		if fn := c.opts.Handlers.lookup(path); fn != nil {
			fn(msg)
		}
	}
}

// Connect attaches a consumer to the socket for rawURL, dialing it if it is
// not pooled yet.
func (p *Pool) Connect(ctx context.Context, rawURL string, opts SocketOptions, copts ...ConnectOption) (*Attachment, error) {
	cfg := connectConfig{dedupe: true}
	for _, o := range copts {
		o(&cfg)
	}
	key, err := CanonicalURL(rawURL)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if !cfg.dedupe {
		p.seq++
		key = fmt.Sprintf("%s#%d", key, p.seq)
	}
	entry, shared := p.entries[key]
	if !shared {
		entry = &poolEntry{key: key}
		entry.socket = NewSocket(rawURL, p.dialer, p.fanout(entry, opts))
		entry.socket.deliver = entry.deliver
		p.entries[key] = entry
	}
	p.seq++
	c := &consumer{id: p.seq, opts: opts}
	entry.mu.Lock()
	entry.consumers = append(entry.consumers, c)
	entry.mu.Unlock()
	p.mu.Unlock()

	att := &Attachment{pool: p, entry: entry, id: c.id}
	if err := entry.socket.Open(ctx); err != nil {
		_ = att.Close()
		return nil, err
	}
	if shared && entry.socket.State() == StateConnected {
		if opts.OnOpen != nil {
			opts.OnOpen()
		}
		if roster := entry.socket.Presence(); len(roster) > 0 && opts.OnPresence != nil {
			opts.OnPresence(roster)
		}
	}
	return att, nil
}

// Len is the number of physical sockets in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) remove(e *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[e.key] == e {
		delete(p.entries, e.key)
	}
}

// detach drops consumer id and closes the socket once nobody is left.
func (p *Pool) detach(e *poolEntry, id int) error {
	p.mu.Lock()
	e.mu.Lock()
	for i, c := range e.consumers {
		if c.id == id {
			e.consumers = append(e.consumers[:i], e.consumers[i+1:]...)
			break
		}
	}
	empty := len(e.consumers) == 0
	e.mu.Unlock()
	if empty && p.entries[e.key] == e {
		delete(p.entries, e.key)
	}
	p.mu.Unlock()

	if empty {
		return e.socket.Close()
	}
	return nil
}

// Attachment is one consumer's handle on a pooled socket.
type Attachment struct {
	pool  *Pool
	entry *poolEntry
	id    int
	once  sync.Once
}

// Socket is the shared physical socket.
func (a *Attachment) Socket() *Socket { return a.entry.socket }

func (a *Attachment) Send(typ string, data any) error { return a.entry.socket.Send(typ, data) }

func (a *Attachment) SendBinary(data []byte) error { return a.entry.socket.SendBinary(data) }

// Close detaches the consumer. The socket closes with its last consumer.
func (a *Attachment) Close() error {
	var err error
	a.once.Do(func() { err = a.pool.detach(a.entry, a.id) })
	return err
}

// Connect opens a pooled socket to the actor instance name/id.
func (c *Client) Connect(ctx context.Context, name, id string, opts SocketOptions, copts ...ConnectOption) (*Attachment, error) {
	rawURL, err := c.SocketURL(name, id, opts.Participant)
	if err != nil {
		return nil, err
	}
	header := c.header.Clone()
	for k, v := range opts.Header {
		header[k] = append(header[k], v...)
	}
	opts.Header = header
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	return c.pool.Connect(ctx, rawURL, opts, copts...)
}

// SocketURL is the websocket URL of the actor instance name/id.
func (c *Client) SocketURL(name, id string, participant *Participant) (string, error) {
	u := *c.endpoint
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = u.Path + "/" + url.PathEscape(name) + "/" + httpapi.SegmentConnect
	q := url.Values{"object": {name}, "id": {id}}
	if participant != nil {
		raw, err := jsoncodec.Marshal(participant)
		if err != nil {
			return "", fmt.Errorf("client: encode participant: %w", err)
		}
		q.Set("participant", string(raw))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Pool is the socket pool Connect uses.
func (c *Client) Pool() *Pool { return c.pool }
