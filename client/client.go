// Package client calls actorflow procedures over HTTP and keeps reconnecting
// sockets to actor instances.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/drblury/actorflow/internal/runtime/codec"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/httpapi"
	"github.com/drblury/actorflow/internal/runtime/jsoncodec"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/router"
)

var verbs = map[string]string{
	"get":    http.MethodGet,
	"put":    http.MethodPut,
	"delete": http.MethodDelete,
	"patch":  http.MethodPatch,
}

// Client talks to one actorflow HTTP surface.
type Client struct {
	endpoint *url.URL
	http     *http.Client
	header   http.Header
	dialer   Dialer
	pool     *Pool
	logger   logging.ServiceLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHeader adds a header to every call and socket handshake.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithLogger(l logging.ServiceLogger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client for the surface mounted at endpoint, for example
// "https://example.com/api".
func New(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("client: parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: endpoint %q must be absolute", endpoint)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		endpoint: u,
		http:     http.DefaultClient,
		header:   http.Header{},
		dialer:   DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger)
	c.pool = NewPool(c.dialer, c.logger)
	return c, nil
}

// Call starts a call to the procedure at path. Elements may be dotted. A
// trailing "get", "put", "delete" or "patch" selects the HTTP method;
// anything else is POSTed.
func (c *Client) Call(path ...string) *Call {
	var segs []string
	for _, p := range path {
		segs = append(segs, router.SplitPath(p)...)
	}
	method := http.MethodPost
	if n := len(segs); n > 0 {
		if m, ok := verbs[segs[n-1]]; ok {
			method = m
			segs = segs[:n-1]
		}
	}
	return &Call{client: c, path: segs, method: method, header: http.Header{}}
}

// Call is one pending procedure call.
type Call struct {
	client *Client
	path   []string
	method string
	header http.Header
}

// Object addresses the call to an actor instance.
func (c *Call) Object(name, id string) *Call {
	c.header.Set(httpapi.HeaderObjectName, name)
	c.header.Set(httpapi.HeaderObjectID, id)
	return c
}

func (c *Call) Header(key, value string) *Call {
	c.header.Add(key, value)
	return c
}

// File is a downloaded file result.
type File struct {
	Name        string
	ContentType string
	Body        []byte
}

// Do sends in and decodes the result into out, which may be nil. File
// results need out to be a *File. Failed calls return a *RemoteError.
func (c *Call) Do(ctx context.Context, in, out any) error {
	resp, err := c.send(ctx, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "text/event-stream":
		return fmt.Errorf("client: %s returned a stream, use Stream", c.pathString())
	case codec.IsForm(contentType):
		if out == nil {
			return nil
		}
		return codec.Deform(contentType, resp.Body, out)
	case mediaType == "application/json":
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("client: read response: %w", err)
		}
		if out == nil {
			return nil
		}
		return codec.Unmarshal(body, out)
	default:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("client: read response: %w", err)
		}
		f, ok := out.(*File)
		if !ok {
			if out == nil {
				return nil
			}
			return fmt.Errorf("client: %s returned %s, decode it into a *File", c.pathString(), mediaType)
		}
		f.ContentType = contentType
		f.Body = body
		if _, disp, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
			f.Name = disp["filename"]
		}
		return nil
	}
}

// Stream sends in and feeds every chunk of a stream result to onChunk until
// the stream ends, ctx is done or onChunk fails.
func (c *Call) Stream(ctx context.Context, in any, onChunk func(Chunk) error) error {
	resp, err := c.send(ctx, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readEvents(resp.Body, onChunk)
}

func (c *Call) pathString() string { return router.JoinPath(c.path) }

func (c *Call) send(ctx context.Context, in any) (*http.Response, error) {
	u := *c.client.endpoint
	u.Path = u.Path + "/" + strings.Join(c.path, "/")

	var body io.Reader
	header := c.client.header.Clone()
	for k, v := range c.header {
		header[k] = append(header[k], v...)
	}

	if c.method == http.MethodGet {
		if in != nil {
			raw, err := codec.Marshal(in)
			if err != nil {
				return nil, fmt.Errorf("client: encode input: %w", err)
			}
			u.RawQuery = url.Values{"input": {string(raw)}}.Encode()
		}
	} else {
		contentType, raw, err := codec.Form(in)
		if err != nil {
			return nil, fmt.Errorf("client: encode input: %w", err)
		}
		body = bytes.NewReader(raw)
		header.Set("Content-Type", contentType)
		header.Set(httpapi.HeaderClient, "true")
	}

	req, err := http.NewRequestWithContext(ctx, c.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header = header

	resp, err := c.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", c.method, c.pathString(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, remoteErrorFrom(resp)
	}
	return resp, nil
}

// RemoteError is a failed call or an error frame pushed on a socket.
type RemoteError struct {
	Status  int
	Message string
	Issues  []errspkg.Issue
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("actorflow: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("actorflow: %d %s", e.Status, e.Message)
}

func remoteErrorFrom(resp *http.Response) *RemoteError {
	re := &RemoteError{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return re
	}
	var body httpapi.ErrorBody
	if err := jsoncodec.Unmarshal(raw, &body); err != nil {
		re.Message = strings.TrimSpace(string(raw))
		return re
	}
	re.Message = body.Error.Message
	re.Issues = body.Error.Issues
	return re
}
