// Package client consumes Server-Sent Event streams produced by the bridge:
// it parses id/event/data/timestamp lines into events, remembers the last
// event id, and resumes interrupted streams with a Last-Event-ID header
// under an exponential backoff policy.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Event is one parsed server-sent event.
type Event struct {
	ID        string
	Type      string
	Data      string
	Timestamp int64
}

// Client subscribes to one SSE endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	headers    http.Header
	policy     backoff.BackOff

	mu          sync.Mutex
	lastEventID string
}

// Option configures the client.
type Option func(*Client)

// New creates a client for the given endpoint URL.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{},
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeader adds a header to every subscription request.
func WithHeader(name, value string) Option {
	return func(c *Client) {
		c.headers.Set(name, value)
	}
}

// WithLastEventID resumes from a known event id.
func WithLastEventID(id string) Option {
	return func(c *Client) {
		c.lastEventID = id
	}
}

// WithBackOff sets the reconnect policy.
func WithBackOff(policy backoff.BackOff) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// LastEventID returns the id of the most recently received event.
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// stopError wraps an error that must end the subscription rather than be
// retried: a callback failure or a non-200 response.
type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// errStreamClosed marks a server-side close of the event stream, which is
// answered by reconnecting with the last seen event id.
var errStreamClosed = errors.New("event stream closed")

// Subscribe streams events to fn until ctx is cancelled, fn returns an
// error, or the backoff policy gives up on reconnecting. A server-side close
// reconnects with a Last-Event-ID header; an attempt that delivered at least
// one event resets the backoff before the next one.
func (c *Client) Subscribe(ctx context.Context, fn func(Event) error) error {
	policy := c.policy
	if policy == nil {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 500 * time.Millisecond
		exp.MaxInterval = 15 * time.Second
		policy = exp
	}

	operation := func() (struct{}, error) {
		delivered, err := c.stream(ctx, fn)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return struct{}{}, backoff.Permanent(stop.err)
		}
		if delivered {
			policy.Reset()
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(policy))
	return err
}

// stream runs one subscription attempt and reports whether any event was
// delivered before the attempt ended. A server-side close surfaces as
// errStreamClosed so the caller reconnects.
func (c *Client) stream(ctx context.Context, fn func(Event) error) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, &stopError{err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for name, values := range c.headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	c.mu.Lock()
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, &stopError{err: fmt.Errorf("subscription failed: HTTP %d", resp.StatusCode)}
	}

	var ev Event
	delivered, pending := false, false
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return delivered, errStreamClosed
			}
			return delivered, err
		}
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if pending {
				if ev.ID != "" {
					c.mu.Lock()
					c.lastEventID = ev.ID
					c.mu.Unlock()
				}
				if err := fn(ev); err != nil {
					return delivered, &stopError{err: err}
				}
				delivered = true
				ev, pending = Event{}, false
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
			pending = true
		case "event":
			ev.Type = value
			pending = true
		case "data":
			if ev.Data != "" {
				ev.Data += "\n"
			}
			ev.Data += value
			pending = true
		case "timestamp":
			if ts, err := strconv.ParseInt(value, 10, 64); err == nil {
				ev.Timestamp = ts
			}
			pending = true
		}
	}
}
