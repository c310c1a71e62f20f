// Package gateway terminates real HTTP clients for the bridge. Each request
// becomes a Begin (and End) on a fresh initial stream plus a credit window
// for the paired response stream; response frames coming back from the
// bridge are written to the http.ResponseWriter as they arrive, flushing
// after every event, and credit is re-granted as bytes drain.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/jmcarbo/ssebridge/frame"
	"github.com/jmcarbo/ssebridge/router"
)

// Dispatcher delivers frames into the bridge.
type Dispatcher interface {
	Dispatch(*frame.Frame)
}

// TokenValidator maps a bearer token to the authorization mask carried on
// every frame of the stream pair.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (uint64, error)
}

const defaultWindow = 64 * 1024

// Gateway is an http.Handler bridging requests to frame streams. It
// serializes all frame delivery through one mutex, satisfying the bridge's
// single-threaded dispatch contract.
type Gateway struct {
	mu        sync.Mutex
	bridge    Dispatcher
	table     *router.Table
	routeID   uint64
	window    int32
	validator TokenValidator
}

// Option configures a Gateway.
type Option func(*Gateway)

// New creates a gateway feeding the given bridge. All subscriptions arrive
// on routeID.
func New(bridge Dispatcher, table *router.Table, routeID uint64, opts ...Option) *Gateway {
	g := &Gateway{
		bridge:  bridge,
		table:   table,
		routeID: routeID,
		window:  defaultWindow,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithWindow sets the response credit granted to the bridge per window.
func WithWindow(credit int32) Option {
	return func(g *Gateway) {
		g.window = credit
	}
}

// WithTokenValidator enables bearer-token validation on incoming requests.
func WithTokenValidator(v TokenValidator) Option {
	return func(g *Gateway) {
		g.validator = v
	}
}

// Dispatch delivers one frame into the bridge, serialized with all gateway
// traffic. Application-side collaborators use this as their entry point.
func (g *Gateway) Dispatch(fr *frame.Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bridge.Dispatch(fr)
}

func (g *Gateway) authorize(r *http.Request) uint64 {
	if g.validator == nil {
		return 0
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		return 0
	}
	mask, err := g.validator.Validate(r.Context(), token)
	if err != nil {
		return 0
	}
	return mask
}

// requestHeaders builds the ordered header list of the Begin extension:
// pseudo-headers first, then the request headers with lowercased names.
func requestHeaders(r *http.Request) []frame.Header {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	headers := []frame.Header{
		{Name: ":method", Value: r.Method},
		{Name: ":path", Value: r.URL.RequestURI()},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: r.Host},
	}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		for _, v := range values {
			headers = append(headers, frame.Header{Name: lower, Value: v})
		}
	}
	return headers
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	acceptID := g.table.NewInitialID(g.routeID)
	replyID := g.table.ReplyID(acceptID)
	traceID := g.table.NewTraceID()
	authorization := g.authorize(r)

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	// Response receiver: invoked synchronously under the gateway mutex.
	g.table.Register(replyID, func(fr *frame.Frame) {
		switch fr.Kind {
		case frame.KindBegin:
			ex, ok, err := frame.UnmarshalHTTPBeginEx(fr.Extension)
			if err != nil || !ok {
				finish()
				return
			}
			status := http.StatusOK
			for _, h := range ex.Headers {
				if h.Pseudo() {
					if h.Name == ":status" {
						if code, err := strconv.Atoi(h.Value); err == nil {
							status = code
						}
					}
					continue
				}
				w.Header().Add(http.CanonicalHeaderKey(h.Name), h.Value)
			}
			w.WriteHeader(status)
			flusher.Flush()
		case frame.KindData:
			if _, err := w.Write(fr.Payload); err != nil {
				finish()
				return
			}
			flusher.Flush()
			// Re-grant what just drained. Already under the gateway mutex,
			// so feed the bridge directly.
			g.bridge.Dispatch(&frame.Frame{
				Kind:     frame.KindWindow,
				RouteID:  g.routeID,
				StreamID: replyID,
				TraceID:  fr.TraceID,
				Credit:   int32(len(fr.Payload)) + fr.Padding,
			})
		case frame.KindEnd, frame.KindAbort:
			finish()
		}
	})
	g.table.SetThrottle(acceptID, func(fr *frame.Frame) {
		if fr.Kind == frame.KindReset {
			finish()
		}
	})
	defer func() {
		g.mu.Lock()
		g.table.Unregister(replyID)
		g.table.ClearThrottle(acceptID)
		g.mu.Unlock()
	}()

	beginEx := frame.HTTPBeginEx{Headers: requestHeaders(r)}
	g.Dispatch(&frame.Frame{
		Kind:          frame.KindBegin,
		RouteID:       g.routeID,
		StreamID:      acceptID,
		TraceID:       traceID,
		Authorization: authorization,
		Extension:     beginEx.Marshal(),
	})

	// No handler took the stream: the subscription matched no route.
	g.mu.Lock()
	unrouted := g.table.Receiver(acceptID) == nil
	g.mu.Unlock()
	if unrouted {
		http.NotFound(w, r)
		return
	}

	g.Dispatch(&frame.Frame{
		Kind:          frame.KindWindow,
		RouteID:       g.routeID,
		StreamID:      replyID,
		TraceID:       traceID,
		Authorization: authorization,
		Credit:        g.window,
	})
	g.Dispatch(&frame.Frame{
		Kind:          frame.KindEnd,
		RouteID:       g.routeID,
		StreamID:      acceptID,
		TraceID:       traceID,
		Authorization: authorization,
	})

	select {
	case <-done:
	case <-r.Context().Done():
		g.Dispatch(&frame.Frame{
			Kind:     frame.KindReset,
			RouteID:  g.routeID,
			StreamID: replyID,
			TraceID:  g.table.NewTraceID(),
		})
	}
}
