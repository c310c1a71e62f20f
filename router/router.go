// Package router holds the route table and the per-stream wiring shared by
// every stream pair: receivers for stream-direction frames, throttles for
// control-direction frames, and the stream/trace id suppliers.
package router

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jmcarbo/ssebridge/frame"
)

// Handler consumes frames addressed to one stream. Payload and extension
// slices are only valid for the duration of the call; implementations that
// retain them must copy.
type Handler func(*frame.Frame)

// Route binds a route id to an application target.
type Route struct {
	// RouteID identifies the route on inbound frames.
	RouteID uint64

	// Authorization is the mask of scope bits a subscriber must carry.
	// Zero admits everyone.
	Authorization uint64

	// PathInfo, when non-empty, restricts the route to request paths with
	// this prefix.
	PathInfo string

	// Target receives application-bound frames for streams opened on this
	// route.
	Target Handler
}

// MatchesPath reports whether the route admits the given request path.
func (r *Route) MatchesPath(pathInfo string) bool {
	return r.PathInfo == "" || strings.HasPrefix(pathInfo, r.PathInfo)
}

// Table is the process-wide route table and stream registry.
type Table struct {
	mu        sync.RWMutex
	routes    []*Route
	receivers map[uint64]Handler
	throttles map[uint64]Handler

	nextStreamID atomic.Uint64
	nextTraceID  atomic.Uint64
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		receivers: make(map[uint64]Handler),
		throttles: make(map[uint64]Handler),
	}
}

// Add registers a route.
func (t *Table) Add(r *Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, r)
}

// Resolve returns the first route with the given id admitted by filter.
func (t *Table) Resolve(routeID, authorization uint64, filter func(*Route) bool) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes {
		if r.RouteID != routeID {
			continue
		}
		if r.Authorization != 0 && authorization&r.Authorization != r.Authorization {
			continue
		}
		if filter != nil && !filter(r) {
			continue
		}
		return r, true
	}
	return nil, false
}

// Register binds the receiver for stream-direction frames on a stream.
func (t *Table) Register(streamID uint64, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivers[streamID] = h
}

// Unregister removes a stream's receiver.
func (t *Table) Unregister(streamID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.receivers, streamID)
}

// Receiver returns the receiver bound to a stream, or nil.
func (t *Table) Receiver(streamID uint64) Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.receivers[streamID]
}

// SetThrottle binds the handler for control-direction frames on a stream.
func (t *Table) SetThrottle(streamID uint64, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.throttles[streamID] = h
}

// ClearThrottle removes a stream's throttle handler.
func (t *Table) ClearThrottle(streamID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.throttles, streamID)
}

// Throttle returns the throttle handler bound to a stream, or nil.
func (t *Table) Throttle(streamID uint64) Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.throttles[streamID]
}

// NewInitialID supplies a fresh initial (odd) stream id.
func (t *Table) NewInitialID(uint64) uint64 {
	return t.nextStreamID.Add(2) | 1
}

// ReplyID returns the reply stream id paired with a stream: the same id with
// the direction bit flipped.
func (t *Table) ReplyID(streamID uint64) uint64 {
	return streamID ^ 1
}

// NewTraceID supplies a fresh trace id.
func (t *Table) NewTraceID() uint64 {
	return t.nextTraceID.Add(1)
}
