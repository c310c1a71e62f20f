// Package bridge is the core of the SSE protocol bridge. A Factory accepts
// Begin frames arriving from the network side, classifies them (CORS
// preflight, method rejection, SSE subscription), negotiates an application
// route and produces a paired set of half-stream handlers: the initial half
// carries the network request toward the application, the reply half carries
// application events back to the network framed as text/event-stream under a
// credit-based flow-control window.
//
// The bridge is single-threaded cooperative: Dispatch takes no locks and
// callers must serialize frame delivery. Receivers are invoked synchronously
// within the delivery callback; payload slices are only valid for the
// duration of the call.
package bridge

import (
	"github.com/jmcarbo/ssebridge/frame"
	"github.com/jmcarbo/ssebridge/pool"
	"github.com/jmcarbo/ssebridge/router"
)

// Router is the routing fabric the bridge consumes: route resolution,
// per-stream receiver/throttle wiring, and id supply.
type Router interface {
	Resolve(routeID, authorization uint64, filter func(*router.Route) bool) (*router.Route, bool)
	Register(streamID uint64, h router.Handler)
	Unregister(streamID uint64)
	Receiver(streamID uint64) router.Handler
	SetThrottle(streamID uint64, h router.Handler)
	ClearThrottle(streamID uint64)
	Throttle(streamID uint64) router.Handler
	NewInitialID(routeID uint64) uint64
	ReplyID(streamID uint64) uint64
	NewTraceID() uint64
}

// BufferPool supplies the pinned slots used to park frames that do not fit
// the current window.
type BufferPool interface {
	Acquire(streamID uint64) int
	Buffer(slot int) []byte
	Release(slot int)
}

const defaultBufferSize = 64 * 1024

// Factory classifies inbound streams and owns the shared marshalling arenas.
type Factory struct {
	router Router
	pool   BufferPool
	corr   *correlations

	// writeBuf is rewritten per emission; challengeBuf is reserved for
	// challenge serialisation so an interleaved challenge cannot clobber an
	// event being encoded.
	writeBuf     []byte
	challengeBuf []byte

	initialComment     []byte
	challengeEventType string
	log                Logger
}

// Option configures a Factory.
type Option func(*Factory)

// New creates a stream factory over the given routing fabric and buffer pool.
func New(r Router, p BufferPool, opts ...Option) *Factory {
	f := &Factory{
		router:             r,
		pool:               p,
		corr:               newCorrelations(),
		writeBuf:           make([]byte, 0, defaultBufferSize),
		challengeBuf:       make([]byte, 0, defaultBufferSize),
		challengeEventType: DefaultChallengeEventType,
		log:                nopLogger{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithInitialComment sets the comment bytes emitted as the first event-stream
// frame once the network grants its first window.
func WithInitialComment(comment []byte) Option {
	return func(f *Factory) {
		f.initialComment = comment
	}
}

// WithChallengeEventType sets the SSE event type used for injected challenge
// events.
func WithChallengeEventType(eventType string) Option {
	return func(f *Factory) {
		f.challengeEventType = eventType
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(log Logger) Option {
	return func(f *Factory) {
		f.log = log
	}
}

// WithBufferSize sets the capacity of the marshalling arenas. The arena must
// hold one maximum-sized frame.
func WithBufferSize(size int) Option {
	return func(f *Factory) {
		f.writeBuf = make([]byte, 0, size)
		f.challengeBuf = make([]byte, 0, size)
	}
}

// Dispatch delivers one frame: stream-direction frames go to the receiver
// registered for the frame's stream, control-direction frames to its
// throttle. A Begin with no receiver is offered to NewStream and the
// resulting handler is registered before delivery.
func (f *Factory) Dispatch(fr *frame.Frame) {
	if fr.Kind.Control() {
		if h := f.router.Throttle(fr.StreamID); h != nil {
			h(fr)
			return
		}
		f.log.Infof("bridge: dropped %s for stream %d: no throttle", fr.Kind, fr.StreamID)
		return
	}
	if h := f.router.Receiver(fr.StreamID); h != nil {
		h(fr)
		return
	}
	if fr.Kind == frame.KindBegin {
		if h, ok := f.NewStream(fr); ok {
			f.router.Register(fr.StreamID, h)
			h(fr)
			return
		}
		return
	}
	f.log.Infof("bridge: dropped %s for stream %d: no receiver", fr.Kind, fr.StreamID)
}

// NewStream produces the handler for a newly beginning stream. An initial
// (odd) stream id is a fresh subscription arriving from the network; a reply
// (even) id is an application starting its reply and is matched against the
// correlation established at subscription time. Frames other than Begin, and
// subscriptions that resolve no route, yield no handler.
func (f *Factory) NewStream(begin *frame.Frame) (router.Handler, bool) {
	if begin.Kind != frame.KindBegin {
		return nil, false
	}
	if frame.Initial(begin.StreamID) {
		return f.newInitialStream(begin)
	}
	r, ok := f.corr.take(begin.StreamID)
	if !ok {
		return nil, false
	}
	return r.accept, true
}

func (f *Factory) newInitialStream(begin *frame.Frame) (router.Handler, bool) {
	ex, _, err := frame.UnmarshalHTTPBeginEx(begin.Extension)
	if err != nil {
		f.log.Errorf("bridge: bad begin extension on stream %d: %v", begin.StreamID, err)
		return nil, false
	}
	var headers map[string]string
	if ex != nil {
		headers = foldHeaders(ex.Headers)
	}

	acceptID := begin.StreamID
	acceptReplyID := f.router.ReplyID(acceptID)

	if corsPreflight(headers) {
		f.respondAndClose(begin, acceptReplyID, []frame.Header{
			{Name: headerStatus, Value: "204"},
			{Name: "access-control-allow-methods", Value: "GET"},
		})
		return f.drainStream(acceptID), true
	}
	if headers[headerMethod] != "GET" {
		f.respondAndClose(begin, acceptReplyID, []frame.Header{
			{Name: headerStatus, Value: "405"},
		})
		return f.drainStream(acceptID), true
	}

	pathInfo, lastEventID := parseRequest(headers)
	route, ok := f.router.Resolve(begin.RouteID, begin.Authorization, func(r *router.Route) bool {
		return r.MatchesPath(pathInfo)
	})
	if !ok {
		f.log.Infof("bridge: %v", &RouteNotFoundError{RouteID: begin.RouteID, PathInfo: pathInfo})
		return nil, false
	}

	connectInitialID := f.router.NewInitialID(route.RouteID)
	connectReplyID := f.router.ReplyID(connectInitialID)

	reply := &replyStream{
		f:                  f,
		applicationRouteID: route.RouteID,
		applicationReplyID: connectReplyID,
		networkRouteID:     begin.RouteID,
		networkReplyID:     acceptReplyID,
		authorization:      begin.Authorization,
		timestampRequested: timestampRequested(headers),
		minNetworkBudget:   -1,
		slot:               pool.NoSlot,
	}
	init := &initialStream{
		f:                f,
		route:            route,
		networkRouteID:   begin.RouteID,
		acceptID:         acceptID,
		acceptReplyID:    acceptReplyID,
		connectInitialID: connectInitialID,
		connectReplyID:   connectReplyID,
		authorization:    begin.Authorization,
	}

	f.corr.put(connectReplyID, reply)
	f.router.SetThrottle(connectInitialID, init.handleThrottle)
	f.router.SetThrottle(acceptReplyID, reply.handleThrottle)

	beginEx := frame.SSEBeginEx{PathInfo: pathInfo, LastEventID: lastEventID}
	f.emit(route.Target, &frame.Frame{
		Kind:          frame.KindBegin,
		RouteID:       route.RouteID,
		StreamID:      connectInitialID,
		TraceID:       begin.TraceID,
		Authorization: begin.Authorization,
		Extension:     beginEx.Marshal(),
	})
	return init.accept, true
}

// respondAndClose acknowledges the incoming stream with a zero-credit window
// and answers it with an immediate response and End.
func (f *Factory) respondAndClose(begin *frame.Frame, acceptReplyID uint64, headers []frame.Header) {
	f.emitWindow(f.router.Throttle(begin.StreamID), begin.RouteID, begin.StreamID, begin.TraceID, begin.Authorization, 0, 0, 0, 0)
	to := f.router.Receiver(acceptReplyID)
	f.emitHTTPBegin(to, begin.RouteID, acceptReplyID, begin.TraceID, begin.Authorization, headers)
	f.emitEnd(to, begin.RouteID, acceptReplyID, begin.TraceID, begin.Authorization, nil)
}

// drainStream swallows the remainder of a stream that was answered by the
// factory itself, unregistering on End or Abort.
func (f *Factory) drainStream(streamID uint64) router.Handler {
	return func(fr *frame.Frame) {
		if fr.Kind == frame.KindEnd || fr.Kind == frame.KindAbort {
			f.router.Unregister(streamID)
		}
	}
}

// Correlated returns the number of subscriptions awaiting an application
// reply.
func (f *Factory) Correlated() int {
	return f.corr.len()
}

func (f *Factory) emit(to router.Handler, fr *frame.Frame) {
	if to == nil {
		f.log.Infof("bridge: dropped %s for stream %d: no peer", fr.Kind, fr.StreamID)
		return
	}
	to(fr)
}

func (f *Factory) emitHTTPBegin(to router.Handler, routeID, streamID, traceID, authorization uint64, headers []frame.Header) {
	ex := frame.HTTPBeginEx{Headers: headers}
	f.emit(to, &frame.Frame{
		Kind:          frame.KindBegin,
		RouteID:       routeID,
		StreamID:      streamID,
		TraceID:       traceID,
		Authorization: authorization,
		Extension:     ex.Marshal(),
	})
}

func (f *Factory) emitData(to router.Handler, routeID, streamID, traceID, authorization uint64, payload []byte, padding int32, flags uint8) {
	f.emit(to, &frame.Frame{
		Kind:          frame.KindData,
		RouteID:       routeID,
		StreamID:      streamID,
		TraceID:       traceID,
		Authorization: authorization,
		Payload:       payload,
		Padding:       padding,
		Flags:         flags,
	})
}

func (f *Factory) emitEnd(to router.Handler, routeID, streamID, traceID, authorization uint64, ext []byte) {
	f.emit(to, &frame.Frame{
		Kind:          frame.KindEnd,
		RouteID:       routeID,
		StreamID:      streamID,
		TraceID:       traceID,
		Authorization: authorization,
		Extension:     ext,
	})
}

func (f *Factory) emitAbort(to router.Handler, routeID, streamID, traceID, authorization uint64) {
	f.emit(to, &frame.Frame{
		Kind:          frame.KindAbort,
		RouteID:       routeID,
		StreamID:      streamID,
		TraceID:       traceID,
		Authorization: authorization,
	})
}

func (f *Factory) emitWindow(to router.Handler, routeID, streamID, traceID, authorization uint64, credit, padding int32, groupID, capabilities uint64) {
	f.emit(to, &frame.Frame{
		Kind:          frame.KindWindow,
		RouteID:       routeID,
		StreamID:      streamID,
		TraceID:       traceID,
		Authorization: authorization,
		Credit:        credit,
		Padding:       padding,
		GroupID:       groupID,
		Capabilities:  capabilities,
	})
}

func (f *Factory) emitReset(to router.Handler, routeID, streamID, traceID, authorization uint64) {
	f.emit(to, &frame.Frame{
		Kind:          frame.KindReset,
		RouteID:       routeID,
		StreamID:      streamID,
		TraceID:       traceID,
		Authorization: authorization,
	})
}
