package bridge

import "fmt"

// ProtocolError reports a frame that arrived in a state where none is legal,
// or accounting that would drive a flow-control budget negative. The bridge
// never returns it across a frame callback; it is logged and answered with
// RESET/ABORT on the wire.
type ProtocolError struct {
	StreamID uint64
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation on stream %d: %s", e.StreamID, e.Reason)
}

// RouteNotFoundError reports a subscription that matched no route.
type RouteNotFoundError struct {
	RouteID  uint64
	PathInfo string
}

func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route %d for path %q", e.RouteID, e.PathInfo)
}
