package bridge

import (
	"github.com/jmcarbo/ssebridge/frame"
	"github.com/jmcarbo/ssebridge/router"
)

// initialStream owns the network→application half of a stream pair: it
// forwards termination of the incoming request toward the application and
// relays application credit back to the network peer, announcing on the way
// that the bridge accepts challenges.
type initialStream struct {
	f     *Factory
	route *router.Route

	networkRouteID   uint64
	acceptID         uint64
	acceptReplyID    uint64
	connectInitialID uint64
	connectReplyID   uint64
	authorization    uint64
}

// accept handles stream frames arriving on the incoming network stream.
func (s *initialStream) accept(fr *frame.Frame) {
	switch fr.Kind {
	case frame.KindBegin:
		// Classified by the factory already.
	case frame.KindEnd:
		s.f.emitEnd(s.route.Target, s.route.RouteID, s.connectInitialID, fr.TraceID, s.authorization, nil)
		s.close()
	case frame.KindAbort:
		s.f.emitAbort(s.route.Target, s.route.RouteID, s.connectInitialID, fr.TraceID, s.authorization)
		if _, ok := s.f.corr.take(s.connectReplyID); ok {
			s.f.router.ClearThrottle(s.acceptReplyID)
		}
		s.close()
	default:
		s.f.emitReset(s.f.router.Throttle(s.acceptID), s.networkRouteID, s.acceptID, fr.TraceID, s.authorization)
	}
}

// handleThrottle relays control frames arriving from the application for the
// application-bound stream.
func (s *initialStream) handleThrottle(fr *frame.Frame) {
	switch fr.Kind {
	case frame.KindWindow:
		capabilities := fr.Capabilities | frame.CapabilityChallenge.Mask()
		s.f.emitWindow(s.f.router.Throttle(s.acceptID), s.networkRouteID, s.acceptID, fr.TraceID, s.authorization,
			fr.Credit, fr.Padding, fr.GroupID, capabilities)
	case frame.KindReset:
		s.f.emitReset(s.f.router.Throttle(s.acceptID), s.networkRouteID, s.acceptID, fr.TraceID, s.authorization)
		s.close()
	}
}

func (s *initialStream) close() {
	s.f.router.Unregister(s.acceptID)
	s.f.router.ClearThrottle(s.connectInitialID)
}
