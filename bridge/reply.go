package bridge

import (
	"github.com/jmcarbo/ssebridge/frame"
	"github.com/jmcarbo/ssebridge/pool"
	"github.com/jmcarbo/ssebridge/sse"
)

type streamState uint8

const (
	stateBeforeBegin streamState = iota
	stateAfterBeginOrData
	stateClosed
)

// replyStream owns the application→network half of a stream pair. It turns
// application frames into text/event-stream bytes under two credit budgets:
// the network budget tracks what the HTTP peer has granted, the application
// budget tracks what has been granted onward. The initial network window is
// accumulated in full before any application credit is issued, so the
// application's first window represents the whole initial window at once.
//
// Budgets are debited before the corresponding emission, so a window arriving
// re-entrantly from within a delivery callback observes consistent state.
type replyStream struct {
	f     *Factory
	state streamState

	applicationRouteID uint64
	applicationReplyID uint64
	networkRouteID     uint64
	networkReplyID     uint64
	authorization      uint64

	timestampRequested bool

	networkBudget  int32
	networkPadding int32
	// minNetworkBudget is -1 until the first window arrives, then the first
	// credit value until reached, then zero.
	minNetworkBudget  int32
	applicationBudget int32

	// slot parks at most the trailing End event plus any queued challenges;
	// slotOffset is its write cursor.
	slot        int
	slotOffset  int32
	deferredEnd bool
}

// accept handles stream frames arriving from the application on its reply
// stream.
func (s *replyStream) accept(fr *frame.Frame) {
	switch s.state {
	case stateBeforeBegin:
		if fr.Kind == frame.KindBegin {
			s.onBegin(fr)
			return
		}
		s.f.log.Errorf("bridge: %v", &ProtocolError{StreamID: fr.StreamID, Reason: fr.Kind.String() + " before reply begin"})
		s.resetApplication(fr.TraceID)
		s.close()
	case stateAfterBeginOrData:
		switch fr.Kind {
		case frame.KindData:
			s.onData(fr)
		case frame.KindEnd:
			s.onEnd(fr)
		case frame.KindAbort:
			s.f.emitAbort(s.f.router.Receiver(s.networkReplyID), s.networkRouteID, s.networkReplyID, fr.TraceID, s.authorization)
			s.close()
		default:
			s.f.log.Errorf("bridge: %v", &ProtocolError{StreamID: fr.StreamID, Reason: "unexpected " + fr.Kind.String()})
			s.resetApplication(fr.TraceID)
			s.abortNetwork(fr.TraceID)
			s.close()
		}
	case stateClosed:
	}
}

func (s *replyStream) onBegin(fr *frame.Frame) {
	contentType := "text/event-stream"
	if s.timestampRequested {
		contentType += ";ext=timestamp"
	}
	s.f.emitHTTPBegin(s.f.router.Receiver(s.networkReplyID), s.networkRouteID, s.networkReplyID, fr.TraceID, s.authorization,
		[]frame.Header{
			{Name: headerStatus, Value: "200"},
			{Name: headerContentType, Value: contentType},
		})
	s.state = stateAfterBeginOrData
}

func (s *replyStream) onData(fr *frame.Frame) {
	dataLength := int32(len(fr.Payload))
	s.applicationBudget -= dataLength + fr.Padding
	if s.applicationBudget < 0 {
		s.f.log.Errorf("bridge: %v", &ProtocolError{StreamID: fr.StreamID, Reason: "application budget exceeded"})
		s.resetApplication(fr.TraceID)
		s.abortNetwork(fr.TraceID)
		s.close()
		return
	}

	ev := sse.Event{Data: fr.Payload}
	if ex, ok, err := frame.UnmarshalSSEDataEx(fr.Extension); err != nil {
		s.f.log.Errorf("bridge: bad data extension on stream %d: %v", fr.StreamID, err)
	} else if ok {
		ev.ID = ex.ID
		ev.Type = ex.Type
		if s.timestampRequested {
			ev.Timestamp = ex.Timestamp
		}
	}

	payload := sse.AppendEvent(s.f.writeBuf[:0], sse.Flags(fr.Flags), &ev)
	s.networkBudget -= int32(len(payload)) + s.networkPadding
	if s.networkBudget < 0 {
		s.f.log.Errorf("bridge: %v", &ProtocolError{StreamID: fr.StreamID, Reason: "network budget exceeded"})
		s.resetApplication(fr.TraceID)
		s.abortNetwork(fr.TraceID)
		s.close()
		return
	}
	s.f.emitData(s.f.router.Receiver(s.networkReplyID), s.networkRouteID, s.networkReplyID, fr.TraceID, s.authorization,
		payload, s.networkPadding, fr.Flags)
}

func (s *replyStream) onEnd(fr *frame.Frame) {
	ex, ok, err := frame.UnmarshalSSEEndEx(fr.Extension)
	if err != nil {
		s.f.log.Errorf("bridge: bad end extension on stream %d: %v", fr.StreamID, err)
	}
	if !ok || err != nil || len(ex.ID) == 0 {
		s.endNetwork(fr.TraceID)
		return
	}

	payload := sse.AppendEvent(s.f.writeBuf[:0], sse.FlagInit|sse.FlagFin, &sse.Event{ID: ex.ID})
	need := int32(len(payload)) + s.networkPadding
	if s.slotOffset == 0 && need <= s.networkBudget {
		s.networkBudget -= need
		s.f.emitData(s.f.router.Receiver(s.networkReplyID), s.networkRouteID, s.networkReplyID, fr.TraceID, s.authorization,
			payload, s.networkPadding, frame.FlagInit|frame.FlagFin)
		s.endNetwork(fr.TraceID)
		return
	}

	// Short on credit, or a queued challenge must drain first: park the
	// trailing event behind it and finish once the window catches up.
	if s.slot == pool.NoSlot {
		s.slot = s.f.pool.Acquire(s.networkReplyID)
		if s.slot == pool.NoSlot {
			s.f.log.Errorf("bridge: no slot for trailing id on stream %d", s.networkReplyID)
			s.endNetwork(fr.TraceID)
			return
		}
	}
	buf := s.f.pool.Buffer(s.slot)
	if int(s.slotOffset)+len(payload) > len(buf) {
		s.f.log.Errorf("bridge: trailing id overflows slot on stream %d", s.networkReplyID)
		s.endNetwork(fr.TraceID)
		return
	}
	s.slotOffset += int32(copy(buf[s.slotOffset:], payload))
	s.deferredEnd = true
}

// handleThrottle handles control frames arriving from the network peer for
// the response stream.
func (s *replyStream) handleThrottle(fr *frame.Frame) {
	switch fr.Kind {
	case frame.KindWindow:
		s.onWindow(fr)
	case frame.KindReset:
		s.resetApplication(fr.TraceID)
		s.close()
	case frame.KindChallenge:
		s.onChallenge(fr)
	}
}

func (s *replyStream) onWindow(fr *frame.Frame) {
	if s.state == stateClosed {
		return
	}
	s.networkBudget += fr.Credit
	s.networkPadding = fr.Padding

	if s.minNetworkBudget < 0 {
		s.minNetworkBudget = fr.Credit
		if s.f.initialComment != nil {
			payload := sse.AppendEvent(s.f.writeBuf[:0], sse.FlagInit|sse.FlagFin, &sse.Event{Comment: s.f.initialComment})
			s.networkBudget -= int32(len(payload)) + s.networkPadding
			if s.networkBudget < 0 {
				s.f.log.Errorf("bridge: %v", &ProtocolError{StreamID: s.networkReplyID, Reason: "initial window below comment size"})
				s.resetApplication(fr.TraceID)
				s.abortNetwork(fr.TraceID)
				s.close()
				return
			}
			s.f.emitData(s.f.router.Receiver(s.networkReplyID), s.networkRouteID, s.networkReplyID, fr.TraceID, s.authorization,
				payload, s.networkPadding, frame.FlagInit|frame.FlagFin)
		}
	}

	if s.networkBudget < s.minNetworkBudget {
		return
	}
	s.minNetworkBudget = 0

	if s.slotOffset > 0 {
		need := s.slotOffset + s.networkPadding
		if need > s.networkBudget {
			return
		}
		payload := s.f.pool.Buffer(s.slot)[:s.slotOffset]
		slot := s.slot
		deferred := s.deferredEnd
		s.networkBudget -= need
		s.slot = pool.NoSlot
		s.slotOffset = 0
		s.deferredEnd = false
		s.f.emitData(s.f.router.Receiver(s.networkReplyID), s.networkRouteID, s.networkReplyID, fr.TraceID, s.authorization,
			payload, s.networkPadding, frame.FlagInit|frame.FlagFin)
		s.f.pool.Release(slot)
		if deferred {
			s.endNetwork(fr.TraceID)
			return
		}
	}

	applicationPadding := s.networkPadding + sse.MaxEventOverhead
	applicationCredit := s.networkBudget - s.applicationBudget
	if applicationCredit > 0 {
		s.applicationBudget += applicationCredit
		s.f.emitWindow(s.f.router.Throttle(s.applicationReplyID), s.applicationRouteID, s.applicationReplyID, fr.TraceID, s.authorization,
			applicationCredit, applicationPadding, fr.GroupID, 0)
	}
}

func (s *replyStream) onChallenge(fr *frame.Frame) {
	if s.state != stateAfterBeginOrData {
		s.f.log.Infof("bridge: dropped challenge on stream %d: response not begun", s.networkReplyID)
		return
	}
	ex, ok, err := frame.UnmarshalHTTPChallengeEx(fr.Extension)
	if err != nil || !ok {
		s.f.log.Errorf("bridge: bad challenge extension on stream %d: %v", fr.StreamID, err)
		return
	}
	body, err := challengeJSON(ex)
	if err != nil {
		s.f.log.Errorf("bridge: challenge serialisation failed on stream %d: %v", fr.StreamID, err)
		return
	}

	payload := sse.AppendEvent(s.f.challengeBuf[:0], sse.FlagInit|sse.FlagFin, &sse.Event{
		Type: []byte(s.f.challengeEventType),
		Data: body,
	})
	if s.networkBudget > int32(len(payload))+s.networkPadding {
		s.networkBudget -= int32(len(payload)) + s.networkPadding
		s.f.emitData(s.f.router.Receiver(s.networkReplyID), s.networkRouteID, s.networkReplyID, fr.TraceID, s.authorization,
			payload, s.networkPadding, frame.FlagInit|frame.FlagFin)
		return
	}

	if s.slot == pool.NoSlot {
		s.slot = s.f.pool.Acquire(s.networkReplyID)
		if s.slot == pool.NoSlot {
			s.f.log.Errorf("bridge: no slot for challenge on stream %d", s.networkReplyID)
			return
		}
	}
	buf := s.f.pool.Buffer(s.slot)
	if int(s.slotOffset)+len(payload) > len(buf) {
		s.f.log.Errorf("bridge: challenge overflows slot on stream %d", s.networkReplyID)
		if s.slotOffset == 0 {
			s.f.pool.Release(s.slot)
			s.slot = pool.NoSlot
		}
		return
	}
	copy(buf[s.slotOffset:], payload)
	s.slotOffset += int32(len(payload))
}

// endNetwork emits the response End and retires the handler.
func (s *replyStream) endNetwork(traceID uint64) {
	to := s.f.router.Receiver(s.networkReplyID)
	s.close()
	s.f.emitEnd(to, s.networkRouteID, s.networkReplyID, traceID, s.authorization, nil)
}

func (s *replyStream) resetApplication(traceID uint64) {
	s.f.emitReset(s.f.router.Throttle(s.applicationReplyID), s.applicationRouteID, s.applicationReplyID, traceID, s.authorization)
}

func (s *replyStream) abortNetwork(traceID uint64) {
	s.f.emitAbort(s.f.router.Receiver(s.networkReplyID), s.networkRouteID, s.networkReplyID, traceID, s.authorization)
}

func (s *replyStream) close() {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	if s.slot != pool.NoSlot {
		s.f.pool.Release(s.slot)
		s.slot = pool.NoSlot
		s.slotOffset = 0
		s.deferredEnd = false
	}
	s.f.corr.take(s.applicationReplyID)
	s.f.router.Unregister(s.applicationReplyID)
	s.f.router.ClearThrottle(s.networkReplyID)
}
