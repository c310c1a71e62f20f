package bridge

import (
	"testing"

	"github.com/jmcarbo/ssebridge/frame"
)

func TestInitial_EndForwarded(t *testing.T) {
	e := newEnv(t, "")
	initialID, _ := e.subscribe(t)

	e.f.Dispatch(&frame.Frame{Kind: frame.KindEnd, StreamID: e.acceptID, TraceID: 5})
	last := e.app.Last()
	if last == nil || last.Kind != frame.KindEnd {
		t.Fatalf("expected application End, got %+v", last)
	}
	if last.StreamID != initialID {
		t.Errorf("expected stream %d, got %d", initialID, last.StreamID)
	}
	if last.TraceID != 5 {
		t.Errorf("expected trace id 5, got %d", last.TraceID)
	}
}

func TestInitial_AbortForwardedAndCorrelationDropped(t *testing.T) {
	e := newEnv(t, "")
	e.subscribe(t)
	if e.f.Correlated() != 1 {
		t.Fatal("expected pending correlation")
	}

	e.f.Dispatch(&frame.Frame{Kind: frame.KindAbort, StreamID: e.acceptID})
	if last := e.app.Last(); last == nil || last.Kind != frame.KindAbort {
		t.Fatal("expected application Abort")
	}
	if e.f.Correlated() != 0 {
		t.Error("abort before reply must drop the correlation")
	}
	if e.table.Throttle(e.acceptReplyID) != nil {
		t.Error("abort must clear the reply throttle registration")
	}
}

func TestInitial_WindowAnnouncesChallengeCapability(t *testing.T) {
	e := newEnv(t, "")
	initialID, _ := e.subscribe(t)

	e.f.Dispatch(&frame.Frame{
		Kind:     frame.KindWindow,
		StreamID: initialID,
		Credit:   128,
		Padding:  4,
		GroupID:  7,
	})
	last := e.netThrottle.Last()
	if last == nil || last.Kind != frame.KindWindow {
		t.Fatal("expected window forwarded to the network")
	}
	if last.Credit != 128 || last.Padding != 4 || last.GroupID != 7 {
		t.Errorf("window fields not forwarded: %+v", last)
	}
	if last.Capabilities&frame.CapabilityChallenge.Mask() == 0 {
		t.Error("forwarded window must announce the challenge capability")
	}
}

func TestInitial_ResetForwarded(t *testing.T) {
	e := newEnv(t, "")
	initialID, _ := e.subscribe(t)

	e.f.Dispatch(&frame.Frame{Kind: frame.KindReset, StreamID: initialID, TraceID: 11})
	last := e.netThrottle.Last()
	if last == nil || last.Kind != frame.KindReset {
		t.Fatal("expected Reset forwarded to the network")
	}
	if last.TraceID != 11 {
		t.Errorf("expected trace id 11, got %d", last.TraceID)
	}
}

func TestInitial_UnexpectedFrameResets(t *testing.T) {
	e := newEnv(t, "")
	e.subscribe(t)

	e.f.Dispatch(&frame.Frame{Kind: frame.KindData, StreamID: e.acceptID, Payload: []byte("x")})
	if last := e.netThrottle.Last(); last == nil || last.Kind != frame.KindReset {
		t.Fatal("expected Reset for a data frame on an SSE request")
	}
	if e.app.Len() != 1 {
		t.Error("unexpected frame must not reach the application")
	}
}
