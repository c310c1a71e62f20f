// Package testutil provides frame-level test doubles for the bridge.
package testutil

import (
	"sync"

	"github.com/jmcarbo/ssebridge/frame"
)

// FrameRecorder captures frames delivered to one stream endpoint. Payload
// and extension slices are copied, since the bridge reuses its marshalling
// arena between emissions.
type FrameRecorder struct {
	mu     sync.Mutex
	frames []*frame.Frame
}

// NewFrameRecorder creates an empty recorder.
func NewFrameRecorder() *FrameRecorder {
	return &FrameRecorder{}
}

// Handler returns the recorder's receiver function.
func (r *FrameRecorder) Handler() func(*frame.Frame) {
	return func(fr *frame.Frame) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.frames = append(r.frames, CopyFrame(fr))
	}
}

// Frames returns the recorded frames in arrival order.
func (r *FrameRecorder) Frames() []*frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*frame.Frame(nil), r.frames...)
}

// Len returns the number of recorded frames.
func (r *FrameRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Last returns the most recently recorded frame, or nil.
func (r *FrameRecorder) Last() *frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

// Reset discards all recorded frames.
func (r *FrameRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

// CopyFrame deep-copies a frame's byte fields.
func CopyFrame(fr *frame.Frame) *frame.Frame {
	cp := *fr
	if fr.Payload != nil {
		cp.Payload = append([]byte(nil), fr.Payload...)
	}
	if fr.Extension != nil {
		cp.Extension = append([]byte(nil), fr.Extension...)
	}
	return &cp
}
