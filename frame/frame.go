// Package frame defines the frame model shared by both sides of the bridge:
// the seven frame kinds, the fixed per-frame preamble, fragment flags and
// stream capabilities. Typed extension payloads live in ext.go and the binary
// stream codec in wire.go.
package frame

// Kind identifies a frame variant.
type Kind uint8

// Frame kinds. Begin, Data, End and Abort travel in the stream direction;
// Window, Reset and Challenge travel in the control (throttle) direction.
const (
	KindBegin Kind = iota + 1
	KindData
	KindEnd
	KindAbort
	KindWindow
	KindReset
	KindChallenge
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindData:
		return "DATA"
	case KindEnd:
		return "END"
	case KindAbort:
		return "ABORT"
	case KindWindow:
		return "WINDOW"
	case KindReset:
		return "RESET"
	case KindChallenge:
		return "CHALLENGE"
	}
	return "UNKNOWN"
}

// Control reports whether the kind travels in the control direction,
// opposite to the stream it names.
func (k Kind) Control() bool {
	return k == KindWindow || k == KindReset || k == KindChallenge
}

// Fragment flags carried on Data frames. Init marks the first fragment of a
// logical payload, Fin the last. A single-fragment payload carries both.
const (
	FlagInit uint8 = 0x01
	FlagFin  uint8 = 0x02
)

// Capability enumerates optional stream features a peer can announce in the
// capabilities mask of a Window frame.
type Capability uint8

// Challenge is the only capability currently defined. Its mask bit position
// is its ordinal.
const CapabilityChallenge Capability = 0

// Mask returns the capability's bit in a Window capabilities mask.
func (c Capability) Mask() uint64 {
	return 1 << uint(c)
}

// Frame is a single message on either boundary. The four preamble fields are
// always present; the remaining fields are meaningful per kind:
//
//	Data:   Payload, Padding, Flags, Extension
//	Window: Credit, Padding, GroupID, Capabilities
//	Begin, End, Abort, Challenge: Extension (opaque, see ext.go)
//
// Stream identifiers encode direction in their low bit: odd ids are initial
// (opened by the client side), even ids are the paired reply.
type Frame struct {
	Kind          Kind
	RouteID       uint64
	StreamID      uint64
	TraceID       uint64
	Authorization uint64

	Payload []byte
	Flags   uint8

	Credit       int32
	Padding      int32
	GroupID      uint64
	Capabilities uint64

	Extension []byte
}

// Initial reports whether the frame's stream id names an initial stream.
func Initial(streamID uint64) bool {
	return streamID&1 == 1
}
