// Package sse encodes Server-Sent Events wire frames. The codec is a pure
// append-style encoder; parsing of inbound event streams lives in the client
// package.
package sse

import "strconv"

// Flags mark the position of a fragment within a logical event. Init is the
// first fragment, Fin the last; a single-fragment event carries both.
type Flags uint8

// Fragment flags.
const (
	FlagInit Flags = 0x01
	FlagFin  Flags = 0x02
)

// MaxEventOverhead is the upper bound on per-event framing overhead beyond
// the data bytes themselves: "data:" plus newline, "id:" with an id of up to
// 255 bytes, "event:" with a type of up to 16 bytes, and the terminating
// blank line.
//
//	5 ("data:") + 3 ("id:") + 255 (id) + 6 ("event:") + 16 (type) + 3 (newlines)
const MaxEventOverhead = 5 + 3 + 255 + 6 + 16 + 3

// Event describes one logical event to encode. Nil slices are absent fields;
// a Timestamp of zero is not emitted. Comment is emitted as a comment line
// (leading colon) before any field lines.
type Event struct {
	ID        []byte
	Type      []byte
	Timestamp int64
	Data      []byte
	Comment   []byte
}

// AppendEvent appends the wire encoding of one event fragment to dst and
// returns the extended slice.
//
// An Init fragment carries the field lines: comment, id, event type,
// timestamp, then an unterminated "data:" line. A non-Init fragment appends
// its data bytes verbatim, continuing the open data line. A Fin fragment
// closes the data line (when one is open) and emits the blank line that
// terminates the event.
func AppendEvent(dst []byte, flags Flags, ev *Event) []byte {
	dataOpen := false
	if flags&FlagInit != 0 {
		if ev.Comment != nil {
			dst = append(dst, ':')
			dst = append(dst, ev.Comment...)
			dst = append(dst, '\n')
		}
		if len(ev.ID) > 0 {
			dst = append(dst, "id:"...)
			dst = append(dst, ev.ID...)
			dst = append(dst, '\n')
		}
		if ev.Type != nil {
			dst = append(dst, "event:"...)
			dst = append(dst, ev.Type...)
			dst = append(dst, '\n')
		}
		if ev.Timestamp != 0 {
			dst = append(dst, "timestamp:"...)
			dst = strconv.AppendInt(dst, ev.Timestamp, 10)
			dst = append(dst, '\n')
		}
		if ev.Data != nil {
			dst = append(dst, "data:"...)
			dst = append(dst, ev.Data...)
			dataOpen = true
		}
	} else {
		dst = append(dst, ev.Data...)
		dataOpen = true
	}
	if flags&FlagFin != 0 {
		if dataOpen {
			dst = append(dst, '\n')
		}
		dst = append(dst, '\n')
	}
	return dst
}
