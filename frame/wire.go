package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire layout: a 4-byte type id (the Kind widened to uint32), a 4-byte body
// length, then the body. The body is the 32-byte preamble (routeId, streamId,
// traceId, authorization), per-kind fields, and a length-prefixed extension
// blob. All integers are big-endian.

const maxBody = 1 << 24

// Writer writes frames to a byte stream.
type Writer struct {
	w       io.Writer
	scratch []byte
}

// NewWriter creates a frame writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes one frame.
func (fw *Writer) Write(fr *Frame) error {
	body := fw.scratch[:0]
	body = binary.BigEndian.AppendUint64(body, fr.RouteID)
	body = binary.BigEndian.AppendUint64(body, fr.StreamID)
	body = binary.BigEndian.AppendUint64(body, fr.TraceID)
	body = binary.BigEndian.AppendUint64(body, fr.Authorization)

	switch fr.Kind {
	case KindBegin, KindEnd, KindAbort, KindChallenge:
		// preamble + extension only
	case KindData:
		body = append(body, fr.Flags)
		body = binary.BigEndian.AppendUint32(body, uint32(fr.Padding))
		body = binary.BigEndian.AppendUint32(body, uint32(len(fr.Payload)))
		body = append(body, fr.Payload...)
	case KindWindow:
		body = binary.BigEndian.AppendUint32(body, uint32(fr.Credit))
		body = binary.BigEndian.AppendUint32(body, uint32(fr.Padding))
		body = binary.BigEndian.AppendUint64(body, fr.GroupID)
		body = binary.BigEndian.AppendUint64(body, fr.Capabilities)
	case KindReset:
		// preamble + extension only
	default:
		return fmt.Errorf("frame: unknown kind %d", fr.Kind)
	}
	body = binary.BigEndian.AppendUint32(body, uint32(len(fr.Extension)))
	body = append(body, fr.Extension...)
	fw.scratch = body[:0]

	var head [8]byte
	binary.BigEndian.PutUint32(head[0:], uint32(fr.Kind))
	binary.BigEndian.PutUint32(head[4:], uint32(len(body)))
	if _, err := fw.w.Write(head[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(body)
	return err
}

// Reader reads frames from a byte stream.
type Reader struct {
	r io.Reader
}

// NewReader creates a frame reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Read reads and unmarshals one frame.
func (fr *Reader) Read() (*Frame, error) {
	var head [8]byte
	if _, err := io.ReadFull(fr.r, head[:]); err != nil {
		return nil, err
	}
	kind := Kind(binary.BigEndian.Uint32(head[0:]))
	n := binary.BigEndian.Uint32(head[4:])
	if n > maxBody {
		return nil, fmt.Errorf("frame: body length %d exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, err
	}
	if len(body) < 32 {
		return nil, fmt.Errorf("frame: short body")
	}

	f := &Frame{
		Kind:          kind,
		RouteID:       binary.BigEndian.Uint64(body[0:]),
		StreamID:      binary.BigEndian.Uint64(body[8:]),
		TraceID:       binary.BigEndian.Uint64(body[16:]),
		Authorization: binary.BigEndian.Uint64(body[24:]),
	}
	body = body[32:]

	switch kind {
	case KindBegin, KindEnd, KindAbort, KindChallenge, KindReset:
	case KindData:
		if len(body) < 9 {
			return nil, fmt.Errorf("frame: short data body")
		}
		f.Flags = body[0]
		f.Padding = int32(binary.BigEndian.Uint32(body[1:]))
		pn := int(binary.BigEndian.Uint32(body[5:]))
		body = body[9:]
		if len(body) < pn {
			return nil, fmt.Errorf("frame: truncated data payload")
		}
		f.Payload = body[:pn]
		body = body[pn:]
	case KindWindow:
		if len(body) < 24 {
			return nil, fmt.Errorf("frame: short window body")
		}
		f.Credit = int32(binary.BigEndian.Uint32(body[0:]))
		f.Padding = int32(binary.BigEndian.Uint32(body[4:]))
		f.GroupID = binary.BigEndian.Uint64(body[8:])
		f.Capabilities = binary.BigEndian.Uint64(body[16:])
		body = body[24:]
	default:
		return nil, fmt.Errorf("frame: unknown kind %d", kind)
	}

	if len(body) < 4 {
		return nil, fmt.Errorf("frame: missing extension length")
	}
	en := int(binary.BigEndian.Uint32(body))
	body = body[4:]
	if len(body) < en {
		return nil, fmt.Errorf("frame: truncated extension")
	}
	if en > 0 {
		f.Extension = body[:en]
	}
	return f, nil
}
