package frame

import (
	"encoding/binary"
	"fmt"
)

// Extension type ids. Every extension blob starts with one of these so a
// receiver can reject an envelope it did not expect.
const (
	ExtTypeHTTPBegin     uint32 = 0x48_42_45_58 // "HBEX"
	ExtTypeHTTPChallenge uint32 = 0x48_43_45_58 // "HCEX"
	ExtTypeSSEBegin      uint32 = 0x53_42_45_58 // "SBEX"
	ExtTypeSSEData       uint32 = 0x53_44_45_58 // "SDEX"
	ExtTypeSSEEnd        uint32 = 0x53_45_45_58 // "SEEX"
)

// Header is one HTTP header pair. Pseudo-headers have names beginning with
// an ASCII colon.
type Header struct {
	Name  string
	Value string
}

// Pseudo reports whether the header is a pseudo-header.
func (h Header) Pseudo() bool {
	return len(h.Name) > 0 && h.Name[0] == ':'
}

// HTTPBeginEx is the extension of an HTTP Begin frame: the ordered request
// or response header list.
type HTTPBeginEx struct {
	Headers []Header
}

// HTTPChallengeEx is the extension of a Challenge frame: the ordered header
// list describing the challenge.
type HTTPChallengeEx struct {
	Headers []Header
}

// SSEBeginEx is the extension of an application-bound Begin frame. Empty
// strings stand for absent values.
type SSEBeginEx struct {
	PathInfo    string
	LastEventID string
}

// SSEDataEx is the extension of an application Data frame.
type SSEDataEx struct {
	Timestamp int64
	ID        []byte
	Type      []byte
}

// SSEEndEx is the extension of an application End frame.
type SSEEndEx struct {
	ID []byte
}

func appendUint32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

func appendBytes16(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(b)))
	return append(dst, b...)
}

func readUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("frame: short extension")
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

func readBytes16(b []byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("frame: short extension")
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return nil, nil, fmt.Errorf("frame: truncated extension")
	}
	return b[:n], b[n:], nil
}

func marshalHeaders(extType uint32, headers []Header) []byte {
	dst := appendUint32(nil, extType)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(headers)))
	for _, h := range headers {
		dst = appendBytes16(dst, []byte(h.Name))
		dst = appendBytes16(dst, []byte(h.Value))
	}
	return dst
}

func unmarshalHeaders(extType uint32, b []byte) ([]Header, error) {
	id, b, err := readUint32(b)
	if err != nil {
		return nil, err
	}
	if id != extType {
		return nil, fmt.Errorf("frame: extension type %#x, want %#x", id, extType)
	}
	if len(b) < 2 {
		return nil, fmt.Errorf("frame: short extension")
	}
	count := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	headers := make([]Header, 0, count)
	for i := 0; i < count; i++ {
		var name, value []byte
		if name, b, err = readBytes16(b); err != nil {
			return nil, err
		}
		if value, b, err = readBytes16(b); err != nil {
			return nil, err
		}
		headers = append(headers, Header{Name: string(name), Value: string(value)})
	}
	return headers, nil
}

// Marshal encodes the extension blob.
func (ex *HTTPBeginEx) Marshal() []byte {
	return marshalHeaders(ExtTypeHTTPBegin, ex.Headers)
}

// UnmarshalHTTPBeginEx decodes an HTTP Begin extension. A nil or empty blob
// yields (nil, false, nil): the frame simply carried no extension.
func UnmarshalHTTPBeginEx(b []byte) (*HTTPBeginEx, bool, error) {
	if len(b) == 0 {
		return nil, false, nil
	}
	headers, err := unmarshalHeaders(ExtTypeHTTPBegin, b)
	if err != nil {
		return nil, false, err
	}
	return &HTTPBeginEx{Headers: headers}, true, nil
}

// Marshal encodes the extension blob.
func (ex *HTTPChallengeEx) Marshal() []byte {
	return marshalHeaders(ExtTypeHTTPChallenge, ex.Headers)
}

// UnmarshalHTTPChallengeEx decodes a Challenge extension.
func UnmarshalHTTPChallengeEx(b []byte) (*HTTPChallengeEx, bool, error) {
	if len(b) == 0 {
		return nil, false, nil
	}
	headers, err := unmarshalHeaders(ExtTypeHTTPChallenge, b)
	if err != nil {
		return nil, false, err
	}
	return &HTTPChallengeEx{Headers: headers}, true, nil
}

// Marshal encodes the extension blob.
func (ex *SSEBeginEx) Marshal() []byte {
	dst := appendUint32(nil, ExtTypeSSEBegin)
	dst = appendBytes16(dst, []byte(ex.PathInfo))
	dst = appendBytes16(dst, []byte(ex.LastEventID))
	return dst
}

// UnmarshalSSEBeginEx decodes an application Begin extension.
func UnmarshalSSEBeginEx(b []byte) (*SSEBeginEx, bool, error) {
	if len(b) == 0 {
		return nil, false, nil
	}
	id, b, err := readUint32(b)
	if err != nil {
		return nil, false, err
	}
	if id != ExtTypeSSEBegin {
		return nil, false, fmt.Errorf("frame: extension type %#x, want %#x", id, ExtTypeSSEBegin)
	}
	var path, lastEventID []byte
	if path, b, err = readBytes16(b); err != nil {
		return nil, false, err
	}
	if lastEventID, _, err = readBytes16(b); err != nil {
		return nil, false, err
	}
	return &SSEBeginEx{PathInfo: string(path), LastEventID: string(lastEventID)}, true, nil
}

// Marshal encodes the extension blob.
func (ex *SSEDataEx) Marshal() []byte {
	dst := appendUint32(nil, ExtTypeSSEData)
	dst = binary.BigEndian.AppendUint64(dst, uint64(ex.Timestamp))
	dst = appendBytes16(dst, ex.ID)
	dst = appendBytes16(dst, ex.Type)
	return dst
}

// UnmarshalSSEDataEx decodes an application Data extension.
func UnmarshalSSEDataEx(b []byte) (*SSEDataEx, bool, error) {
	if len(b) == 0 {
		return nil, false, nil
	}
	id, b, err := readUint32(b)
	if err != nil {
		return nil, false, err
	}
	if id != ExtTypeSSEData {
		return nil, false, fmt.Errorf("frame: extension type %#x, want %#x", id, ExtTypeSSEData)
	}
	if len(b) < 8 {
		return nil, false, fmt.Errorf("frame: short extension")
	}
	ex := &SSEDataEx{Timestamp: int64(binary.BigEndian.Uint64(b))}
	b = b[8:]
	var eventID, eventType []byte
	if eventID, b, err = readBytes16(b); err != nil {
		return nil, false, err
	}
	if eventType, _, err = readBytes16(b); err != nil {
		return nil, false, err
	}
	if len(eventID) > 0 {
		ex.ID = append([]byte(nil), eventID...)
	}
	if len(eventType) > 0 {
		ex.Type = append([]byte(nil), eventType...)
	}
	return ex, true, nil
}

// Marshal encodes the extension blob.
func (ex *SSEEndEx) Marshal() []byte {
	dst := appendUint32(nil, ExtTypeSSEEnd)
	dst = appendBytes16(dst, ex.ID)
	return dst
}

// UnmarshalSSEEndEx decodes an application End extension.
func UnmarshalSSEEndEx(b []byte) (*SSEEndEx, bool, error) {
	if len(b) == 0 {
		return nil, false, nil
	}
	id, b, err := readUint32(b)
	if err != nil {
		return nil, false, err
	}
	if id != ExtTypeSSEEnd {
		return nil, false, fmt.Errorf("frame: extension type %#x, want %#x", id, ExtTypeSSEEnd)
	}
	eventID, _, err := readBytes16(b)
	if err != nil {
		return nil, false, err
	}
	ex := &SSEEndEx{}
	if len(eventID) > 0 {
		ex.ID = append([]byte(nil), eventID...)
	}
	return ex, true, nil
}
