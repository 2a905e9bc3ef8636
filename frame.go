// Package vstp defines the wire types for Vishu's Secure Transfer Protocol:
// the Frame, its enumerated fields, and the errors the codec and transports
// report against them.
package vstp

import "fmt"

// Version is the only protocol version this package understands.
const Version uint8 = 1

// FrameType enumerates the VSTP message kinds. Any other byte value on the
// wire is a decode error (UnknownType).
type FrameType uint8

const (
	TypeHello   FrameType = 0x01
	TypeWelcome FrameType = 0x02
	TypeData    FrameType = 0x03
	TypePing    FrameType = 0x04
	TypePong    FrameType = 0x05
	TypeBye     FrameType = 0x06
	TypeAck     FrameType = 0x07
	TypeErr     FrameType = 0x08
)

func (t FrameType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeWelcome:
		return "WELCOME"
	case TypeData:
		return "DATA"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeBye:
		return "BYE"
	case TypeAck:
		return "ACK"
	case TypeErr:
		return "ERR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Valid reports whether t is one of the eight defined frame types.
func (t FrameType) Valid() bool {
	switch t {
	case TypeHello, TypeWelcome, TypeData, TypePing, TypePong, TypeBye, TypeAck, TypeErr:
		return true
	default:
		return false
	}
}

// Flags is a bitset over the single FLAGS byte. Unknown bits carry no
// semantics in this version but MUST be preserved on re-encode.
type Flags uint8

const (
	FlagReqAck Flags = 0x01
	FlagCRC    Flags = 0x02
	FlagFrag   Flags = 0x04
	FlagComp   Flags = 0x08
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }
func (f Flags) With(bit Flags) Flags { return f | bit }
func (f Flags) Without(bit Flags) Flags { return f &^ bit }

// Header is one binary key/value pair. Each side is 0..255 bytes; keys are
// compared byte-wise with no case folding.
type Header struct {
	Key   []byte
	Value []byte
}

// NewHeader builds a Header from Go strings, a convenience for callers that
// work with textual header keys/values (the wire format itself is untyped).
func NewHeader(key, value string) Header {
	return Header{Key: []byte(key), Value: []byte(value)}
}

// Frame is the sole exchanged unit of VSTP: version, type, flags, an ordered
// header sequence, and an opaque payload. A decoded Frame is a value the
// caller owns outright; headers and payload live inside it.
type Frame struct {
	VstpVersion uint8
	Type        FrameType
	Flags       Flags
	Headers     []Header
	Payload     []byte
}

// NewFrame constructs a Frame with the current protocol version and no
// headers or payload.
func NewFrame(typ FrameType) Frame {
	return Frame{VstpVersion: Version, Type: typ}
}

// WithHeader appends a header and returns the frame, for chained construction.
func (f Frame) WithHeader(key, value string) Frame {
	f.Headers = append(f.Headers, NewHeader(key, value))
	return f
}

// WithPayload sets the payload and returns the frame.
func (f Frame) WithPayload(p []byte) Frame {
	f.Payload = p
	return f
}

// WithFlag ORs in a flag bit and returns the frame.
func (f Frame) WithFlag(bit Flags) Frame {
	f.Flags = f.Flags.With(bit)
	return f
}

// Header returns the value of the first header matching key, and whether one
// was found. Duplicate keys are permitted on the wire; callers that need all
// values should scan Headers directly.
func (f Frame) Header(key string) ([]byte, bool) {
	kb := []byte(key)
	for _, h := range f.Headers {
		if string(h.Key) == string(kb) {
			return h.Value, true
		}
	}
	return nil, false
}

// Reserved header keys the core treats specially; all other keys are opaque
// to the core and transparent to the application.
const (
	HeaderFragID    = "frag-id"
	HeaderFragIndex = "frag-index"
	HeaderFragTotal = "frag-total"
	HeaderMsgID     = "msg-id"
)

// HeaderSectionSize returns the number of bytes the header section would
// occupy on the wire: sum over headers of 1(klen)+len(key)+1(vlen)+len(value).
func HeaderSectionSize(headers []Header) int {
	n := 0
	for _, h := range headers {
		n += 1 + len(h.Key) + 1 + len(h.Value)
	}
	return n
}
