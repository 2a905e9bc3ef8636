package codec

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/vishurizz/vstp"
)

// Decoder incrementally decodes one Frame at a time from a growable byte
// buffer. It tolerates partial reads: Decode never blocks and never
// consumes bytes it cannot yet interpret as a complete frame.
//
// A Decoder is not safe for concurrent use; each connection or datagram
// read loop owns one.
type Decoder struct {
	buf          bytes.Buffer
	maxFrameSize int
}

// NewDecoder returns a Decoder that rejects any frame whose total encoded
// size would exceed maxFrameSize. A maxFrameSize of 0 uses
// vstp.DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = vstp.DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Buffered returns the number of bytes currently held, unconsumed.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// Decode attempts to extract one complete frame from the front of the
// buffer. It returns (frame, true, nil) on success, having consumed exactly
// that frame's bytes; (zero, false, nil) if the buffer is a strict prefix
// of a frame (no bytes consumed, caller should Feed more and retry); or
// (zero, false, err) on a decode error from the vstp error taxonomy
// (BadMagic, UnsupportedVersion, UnknownType, FrameTooLarge,
// MalformedHeader, CrcMismatch).
func (d *Decoder) Decode() (vstp.Frame, bool, error) {
	data := d.buf.Bytes()
	// Leading bytes that cannot begin any frame are rejected as soon as
	// they are buffered, so only a true prefix of a frame reads as need-more.
	for i := 0; i < len(data) && i < len(Magic); i++ {
		if data[i] != Magic[i] {
			return vstp.Frame{}, false, vstp.ErrBadMagic
		}
	}
	if len(data) > 2 && data[2] != vstp.Version {
		return vstp.Frame{}, false, vstp.ErrUnsupportedVersion
	}
	if len(data) > 3 && !vstp.FrameType(data[3]).Valid() {
		return vstp.Frame{}, false, vstp.ErrUnknownType
	}
	if len(data) < fixedPrefixSize {
		return vstp.Frame{}, false, nil
	}
	ver := data[2]
	typ := vstp.FrameType(data[3])
	flags := vstp.Flags(data[4])
	hdrLen := int(binary.LittleEndian.Uint16(data[5:7]))
	payLen := int(binary.BigEndian.Uint32(data[7:11]))
	crcTrailer := flags.Has(vstp.FlagCRC)

	total := fixedPrefixSize + hdrLen + payLen
	if crcTrailer {
		total += 4
	}
	if total > d.maxFrameSize {
		return vstp.Frame{}, false, vstp.ErrFrameTooLarge
	}
	if len(data) < total {
		return vstp.Frame{}, false, nil
	}

	hdrSection := data[fixedPrefixSize : fixedPrefixSize+hdrLen]
	headers, err := parseHeaders(hdrSection)
	if err != nil {
		return vstp.Frame{}, false, err
	}

	payloadStart := fixedPrefixSize + hdrLen
	payload := data[payloadStart : payloadStart+payLen]

	if crcTrailer {
		want := binary.BigEndian.Uint32(data[payloadStart+payLen : total])
		got := crc32.ChecksumIEEE(data[fixedPrefixSize : payloadStart+payLen])
		if got != want {
			d.buf.Next(total)
			return vstp.Frame{}, false, vstp.ErrCrcMismatch
		}
	}

	payloadCopy := make([]byte, payLen)
	copy(payloadCopy, payload)

	f := vstp.Frame{
		VstpVersion: ver,
		Type:        typ,
		Flags:       flags,
		Headers:     headers,
		Payload:     payloadCopy,
	}
	d.buf.Next(total)
	return f, true, nil
}

// parseHeaders decodes a fully-buffered header section. A trailing partial
// entry (fewer bytes remaining than a full KLEN|KEY|VLEN|VALUE entry) is
// ErrMalformedHeader.
func parseHeaders(section []byte) ([]vstp.Header, error) {
	var headers []vstp.Header
	i := 0
	for i < len(section) {
		if i+1 > len(section) {
			return nil, vstp.ErrMalformedHeader
		}
		klen := int(section[i])
		i++
		if i+klen > len(section) {
			return nil, vstp.ErrMalformedHeader
		}
		key := make([]byte, klen)
		copy(key, section[i:i+klen])
		i += klen

		if i+1 > len(section) {
			return nil, vstp.ErrMalformedHeader
		}
		vlen := int(section[i])
		i++
		if i+vlen > len(section) {
			return nil, vstp.ErrMalformedHeader
		}
		value := make([]byte, vlen)
		copy(value, section[i:i+vlen])
		i += vlen

		headers = append(headers, vstp.Header{Key: key, Value: value})
	}
	return headers, nil
}
