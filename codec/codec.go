// Package codec implements the VSTP wire format: a bit-exact encoder and a
// bounded, partial-read-tolerant streaming decoder. The format is fixed by
// spec and MUST NOT be "normalised": HDR_LEN is little-endian while PAY_LEN
// is big-endian.
package codec

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/vishurizz/vstp"
)

// Magic is the two-byte literal "VT" that opens every frame.
var Magic = [2]byte{0x56, 0x54}

const fixedPrefixSize = 12

// Encode packs f into its wire representation. It fails with
// ErrFrameTooLarge if the header section or payload exceeds its field
// width (16 bits for headers, 32 bits for payload), or if any header key
// or value exceeds the 0-255 byte range its own length prefix can encode.
//
// Total encoded size is exactly 12 + hdr_len + pay_len + (4 if CRC set).
func Encode(f vstp.Frame) ([]byte, error) {
	hdrLen := vstp.HeaderSectionSize(f.Headers)
	if hdrLen > vstp.MaxHeaderSectionBytes {
		return nil, vstp.ErrFrameTooLarge
	}
	if len(f.Payload) > vstp.MaxPayloadBytes {
		return nil, vstp.ErrFrameTooLarge
	}
	for _, h := range f.Headers {
		if len(h.Key) > vstp.MaxHeaderFieldBytes || len(h.Value) > vstp.MaxHeaderFieldBytes {
			return nil, vstp.ErrFrameTooLarge
		}
	}

	crcTrailer := f.Flags.Has(vstp.FlagCRC)
	total := fixedPrefixSize + hdrLen + len(f.Payload)
	if crcTrailer {
		total += 4
	}
	buf := make([]byte, total)

	buf[0], buf[1] = Magic[0], Magic[1]
	buf[2] = f.VstpVersion
	buf[3] = byte(f.Type)
	buf[4] = byte(f.Flags)
	binary.LittleEndian.PutUint16(buf[5:7], uint16(hdrLen))
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(f.Payload)))
	// buf[11] is reserved prefix padding.

	off := fixedPrefixSize
	for _, h := range f.Headers {
		buf[off] = byte(len(h.Key))
		off++
		off += copy(buf[off:], h.Key)
		buf[off] = byte(len(h.Value))
		off++
		off += copy(buf[off:], h.Value)
	}
	off += copy(buf[off:], f.Payload)

	if crcTrailer {
		sum := crc32.ChecksumIEEE(buf[fixedPrefixSize:off])
		binary.BigEndian.PutUint32(buf[off:off+4], sum)
	}
	return buf, nil
}
