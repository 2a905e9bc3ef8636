// Package fragment implements the sender side of datagram fragmentation:
// splitting a Frame whose encoded size exceeds a datagram budget into an
// ordered set of fragment frames that each fit.
package fragment

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"strconv"

	"github.com/vishurizz/vstp"
)

// ErrPayloadTooLargeForBudget means even a single-byte fragment cannot fit
// maxDatagramSize once the original headers and fragment headers are
// accounted for.
var ErrPayloadTooLargeForBudget = errors.New("fragment: headers exceed datagram budget")

const fixedPrefixSize = 12

// NewFragID returns a random 64-bit value, unique with overwhelming
// probability within the receiver's reassembly window.
func NewFragID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Split divides f into an ordered set of fragment frames that each fit
// within maxDatagramSize once re-encoded with the original headers plus
// the three fragment headers (frag-id, frag-index, frag-total). N is
// chosen minimal. REQ_ACK, if present on f, is cleared on all but the
// last fragment (§4.4: it applies to the reassembled frame, not to each
// fragment). Headers other than the three fragment headers appear
// identically on every fragment.
func Split(f vstp.Frame, maxDatagramSize int) ([]vstp.Frame, error) {
	fragID := NewFragID()
	fragIDStr := strconv.FormatUint(fragID, 10)

	baseHeaderBytes := vstp.HeaderSectionSize(f.Headers)
	crcTrailer := 0
	if f.Flags.Has(vstp.FlagCRC) {
		crcTrailer = 4
	}

	n, chunkSize, err := chooseFragmentCount(len(f.Payload), maxDatagramSize, baseHeaderBytes, crcTrailer, fragIDStr)
	if err != nil {
		return nil, err
	}

	frames := make([]vstp.Frame, 0, n)
	offset := 0
	for i := 0; i < n; i++ {
		end := offset + chunkSize
		if end > len(f.Payload) {
			end = len(f.Payload)
		}
		chunk := append([]byte(nil), f.Payload[offset:end]...)
		offset = end

		flags := f.Flags.With(vstp.FlagFrag)
		if i != n-1 {
			flags = flags.Without(vstp.FlagReqAck)
		}

		headers := make([]vstp.Header, 0, len(f.Headers)+3)
		headers = append(headers, f.Headers...)
		headers = append(headers,
			vstp.NewHeader(vstp.HeaderFragID, fragIDStr),
			vstp.NewHeader(vstp.HeaderFragIndex, strconv.Itoa(i)),
			vstp.NewHeader(vstp.HeaderFragTotal, strconv.Itoa(n)),
		)

		frames = append(frames, vstp.Frame{
			VstpVersion: f.VstpVersion,
			Type:        f.Type,
			Flags:       flags,
			Headers:     headers,
			Payload:     chunk,
		})
	}
	return frames, nil
}

// chooseFragmentCount finds the minimal N (and a per-fragment payload
// chunk size) such that every fragment — carrying baseHeaderBytes of
// original headers, an optional CRC trailer, and the three fragment
// headers sized for N fragments — fits maxDatagramSize. It iterates
// because frag-index/frag-total's ASCII-decimal width depends on N, which
// in turn can depend on the budget; the loop converges in a handful of
// steps since digit width only grows at power-of-ten boundaries.
func chooseFragmentCount(payloadLen, maxDatagramSize, baseHeaderBytes, crcTrailer int, fragIDStr string) (n, chunkSize int, err error) {
	n = 1
	for iter := 0; iter < 32; iter++ {
		totalDigits := len(strconv.Itoa(n))
		indexDigits := totalDigits
		if n > 1 {
			indexDigits = len(strconv.Itoa(n - 1))
		}
		overhead := fixedPrefixSize + baseHeaderBytes + crcTrailer +
			headerEntrySize(vstp.HeaderFragID, len(fragIDStr)) +
			headerEntrySize(vstp.HeaderFragIndex, indexDigits) +
			headerEntrySize(vstp.HeaderFragTotal, totalDigits)
		budget := maxDatagramSize - overhead
		if budget <= 0 {
			return 0, 0, ErrPayloadTooLargeForBudget
		}
		need := ceilDiv(payloadLen, budget)
		if need < 1 {
			need = 1
		}
		if need == n {
			return n, ceilDiv(payloadLen, n), nil
		}
		n = need
	}
	return n, ceilDiv(payloadLen, n), nil
}

func headerEntrySize(key string, valueLen int) int {
	return 1 + len(key) + 1 + valueLen
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 1
	}
	return (a + b - 1) / b
}
