package stream

import (
	"io"

	"github.com/vishurizz/vstp"
	"github.com/vishurizz/vstp/codec"
)

// writeFrame encodes f and writes the resulting wire bytes to w.
func writeFrame(w io.Writer, f vstp.Frame) error {
	wire, err := codec.Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(wire)
	return err
}
