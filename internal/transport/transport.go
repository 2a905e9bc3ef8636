// Package transport provides a reusable asynchronous frame-transmission
// queue, used by the stream adapter as each session's writer.
package transport

import "github.com/vishurizz/vstp"

// FrameSink is a generic VSTP frame transmission target.
type FrameSink interface {
	SendFrame(vstp.Frame) error
}
