package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/vishurizz/vstp/codec"
	"github.com/vishurizz/vstp/internal/metrics"
	"github.com/vishurizz/vstp/internal/relay"
)

// readLoop decodes frames from sess.conn and dispatches them in order.
// Any decode error or unrecoverable socket error terminates the session.
func (s *Server) readLoop(ctx context.Context, sess *session, member *relay.Member, logger *slog.Logger) {
	dec := codec.NewDecoder(s.maxFrameSize)
	buf := make([]byte, 4096)
	for {
		_ = sess.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		n, err := sess.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				f, ok, derr := dec.Decode()
				if derr != nil {
					kind := metrics.DecodeErrorKind(derr)
					metrics.IncDecodeError(kind)
					logger.Warn("decode_error", "error", derr, "kind", kind)
					return
				}
				if !ok {
					break
				}
				metrics.IncFramesDecoded()
				s.handle(sess.id, f, member)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
