// Package reliability implements the optional REQ_ACK exchange: a
// sender-assigned msg-id, a synthesized ACK on the receiving side, and a
// timeout-and-retry loop on the sending side.
package reliability

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vishurizz/vstp"
)

// DefaultAckTimeout is how long a sender waits for an ACK before retrying.
const DefaultAckTimeout = 2 * time.Second

// DefaultMaxRetries caps retransmission attempts before giving up. §4.4's
// default retry cap is 3 total attempts (the initial send plus 2 retries).
const DefaultMaxRetries = 2

// msgIDCounter is process-local and monotonic: msg-id correlation only
// needs to hold within one sender's lifetime, so a counter is simpler
// and cheaper than a random ID.
var msgIDCounter uint64

// NextMsgID returns the next msg-id for this process, formatted as a
// decimal string suitable for the msg-id header.
func NextMsgID() string {
	return strconv.FormatUint(atomic.AddUint64(&msgIDCounter, 1), 10)
}

// Sender tracks in-flight REQ_ACK sends and resolves them as ACK frames
// arrive on the receive path.
type Sender struct {
	mu      sync.Mutex
	pending map[string]chan struct{}

	timeout    time.Duration
	maxRetries int
	onRetry    func()
}

// Option configures a Sender.
type Option func(*Sender)

// WithAckTimeout overrides the default 2s wait for an ACK.
func WithAckTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxRetries overrides the default retry cap (2 retries, 3 total
// attempts).
func WithMaxRetries(n int) Option {
	return func(s *Sender) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithOnRetry registers a callback invoked once per retransmission (not
// on the initial send), for callers that want to count retries without
// duplicating the retry loop (e.g. a metrics counter).
func WithOnRetry(fn func()) Option {
	return func(s *Sender) { s.onRetry = fn }
}

// NewSender constructs a Sender with the default timeout and retry cap
// unless overridden by options.
func NewSender(opts ...Option) *Sender {
	s := &Sender{
		pending:    make(map[string]chan struct{}),
		timeout:    DefaultAckTimeout,
		maxRetries: DefaultMaxRetries,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnAck resolves the pending wait for the msg-id carried by an inbound ACK
// frame. Call this from the receive path whenever a TypeAck frame arrives.
// An ACK with an unrecognized or missing msg-id is ignored.
func (s *Sender) OnAck(f vstp.Frame) {
	id, ok := f.Header(vstp.HeaderMsgID)
	if !ok {
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[string(id)]
	if ok {
		delete(s.pending, string(id))
	}
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

// SendWithAck sends frame (which must already carry a msg-id header and
// REQ_ACK flag, typically on its final fragment) via send, then waits up
// to the configured timeout for a matching ACK. On timeout it retries by
// calling send again, up to maxRetries additional attempts, before
// returning ErrAckTimeout. It returns early if ctx is canceled.
func (s *Sender) SendWithAck(ctx context.Context, frame vstp.Frame, send func(vstp.Frame) error) error {
	id, ok := frame.Header(vstp.HeaderMsgID)
	if !ok {
		return vstp.ErrAckTimeout
	}
	key := string(id)

	ch := make(chan struct{})
	s.mu.Lock()
	s.pending[key] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	attempts := s.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && s.onRetry != nil {
			s.onRetry()
		}
		if err := send(frame); err != nil {
			return err
		}

		timer := time.NewTimer(s.timeout)
		select {
		case <-ch:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// retry
		}
	}
	return vstp.ErrAckTimeout
}

// SynthesizeAck builds the ACK frame the receiving side sends in response
// to a REQ_ACK frame: type ACK, empty flags, a single msg-id header copied
// from f, empty payload. It reports ok=false if f carries no msg-id
// header, in which case no ACK should be sent.
func SynthesizeAck(f vstp.Frame) (vstp.Frame, bool) {
	id, ok := f.Header(vstp.HeaderMsgID)
	if !ok {
		return vstp.Frame{}, false
	}
	return vstp.NewFrame(vstp.TypeAck).WithHeader(vstp.HeaderMsgID, string(id)), true
}
