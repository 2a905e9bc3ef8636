package datagram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/vishurizz/vstp"
	"github.com/vishurizz/vstp/codec"
	"github.com/vishurizz/vstp/fragment"
	"github.com/vishurizz/vstp/internal/logging"
	"github.com/vishurizz/vstp/internal/metrics"
	"github.com/vishurizz/vstp/reliability"
)

// Client is the datagram-transport counterpart to Server: a bound UDP
// socket that can Send fire-and-forget frames to any peer, or
// SendWithAck and wait for the at-least-once reliability handshake. A
// background goroutine drains the socket so inbound ACKs (and, if a
// Handler is registered, other inbound frames) are never missed while
// the caller is between sends.
type Client struct {
	conn   *net.UDPConn
	sender *reliability.Sender

	maxFrameSize int
	handler      Handler
	logger       *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// ClientOption configures Bind.
type ClientOption func(*clientConfig)

type clientConfig struct {
	maxFrameSize int
	ackTimeout   func(*reliability.Sender)
	handler      Handler
	logger       *slog.Logger
	senderOpts   []reliability.Option
}

func WithClientMaxFrameSize(n int) ClientOption {
	return func(c *clientConfig) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

// WithClientHandler registers a callback invoked for every inbound frame
// that is not itself an ACK (e.g. unsolicited DATA from a peer). Most
// callers that only need send_with_ack semantics can leave this unset.
func WithClientHandler(h Handler) ClientOption {
	return func(c *clientConfig) { c.handler = h }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClientReliabilityOptions passes through reliability.Sender options
// (WithAckTimeout, WithMaxRetries) to the client's internal ACK-wait.
func WithClientReliabilityOptions(opts ...reliability.Option) ClientOption {
	return func(c *clientConfig) { c.senderOpts = append(c.senderOpts, opts...) }
}

// Bind opens a UDP socket on local (use ":0" for an ephemeral port) and
// starts the background receive loop that feeds inbound ACKs back to
// SendWithAck callers.
func Bind(local string, opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		maxFrameSize: vstp.DefaultMaxFrameSize,
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(cfg)
	}

	addr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListen, err)
	}

	senderOpts := append([]reliability.Option{reliability.WithOnRetry(metrics.IncAckRetries)}, cfg.senderOpts...)
	c := &Client{
		conn:         conn,
		sender:       reliability.NewSender(senderOpts...),
		maxFrameSize: cfg.maxFrameSize,
		handler:      cfg.handler,
		logger:       cfg.logger,
		done:         make(chan struct{}),
	}
	go c.recvLoop()
	return c, nil
}

// LocalAddr returns the address the client's socket is bound to.
func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Send encodes f, fragmenting it transparently if oversize, and writes
// the resulting datagram(s) to peer. It does not wait for any response.
func (c *Client) Send(f vstp.Frame, peer *net.UDPAddr) error {
	return c.sendFrame(f, peer)
}

// SendWithAck attaches a fresh msg-id and the REQ_ACK flag to f, sends it
// (and, if fragmented, all its fragments, with REQ_ACK only on the final
// one), then waits for a matching ACK up to the configured timeout and
// retry cap. It returns ErrAckTimeout if the retry budget is exhausted.
func (c *Client) SendWithAck(ctx context.Context, f vstp.Frame, peer *net.UDPAddr) error {
	id := reliability.NextMsgID()
	f = f.WithFlag(vstp.FlagReqAck).WithHeader(vstp.HeaderMsgID, id)
	err := c.sender.SendWithAck(ctx, f, func(frame vstp.Frame) error {
		return c.sendFrame(frame, peer)
	})
	if errors.Is(err, vstp.ErrAckTimeout) {
		metrics.IncAckTimeouts()
	}
	return err
}

func (c *Client) sendFrame(f vstp.Frame, peer *net.UDPAddr) error {
	wire, err := codec.Encode(f)
	if err != nil {
		return err
	}
	if len(wire) <= vstp.MaxDatagramSize {
		return c.writeDatagram(wire, peer)
	}
	frags, err := fragment.Split(f, vstp.MaxDatagramSize)
	if err != nil {
		return err
	}
	for _, fr := range frags {
		w, err := codec.Encode(fr)
		if err != nil {
			return err
		}
		if err := c.writeDatagram(w, peer); err != nil {
			return err
		}
		metrics.IncFragmentsSent()
	}
	return nil
}

func (c *Client) writeDatagram(wire []byte, peer *net.UDPAddr) error {
	if _, err := c.conn.WriteToUDP(wire, peer); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrWrite, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	metrics.IncDatagramTx()
	metrics.IncFramesEncoded()
	return nil
}

// recvLoop feeds inbound ACKs to the pending SendWithAck waiter and,
// for any other frame, the registered handler if one was given. Decode
// errors are logged and dropped per the datagram binding's recoverable
// policy; they never reach the caller of Send/SendWithAck.
func (c *Client) recvLoop() {
	buf := make([]byte, c.maxFrameSize)
	for {
		n, peer, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("datagram_client_read_error", "error", err)
			continue
		}
		metrics.IncDatagramRx()

		dec := codec.NewDecoder(c.maxFrameSize)
		dec.Feed(buf[:n])
		f, ok, derr := dec.Decode()
		if derr != nil {
			kind := metrics.DecodeErrorKind(derr)
			metrics.IncDecodeError(kind)
			c.logger.Debug("datagram_client_decode_error", "peer", peer.String(), "error", derr, "kind", kind)
			continue
		}
		if !ok {
			continue
		}
		metrics.IncFramesDecoded()

		if f.Type == vstp.TypeAck {
			metrics.IncAcksReceived()
			c.sender.OnAck(f)
			continue
		}
		if c.handler != nil {
			c.handler(peer, f)
		}
	}
}

// Close stops the receive loop and closes the socket.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}
