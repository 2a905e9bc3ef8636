// Package datagram implements the connectionless binding: a single UDP
// socket shared by every peer, with fragmentation/reassembly and
// REQ_ACK wired in ahead of delivery to the application.
package datagram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vishurizz/vstp"
	"github.com/vishurizz/vstp/codec"
	"github.com/vishurizz/vstp/fragment"
	"github.com/vishurizz/vstp/internal/logging"
	"github.com/vishurizz/vstp/internal/metrics"
	"github.com/vishurizz/vstp/reassembly"
	"github.com/vishurizz/vstp/reliability"
)

// Handler is invoked once per frame delivered to the application: a frame
// that arrived whole, or the joined payload of a completed reassembly
// group with its frag-* headers stripped. Delivery order across distinct
// peers/groups is arbitrary.
type Handler func(peer *net.UDPAddr, f vstp.Frame)

// Server owns one UDP socket and runs the receive loop: decode,
// reassemble, ACK, deliver.
type Server struct {
	mu      sync.RWMutex
	addr    string
	handler Handler
	conn    *net.UDPConn

	reassembler         *reassembly.Reassembler
	reassemblyTTL       time.Duration
	reassemblyMaxGroups int
	maxFrameSize        int
	requireCRC          bool
	allowFrag           bool

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	logger *slog.Logger

	totalRx       atomic.Uint64
	totalTx       atomic.Uint64
	totalDropped  atomic.Uint64
	totalAcksSent atomic.Uint64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithHandler(h Handler) ServerOption    { return func(s *Server) { s.handler = h } }

func WithMaxFrameSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxFrameSize = n
		}
	}
}

// WithRequireCRC drops any decoded frame that does not carry the CRC
// flag.
func WithRequireCRC(require bool) ServerOption {
	return func(s *Server) { s.requireCRC = require }
}

// WithAllowFragments controls whether FRAG frames are accepted at all.
// Disabling it (allow_frag=false in the original) drops every fragment
// outright rather than feeding the reassembler.
func WithAllowFragments(allow bool) ServerOption {
	return func(s *Server) { s.allowFrag = allow }
}

func WithMaxReassemblyGroups(n int) ServerOption {
	return func(s *Server) { s.reassemblyMaxGroups = n }
}

func WithReassemblyTTL(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.reassemblyTTL = d
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer constructs a Server with sane defaults unless overridden by
// options.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		maxFrameSize:        vstp.DefaultMaxFrameSize,
		reassemblyMaxGroups: reassembly.DefaultMaxGroups,
		allowFrag:           true,
		readyCh:             make(chan struct{}),
		errCh:               make(chan error, 1),
		logger:              logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}

	var ropts []reassembly.Option
	if s.reassemblyTTL > 0 {
		ropts = append(ropts, reassembly.WithTTL(s.reassemblyTTL))
	}
	ropts = append(ropts,
		reassembly.WithMaxGroups(s.reassemblyMaxGroups),
		reassembly.WithExpiryHook(func(n int) { metrics.AddReassemblyGroupsExpired(n) }),
		reassembly.WithEvictionHook(func(n int) { metrics.AddReassemblyGroupsEvicted(n) }),
	)
	s.reassembler = reassembly.New(ropts...)
	return s
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

// GroupCount returns the number of in-progress reassembly groups, for
// tests and metrics (reassembly_session_count in the original).
func (s *Server) GroupCount() int { return s.reassembler.GroupCount() }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// Serve binds the UDP socket and runs the receive loop until ctx is
// canceled or the socket is closed. One datagram yields at most one
// frame; reads that fail to decode are logged and dropped, never
// surfaced to the caller.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}

	s.mu.Lock()
	s.conn = conn
	s.addr = conn.LocalAddr().String()
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("udp_listen", "addr", s.Addr())
	s.logger.Info("ready")

	go func() { <-ctx.Done(); _ = conn.Close() }()

	buf := make([]byte, s.maxFrameSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			wrap := fmt.Errorf("%w: %v", ErrRead, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.logger.Warn("datagram_read_error", "error", err)
			continue
		}
		s.totalRx.Add(1)
		metrics.IncDatagramRx()
		datagram := append([]byte(nil), buf[:n]...)
		s.handleDatagram(peer, datagram)
	}
}

func (s *Server) handleDatagram(peer *net.UDPAddr, data []byte) {
	dec := codec.NewDecoder(s.maxFrameSize)
	dec.Feed(data)
	f, ok, err := dec.Decode()
	if err != nil {
		kind := metrics.DecodeErrorKind(err)
		metrics.IncDecodeError(kind)
		s.totalDropped.Add(1)
		s.logger.Debug("datagram_decode_error", "peer", peer.String(), "error", err, "kind", kind)
		return
	}
	if !ok {
		s.totalDropped.Add(1)
		s.logger.Debug("datagram_short_read", "peer", peer.String(), "n", len(data))
		return
	}
	if s.requireCRC && !f.Flags.Has(vstp.FlagCRC) {
		s.totalDropped.Add(1)
		s.logger.Debug("datagram_crc_required", "peer", peer.String())
		return
	}
	metrics.IncFramesDecoded()

	if f.Flags.Has(vstp.FlagFrag) {
		metrics.IncFragmentsReceived()
		if !s.allowFrag {
			s.totalDropped.Add(1)
			return
		}
		complete, rerr := s.reassembler.Add(peer.String(), f)
		metrics.SetReassemblyGroupsActive(s.reassembler.GroupCount())
		if rerr != nil {
			metrics.IncInvalidFragments()
			s.logger.Debug("invalid_fragment", "peer", peer.String(), "error", rerr)
			return
		}
		if complete == nil {
			return
		}
		metrics.IncReassemblyGroupsCompleted()
		f = *complete
	}

	s.deliver(peer, f)
}

// deliver emits the ACK (if requested) before invoking the handler: ACK
// emission must happen before or concurrently with handler invocation,
// never after.
func (s *Server) deliver(peer *net.UDPAddr, f vstp.Frame) {
	if f.Flags.Has(vstp.FlagReqAck) {
		if ack, ok := reliability.SynthesizeAck(f); ok {
			if err := s.sendFrame(ack, peer); err != nil {
				s.logger.Warn("ack_send_error", "peer", peer.String(), "error", err)
			} else {
				s.totalAcksSent.Add(1)
				metrics.IncAcksSent()
			}
		}
	}
	if s.handler != nil {
		s.handler(peer, f)
	}
}

// Send transmits f to peer, transparently fragmenting it if its encoded
// size exceeds vstp.MaxDatagramSize.
func (s *Server) Send(f vstp.Frame, peer *net.UDPAddr) error {
	return s.sendFrame(f, peer)
}

func (s *Server) sendFrame(f vstp.Frame, peer *net.UDPAddr) error {
	wire, err := codec.Encode(f)
	if err != nil {
		return err
	}
	if len(wire) <= vstp.MaxDatagramSize {
		return s.writeDatagram(wire, peer)
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
		if err := s.writeDatagram(w, peer); err != nil {
			return err
		}
		metrics.IncFragmentsSent()
	}
	return nil
}

func (s *Server) writeDatagram(wire []byte, peer *net.UDPAddr) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: server not listening", ErrWrite)
	}
	if _, err := conn.WriteToUDP(wire, peer); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrWrite, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	s.totalTx.Add(1)
	metrics.IncDatagramTx()
	metrics.IncFramesEncoded()
	return nil
}

// Shutdown closes the socket and logs a summary, matching the stream
// adapter's shutdown logging.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.Close()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrListen, ctx.Err())
	default:
	}
	s.logger.Info("shutdown_summary",
		"datagrams_rx", s.totalRx.Load(),
		"datagrams_tx", s.totalTx.Load(),
		"dropped", s.totalDropped.Load(),
		"acks_sent", s.totalAcksSent.Load())
	return nil
}
