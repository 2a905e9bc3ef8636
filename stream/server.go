// Package stream implements the reliable stream binding: a
// length-delimited framing layer over a byte-oriented socket, optionally
// TLS-wrapped. No fragmentation is ever applied on this transport, and
// REQ_ACK is ignored on receive.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vishurizz/vstp"
	"github.com/vishurizz/vstp/internal/logging"
	"github.com/vishurizz/vstp/internal/metrics"
	"github.com/vishurizz/vstp/internal/relay"
	"github.com/vishurizz/vstp/internal/transport"
)

// Handler is invoked once per decoded frame, in the order the peer sent
// it, alongside the session id assigned to that connection on accept.
type Handler func(sessionID string, f vstp.Frame)

// Server accepts stream connections and dispatches decoded frames to a
// Handler.
type Server struct {
	mu        sync.RWMutex
	addr      string
	handler   Handler
	tlsConfig *tls.Config
	Relay     *relay.Relay

	readDeadline time.Duration
	maxFrameSize int
	outBufSize   int
	maxSessions  int

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	listener net.Listener

	sessionsMu sync.RWMutex
	sessions   map[string]*session

	wg     sync.WaitGroup
	logger *slog.Logger
	sidGen sessionIDSource

	totalAccepted     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
}

type session struct {
	id   string
	conn net.Conn
	tx   *transport.AsyncTx
}

const (
	defaultReadDeadline = 60 * time.Second
	defaultOutBufSize   = 256
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// NewServer constructs a Server with sane defaults unless overridden by
// options.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		readDeadline: defaultReadDeadline,
		maxFrameSize: vstp.DefaultMaxFrameSize,
		outBufSize:   defaultOutBufSize,
		readyCh:      make(chan struct{}),
		errCh:        make(chan error, 1),
		sessions:     make(map[string]*session),
		logger:       logging.L(),
		sidGen:       &counterSessionIDGen{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithHandler(h Handler) ServerOption   { return func(s *Server) { s.handler = h } }
func WithTLSConfig(c *tls.Config) ServerOption {
	return func(s *Server) { s.tlsConfig = c }
}
func WithRelay(r *relay.Relay) ServerOption { return func(s *Server) { s.Relay = r } }

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithMaxFrameSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxFrameSize = n
		}
	}
}

func WithOutBufSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.outBufSize = n
		}
	}
}

func WithMaxSessions(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxSessions = n
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

// WithUUIDSessionIDs swaps the default process-local counter for
// uuid.New(), for deployments that want session ids unique beyond this
// process (e.g. correlated against an external log store).
func WithUUIDSessionIDs() ServerOption {
	return func(s *Server) { s.sidGen = uuidSessionIDGen{} }
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

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

// Serve accepts stream clients and spawns per-connection reader/writer
// tasks until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	s.mu.Unlock()

	var ln net.Listener
	var err error
	if s.tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, s.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	s.logger.Info("ready")
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)

	if s.maxSessions > 0 && s.SessionCount() >= s.maxSessions {
		s.logger.Warn("session_reject_max", "max_sessions", s.maxSessions)
		_ = conn.Close()
		return nil
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	id := s.sidGen.Next()
	sessLogger := s.logger.With("session_id", id, "remote", conn.RemoteAddr().String())
	sess := &session{id: id, conn: conn}
	sess.tx = transport.NewAsyncTx(ctx, s.outBufSize, func(f vstp.Frame) error {
		return writeFrame(conn, f)
	}, transport.Hooks{
		OnAfter: func() { metrics.IncFramesEncoded() },
		OnError: func(err error) { sessLogger.Error("session_write_error", "error", err) },
	})

	s.sessionsMu.Lock()
	s.sessions[id] = sess
	s.sessionsMu.Unlock()
	s.totalConnected.Add(1)
	metrics.IncStreamSessionsTotal()
	metrics.SetStreamSessions(s.SessionCount())
	sessLogger.Info("session_opened")

	var member *relay.Member
	if s.Relay != nil {
		member = &relay.Member{SessionID: id, Out: make(chan vstp.Frame, s.outBufSize), Closed: make(chan struct{})}
		s.Relay.Add(member)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case f := <-member.Out:
					_ = sess.tx.SendFrame(f)
				case <-member.Closed:
					_ = sess.conn.Close()
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	s.wg.Add(1)
	go s.runSession(ctx, sess, member, sessLogger)
	return nil
}

// runSession owns the read loop for one connection and tears the session
// down (closing the connection, the writer, and any relay membership) on
// exit. Any decode error is terminal for the session.
func (s *Server) runSession(ctx context.Context, sess *session, member *relay.Member, logger *slog.Logger) {
	defer s.wg.Done()
	defer func() {
		_ = sess.conn.Close()
		sess.tx.Close()
		if member != nil {
			s.Relay.Remove(member)
		}
		s.sessionsMu.Lock()
		delete(s.sessions, sess.id)
		s.sessionsMu.Unlock()
		s.totalDisconnected.Add(1)
		metrics.SetStreamSessions(s.SessionCount())
		logger.Info("session_closed")
	}()

	s.readLoop(ctx, sess, member, logger)
}

func (s *Server) handle(sessionID string, f vstp.Frame, member *relay.Member) {
	if s.Relay != nil && member != nil && f.Type == vstp.TypeData {
		s.Relay.Broadcast(member, f)
	}
	if s.handler != nil {
		s.handler(sessionID, f)
	}
}

// Send transmits f to the named session, if still open.
func (s *Server) Send(sessionID string, f vstp.Frame) error {
	s.sessionsMu.RLock()
	sess, ok := s.sessions[sessionID]
	s.sessionsMu.RUnlock()
	if !ok {
		return fmt.Errorf("stream: unknown session %q", sessionID)
	}
	return sess.tx.SendFrame(f)
}

// Shutdown gracefully closes all resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	s.sessionsMu.Lock()
	for id, sess := range s.sessions {
		_ = sess.conn.Close()
		delete(s.sessions, id)
	}
	s.sessionsMu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load())
		return nil
	}
}
