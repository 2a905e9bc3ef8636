// Command vstp-client is a small interactive exerciser for both VSTP
// transport bindings: dial a stream server and exchange frames
// line-by-line, or bind a UDP socket and send frames to a datagram
// server (with send_with_ack when -req-ack is set), printing every
// received frame to stdout.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vishurizz/vstp"
	"github.com/vishurizz/vstp/datagram"
	"github.com/vishurizz/vstp/internal/logging"
	"github.com/vishurizz/vstp/reliability"
	"github.com/vishurizz/vstp/stream"
)

func main() {
	transport := flag.String("transport", "tcp", "Transport to use: tcp|udp")
	addr := flag.String("addr", "127.0.0.1:7890", "Server address to connect/send to")
	localAddr := flag.String("local", ":0", "Local UDP bind address (udp transport only)")
	insecure := flag.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (tcp transport only)")
	tlsEnable := flag.Bool("tls", false, "Use TLS for the tcp transport")
	reqAck := flag.Bool("req-ack", false, "Set REQ_ACK and wait for the ACK (udp transport only)")
	ackTimeout := flag.Duration("ack-timeout", reliability.DefaultAckTimeout, "ACK wait timeout (udp transport only)")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	flag.Parse()

	var lvl slog.Level
	switch *logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	l := logging.New("text", lvl, os.Stderr).With("app", "vstp-client")
	logging.Set(l)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch *transport {
	case "tcp":
		err = runStream(ctx, l, *addr, *tlsEnable, *insecure)
	case "udp":
		err = runDatagram(ctx, l, *addr, *localAddr, *reqAck, *ackTimeout)
	default:
		err = fmt.Errorf("unknown transport %q", *transport)
	}
	if err != nil {
		l.Error("exit_error", "error", err)
		os.Exit(1)
	}
}

// runStream dials a stream server and pipes stdin lines in as DATA frame
// payloads, printing every frame received back on stdout.
func runStream(ctx context.Context, l *slog.Logger, addr string, useTLS, insecureSkipVerify bool) error {
	var opts []stream.ClientOption
	if useTLS {
		opts = append(opts, stream.WithClientTLSConfig(&tls.Config{InsecureSkipVerify: insecureSkipVerify})) //nolint:gosec
	}
	c, err := stream.Connect(ctx, addr, opts...)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()
	l.Info("connected", "addr", addr)

	go func() {
		for {
			f, err := c.Recv()
			if err != nil {
				l.Info("recv_loop_ended", "error", err)
				return
			}
			printFrame(f)
		}
	}()

	hello := vstp.NewFrame(vstp.TypeHello).WithHeader("client", "vstp-client")
	if err := c.Send(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.Send(vstp.NewFrame(vstp.TypeBye))
			return nil
		case line, ok := <-lines:
			if !ok {
				_ = c.Send(vstp.NewFrame(vstp.TypeBye))
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			f := vstp.NewFrame(vstp.TypeData).WithPayload([]byte(line))
			if err := c.Send(f); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

// runDatagram binds a UDP socket and pipes stdin lines in as DATA frames to
// addr, optionally with REQ_ACK set and waited on.
func runDatagram(ctx context.Context, l *slog.Logger, addr, local string, reqAck bool, ackTimeout time.Duration) error {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve peer: %w", err)
	}

	cl, err := datagram.Bind(local,
		datagram.WithClientLogger(l),
		datagram.WithClientHandler(func(from *net.UDPAddr, f vstp.Frame) {
			printFrame(f)
		}),
		datagram.WithClientReliabilityOptions(reliability.WithAckTimeout(ackTimeout)),
	)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer cl.Close()
	l.Info("bound", "local", cl.LocalAddr().String(), "peer", peer.String())

	scanner := bufio.NewScanner(os.Stdin)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			f := vstp.NewFrame(vstp.TypeData).WithPayload([]byte(line))
			if reqAck {
				sendCtx, cancel := context.WithTimeout(ctx, ackTimeout*time.Duration(reliability.DefaultMaxRetries+1)+time.Second)
				err := cl.SendWithAck(sendCtx, f, peer)
				cancel()
				if err != nil {
					l.Warn("send_with_ack_failed", "error", err)
					continue
				}
				l.Info("ack_received")
				continue
			}
			if err := cl.Send(f, peer); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

func printFrame(f vstp.Frame) {
	fmt.Printf("< %s flags=%02x headers=%d payload=%q\n", f.Type.String(), uint8(f.Flags), len(f.Headers), f.Payload)
}
