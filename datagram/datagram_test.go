package datagram

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/vishurizz/vstp"
	"github.com/vishurizz/vstp/reliability"
)

func waitReady(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}
}

func mustUDPAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("resolve %q: %v", s, err)
	}
	return a
}

// TestSendReceiveRoundTrip covers the basic round trip over the datagram
// binding: one unfragmented, CRC-protected DATA frame, delivered whole.
func TestSendReceiveRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan vstp.Frame, 1)
	srv := NewServer(
		WithListenAddr("127.0.0.1:0"),
		WithHandler(func(peer *net.UDPAddr, f vstp.Frame) { received <- f }),
	)
	go srv.Serve(ctx)
	waitReady(t, srv.Ready())

	cl, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer cl.Close()

	f := vstp.NewFrame(vstp.TypeData).WithHeader("content-type", "text/plain").WithPayload([]byte("hi")).WithFlag(vstp.FlagCRC)
	if err := cl.Send(f, mustUDPAddr(t, srv.Addr())); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if string(got.Payload) != "hi" {
			t.Fatalf("got payload %q, want %q", got.Payload, "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

// TestFragmentedRoundTrip: a 50KB DATA frame is transparently split by
// the client and reassembled by the server into the original payload.
func TestFragmentedRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := make([]byte, 50000)
	_, _ = rand.Read(payload)

	received := make(chan vstp.Frame, 1)
	srv := NewServer(
		WithListenAddr("127.0.0.1:0"),
		WithHandler(func(peer *net.UDPAddr, f vstp.Frame) { received <- f }),
	)
	go srv.Serve(ctx)
	waitReady(t, srv.Ready())

	cl, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer cl.Close()

	f := vstp.NewFrame(vstp.TypeData).WithPayload(payload)
	if err := cl.Send(f, mustUDPAddr(t, srv.Addr())); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if len(got.Payload) != len(payload) {
			t.Fatalf("got %d bytes, want %d", len(got.Payload), len(payload))
		}
		for i := range payload {
			if got.Payload[i] != payload[i] {
				t.Fatalf("payload mismatch at byte %d", i)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never reassembled the fragmented frame")
	}
}

// TestSendWithAckSucceeds exercises send_with_ack end to end: the server
// auto-ACKs a REQ_ACK frame and the client's wait resolves without
// retrying.
func TestSendWithAckSucceeds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := NewServer(WithListenAddr("127.0.0.1:0"))
	go srv.Serve(ctx)
	waitReady(t, srv.Ready())

	cl, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer cl.Close()

	f := vstp.NewFrame(vstp.TypeData).WithPayload([]byte("ping"))
	if err := cl.SendWithAck(ctx, f, mustUDPAddr(t, srv.Addr())); err != nil {
		t.Fatalf("send_with_ack: %v", err)
	}
}

// TestAckRetryOnFirstAckLost: the first ACK is dropped by a
// man-in-the-middle proxy; the client's built-in retry retransmits and
// the second ACK gets through, so SendWithAck still succeeds within its
// retry budget.
func TestAckRetryOnFirstAckLost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := NewServer(WithListenAddr("127.0.0.1:0"))
	go srv.Serve(ctx)
	waitReady(t, srv.Ready())

	proxyConn, err := net.ListenUDP("udp", mustUDPAddr(t, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("proxy listen: %v", err)
	}
	defer proxyConn.Close()
	proxyAddr := proxyConn.LocalAddr().(*net.UDPAddr)
	serverAddr := mustUDPAddr(t, srv.Addr())

	var mu sync.Mutex
	var clientAddr *net.UDPAddr
	var acksSeen int

	go func() {
		buf := make([]byte, 65536)
		for {
			n, from, err := proxyConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if from.Port == serverAddr.Port {
				// Server -> client direction: this is the ACK. Drop the
				// first one, forward the rest.
				mu.Lock()
				acksSeen++
				drop := acksSeen == 1
				dst := clientAddr
				mu.Unlock()
				if drop || dst == nil {
					continue
				}
				_, _ = proxyConn.WriteToUDP(buf[:n], dst)
				continue
			}
			// Client -> server direction: remember the client and forward.
			mu.Lock()
			clientAddr = from
			mu.Unlock()
			_, _ = proxyConn.WriteToUDP(buf[:n], serverAddr)
		}
	}()

	cl, err := Bind("127.0.0.1:0", WithClientReliabilityOptions(
		reliability.WithAckTimeout(300*time.Millisecond),
		reliability.WithMaxRetries(3),
	))
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer cl.Close()

	start := time.Now()
	f := vstp.NewFrame(vstp.TypeData).WithPayload([]byte("ping"))
	if err := cl.SendWithAck(ctx, f, proxyAddr); err != nil {
		t.Fatalf("send_with_ack: %v", err)
	}
	if time.Since(start) < 250*time.Millisecond {
		t.Fatal("expected send_with_ack to wait through at least one retry")
	}
}
