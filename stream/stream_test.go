package stream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/vishurizz/vstp"
)

func waitReady(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}
}

// TestHelloRoundTrip exercises the end-to-end handshake: a client sends
// a bare HELLO, the server's handler observes the same frame back.
func TestHelloRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan vstp.Frame, 1)
	srv := NewServer(
		WithListenAddr(":0"),
		WithHandler(func(sessionID string, f vstp.Frame) { received <- f }),
	)
	go srv.Serve(ctx)
	waitReady(t, srv.Ready())

	cl, err := Connect(ctx, srv.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cl.Close()

	if err := cl.Send(vstp.NewFrame(vstp.TypeHello)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-received:
		if f.Type != vstp.TypeHello {
			t.Fatalf("got type %v, want HELLO", f.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

// TestOrderedDelivery checks the ordering guarantee: frames sent on one
// stream connection are delivered to the handler in send order.
func TestOrderedDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 50
	recv := make(chan int, n)
	srv := NewServer(
		WithListenAddr(":0"),
		WithHandler(func(sessionID string, f vstp.Frame) {
			v, _ := f.Header("seq")
			var idx int
			for _, b := range v {
				idx = idx*10 + int(b-'0')
			}
			recv <- idx
		}),
	)
	go srv.Serve(ctx)
	waitReady(t, srv.Ready())

	cl, err := Connect(ctx, srv.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cl.Close()

	for i := 0; i < n; i++ {
		f := vstp.NewFrame(vstp.TypeData).WithHeader("seq", itoa(i))
		if err := cl.Send(f); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-recv:
			if got != i {
				t.Fatalf("out of order: want %d got %d", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

// TestBadMagicTerminatesSessionOnly: a connection starting with bad
// magic is closed, but the accept loop keeps running and serves a
// subsequent, valid connection.
func TestBadMagicTerminatesSessionOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan vstp.Frame, 1)
	srv := NewServer(
		WithListenAddr(":0"),
		WithHandler(func(sessionID string, f vstp.Frame) { received <- f }),
	)
	go srv.Serve(ctx)
	waitReady(t, srv.Ready())

	bad, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := bad.Write([]byte{0x00, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 1)
	_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bad.Read(buf); err == nil {
		t.Fatal("expected the server to close the bad-magic connection")
	}
	bad.Close()

	cl, err := Connect(ctx, srv.Addr())
	if err != nil {
		t.Fatalf("connect after bad session: %v", err)
	}
	defer cl.Close()
	if err := cl.Send(vstp.NewFrame(vstp.TypeHello)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case f := <-received:
		if f.Type != vstp.TypeHello {
			t.Fatalf("got type %v, want HELLO", f.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not keep serving after a bad-magic session")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}
