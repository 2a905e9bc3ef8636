package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/vishurizz/vstp"
	"github.com/vishurizz/vstp/codec"
)

// Client is the stream-transport counterpart to Server: connect, send,
// and blocking receive over one reliable byte-stream connection.
type Client struct {
	conn         net.Conn
	dec          *codec.Decoder
	maxFrameSize int

	writeMu sync.Mutex
	readBuf []byte
}

// ClientOption configures Connect.
type ClientOption func(*clientConfig)

type clientConfig struct {
	tlsConfig    *tls.Config
	maxFrameSize int
}

func WithClientTLSConfig(c *tls.Config) ClientOption {
	return func(cfg *clientConfig) { cfg.tlsConfig = c }
}

func WithClientMaxFrameSize(n int) ClientOption {
	return func(cfg *clientConfig) {
		if n > 0 {
			cfg.maxFrameSize = n
		}
	}
}

// Connect dials addr and returns a ready-to-use Client.
func Connect(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{maxFrameSize: vstp.DefaultMaxFrameSize}
	for _, o := range opts {
		o(cfg)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccept, err)
	}
	if cfg.tlsConfig != nil {
		tlsConn := tls.Client(conn, cfg.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrAccept, err)
		}
		conn = tlsConn
	}

	return &Client{
		conn:         conn,
		dec:          codec.NewDecoder(cfg.maxFrameSize),
		maxFrameSize: cfg.maxFrameSize,
		readBuf:      make([]byte, 4096),
	}, nil
}

// Send encodes and writes f to the connection. Concurrent sends are
// serialized.
func (c *Client) Send(f vstp.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(c.conn, f); err != nil {
		return fmt.Errorf("%w: %v", ErrConnWrite, err)
	}
	return nil
}

// Recv blocks until one frame has been decoded from the connection, or
// returns the first terminal decode or socket error. Recv is not
// safe to call concurrently with itself.
func (c *Client) Recv() (vstp.Frame, error) {
	for {
		f, ok, err := c.dec.Decode()
		if err != nil {
			return vstp.Frame{}, err
		}
		if ok {
			return f, nil
		}
		n, err := c.conn.Read(c.readBuf)
		if n > 0 {
			c.dec.Feed(c.readBuf[:n])
		}
		if err != nil {
			return vstp.Frame{}, fmt.Errorf("%w: %v", ErrConnRead, err)
		}
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
