// Package peerconn wraps the stream socket of a peer and reads and writes protocol messages on it.
package peerconn

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/peer"
	"github.com/cenkalti/drizzle/internal/peerprotocol"
)

// ErrClosed is returned from writes after Close.
var ErrClosed = errors.New("connection closed")

// length + msgid + requestmsg
const readBufferSize = 4 + 1 + 12

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr netip.AddrPort, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr.String())
}

// Conn is a connection to a peer. Reads must be done from a single goroutine.
// Writes are serialized. Close may be called any number of times from any goroutine.
type Conn struct {
	conn             net.Conn
	r                *bufio.Reader
	peer             *peer.Peer
	maxMessageLength uint32
	log              logger.Logger

	m sync.Mutex // serializes writes

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64

	closeOnce sync.Once
	closeC    chan struct{}
}

// New returns a new Conn by wrapping a net.Conn. Socket activity is recorded on pe.
func New(conn net.Conn, pe *peer.Peer, maxMessageLength uint32, l logger.Logger) *Conn {
	return &Conn{
		conn:             conn,
		r:                bufio.NewReaderSize(conn, readBufferSize),
		peer:             pe,
		maxMessageLength: maxMessageLength,
		log:              l,
		closeC:           make(chan struct{}),
	}
}

// String returns the remote address as string.
func (c *Conn) String() string {
	return c.conn.RemoteAddr().String()
}

// ReadHandshake reads the fixed length handshake.
// io.EOF is returned if the peer closes the connection.
func (c *Conn) ReadHandshake() (peerprotocol.HandshakeMessage, error) {
	hs, err := peerprotocol.ReadHandshake(c.r)
	if err != nil {
		return hs, err
	}
	c.bytesRead.Add(peerprotocol.HandshakeLength)
	c.peer.Touch(true)
	return hs, nil
}

// ReadMessage reads the next framed message.
// Messages with unknown ids return an error wrapping peerprotocol.ErrUnknownMessage;
// the frame is consumed so the caller may continue reading.
func (c *Conn) ReadMessage() (peerprotocol.Message, error) {
	f, err := peerprotocol.ReadFrame(c.r, c.maxMessageLength)
	if err != nil {
		return nil, err
	}
	c.bytesRead.Add(int64(4 + len(f.Payload)))
	if !f.KeepAlive {
		c.bytesRead.Add(1)
	}
	c.peer.Touch(true)
	return peerprotocol.Parse(f)
}

// WriteMessage encodes and writes a message.
func (c *Conn) WriteMessage(msg peerprotocol.Message) error {
	b, err := peerprotocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closeC:
		return ErrClosed
	default:
	}
	c.m.Lock()
	n, err := c.conn.Write(b)
	c.m.Unlock()
	c.bytesWritten.Add(int64(n))
	if err != nil {
		return err
	}
	c.peer.Touch(false)
	return nil
}

// BytesRead returns the number of bytes read from the socket.
func (c *Conn) BytesRead() int64 { return c.bytesRead.Load() }

// BytesWritten returns the number of bytes written to the socket.
func (c *Conn) BytesWritten() int64 { return c.bytesWritten.Load() }

// Close the underlying net.Conn. Blocked reads and writes return with an error.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closeC)
		if err := c.conn.Close(); err != nil {
			c.log.Debugln("error while closing connection:", err)
		}
	})
}

// Done returns a channel that is closed after Close is called.
func (c *Conn) Done() <-chan struct{} {
	return c.closeC
}
