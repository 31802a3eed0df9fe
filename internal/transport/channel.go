// Package transport implements the named duplex channels linking the
// controller with engines running inside target processes.
//
// A channel is a Unix domain stream socket addressed by name. One side
// listens (Server role) and accepts a single peer; the other dials it (Client
// role). Every transfer is whole-buffer, bounded by IOTimeout and cancelled
// when the channel's context ends. A transfer that fails never reports a
// partial result: either the caller's whole buffer moved or an error is
// returned.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// IOTimeout bounds every single read or write.
const IOTimeout = 10 * time.Second

var (
	// ErrNotFound is returned by Dial when no channel of that name exists.
	ErrNotFound = errors.New("channel not found")
	// ErrNotConnected is returned by client channels whose peer is gone.
	ErrNotConnected = errors.New("channel not connected")
	// ErrListening is returned by server channels that have no peer yet.
	// Accept and retry.
	ErrListening = errors.New("channel listening, no peer connected")
	// ErrTimeout is returned when a transfer did not start within IOTimeout,
	// or no peer arrived within an AcceptTimeout. Nothing was consumed, so the
	// caller may retry.
	ErrTimeout = errors.New("channel i/o timeout")
	// ErrCancelled is returned once the channel's context has ended.
	ErrCancelled = errors.New("channel cancelled")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel closed")
	// ErrBroken is returned when the peer went away or a transfer stopped
	// part way through. The connection is dropped.
	ErrBroken = errors.New("channel broken")
)

// Role tells which side of a channel this end is.
type Role int

const (
	Server Role = iota
	Client
)

func (r Role) String() string {
	if r == Server {
		return "server"
	}
	return "client"
}

// aLongTimeAgo is a deadline that forces pending I/O to return immediately.
var aLongTimeAgo = time.Unix(1, 0)

// Channel is one end of a named duplex channel. Reads are serialised with
// each other, as are writes, so whole messages never interleave.
type Channel struct {
	ctx  context.Context
	name string
	path string
	role Role
	ln   *net.UnixListener

	mu     sync.Mutex
	conn   *net.UnixConn
	closed bool

	rmu sync.Mutex
	wmu sync.Mutex
}

// Listen creates the server end of the channel called name. A stale socket
// left behind by a previous owner is replaced.
func Listen(ctx context.Context, name string) (*Channel, error) {
	path := SocketPath(name)
	if err := os.MkdirAll(RuntimeDir(), 0o700); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", name, err)
	}
	ln.SetUnlinkOnClose(true)

	return &Channel{ctx: ctx, name: name, path: path, role: Server, ln: ln}, nil
}

// Dial connects to the server end of the channel called name. It fails at
// once with ErrNotFound when nobody is listening.
func Dial(ctx context.Context, name string) (*Channel, error) {
	path := SocketPath(name)

	d := net.Dialer{Timeout: IOTimeout}
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("dial %s: %w", name, err)
	}

	return &Channel{ctx: ctx, name: name, path: path, role: Client, conn: c.(*net.UnixConn)}, nil
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Role() Role { return c.role }

// IsOpen reports whether Close has not been called.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Connected reports whether a peer is currently attached.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Accept waits for a peer to connect to a server channel. It returns nil at
// once if a peer is already connected. The wait is only bounded by the
// channel's context.
func (c *Channel) Accept() error {
	return c.accept(time.Time{})
}

// AcceptTimeout is Accept giving up with ErrTimeout once d has elapsed.
func (c *Channel) AcceptTimeout(d time.Duration) error {
	return c.accept(time.Now().Add(d))
}

func (c *Channel) accept(deadline time.Time) error {
	if c.role != Server {
		return fmt.Errorf("accept on %s channel %s", c.role, c.name)
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.conn != nil:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.ctx.Err() != nil {
		return ErrCancelled
	}
	_ = c.ln.SetDeadline(deadline)
	stop := context.AfterFunc(c.ctx, func() {
		_ = c.ln.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	conn, err := c.ln.AcceptUnix()
	if err != nil {
		switch {
		case c.ctx.Err() != nil:
			return ErrCancelled
		case !c.IsOpen():
			return ErrClosed
		case errors.Is(err, os.ErrDeadlineExceeded):
			return ErrTimeout
		default:
			return fmt.Errorf("%w: accept: %w", ErrBroken, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return ErrClosed
	}
	if c.conn != nil {
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	return nil
}

// Write sends all of p.
func (c *Channel) Write(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.write(p)
}

// Read fills all of p.
func (c *Channel) Read(p []byte) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.read(p, false)
}

// WriteMessage sends one framed message.
func (c *Channel) WriteMessage(tag uint16, payload []byte) error {
	b, err := Message{Tag: tag, Payload: payload}.encode()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.write(b)
}

// ReadMessage receives one framed message. On error no partial message is
// returned.
func (c *Channel) ReadMessage() (Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	var hdr [HeaderSize]byte
	if err := c.read(hdr[:], false); err != nil {
		return Message{}, err
	}
	tag, length := decodeHeader(hdr[:])
	if length > MaxPayload {
		c.dropConn()
		return Message{}, fmt.Errorf("%w: %w: %d bytes", ErrBroken, ErrMessageTooLarge, length)
	}

	payload := make([]byte, length)
	if err := c.read(payload, true); err != nil {
		return Message{}, err
	}
	return Message{Tag: tag, Payload: payload}, nil
}

// Close releases the channel. It is safe to call more than once and from
// any goroutine; pending transfers fail with ErrClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var errs []error
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	if c.ln != nil {
		errs = append(errs, c.ln.Close())
	}
	return errors.Join(errs...)
}

func (c *Channel) peer() (*net.UnixConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return nil, ErrClosed
	case c.conn != nil:
		return c.conn, nil
	case c.role == Server:
		return nil, ErrListening
	default:
		return nil, ErrNotConnected
	}
}

// dropConn forgets the current peer. A server channel may then accept a new
// one.
func (c *Channel) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) write(p []byte) error {
	conn, err := c.peer()
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrCancelled
	}

	_ = conn.SetWriteDeadline(time.Now().Add(IOTimeout))
	stop := context.AfterFunc(c.ctx, func() {
		_ = conn.SetWriteDeadline(aLongTimeAgo)
	})
	n, err := conn.Write(p)
	stop()
	if err == nil {
		return nil
	}
	return c.fail("write", err, n > 0)
}

// read fills p. started is true when earlier bytes of the same message have
// already been consumed, so a timeout can no longer be retried.
func (c *Channel) read(p []byte, started bool) error {
	if len(p) == 0 {
		return nil
	}
	conn, err := c.peer()
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrCancelled
	}

	_ = conn.SetReadDeadline(time.Now().Add(IOTimeout))
	stop := context.AfterFunc(c.ctx, func() {
		_ = conn.SetReadDeadline(aLongTimeAgo)
	})
	n, err := io.ReadFull(conn, p)
	stop()
	if err == nil {
		return nil
	}
	return c.fail("read", err, started || n > 0)
}

// fail maps an I/O error to a channel status. A transfer that moved some
// bytes leaves the stream without framing, so the connection is dropped.
func (c *Channel) fail(op string, err error, partial bool) error {
	if partial {
		c.dropConn()
	}
	switch {
	case !c.IsOpen():
		return ErrClosed
	case c.ctx.Err() != nil:
		return ErrCancelled
	case partial:
		return fmt.Errorf("%w: %s %s: %w", ErrBroken, op, c.name, err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	default:
		c.dropConn()
		return fmt.Errorf("%w: %s %s: %w", ErrBroken, op, c.name, err)
	}
}
