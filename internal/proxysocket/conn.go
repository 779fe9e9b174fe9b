package proxysocket

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/die-net/proxysocket/internal/stream"
)

const defaultMaxBuffered = 64 * 1024

// Conn is a blocking net.Conn on top of a Socket.
type Conn struct {
	s *Socket

	connected   chan struct{}
	connectOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once
	readable    chan struct{}

	mu            sync.Mutex
	buf           bytes.Buffer
	paused        bool
	eof           bool
	err           error
	closed        bool
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.Conn = (*Conn)(nil)

// Dial connects s to target and waits until the proxy has established the
// connection, the attempt failed, or ctx is done. On failure s is destroyed.
// The returned Conn owns s.
func Dial(ctx context.Context, s *Socket, target Endpoint) (*Conn, error) {
	c := &Conn{
		s:         s,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
		readable:  make(chan struct{}, 1),
	}
	s.SetHandler(c)

	if err := s.ConnectTarget(ctx, target, nil); err != nil {
		_ = s.Destroy()
		return nil, err
	}

	select {
	case <-c.connected:
		return c, nil
	case <-c.done:
		select {
		case <-c.connected:
			// Connected and closed right away; buffered payload is still
			// readable.
			return c, nil
		default:
		}
		return nil, c.dialErr()
	case <-ctx.Done():
		_ = s.Destroy()
		return nil, ctx.Err()
	}
}

func (c *Conn) dialErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// Socket returns the underlying Socket.
func (c *Conn) Socket() *Socket { return c.s }

func (c *Conn) OnConnect() {
	c.connectOnce.Do(func() { close(c.connected) })
}

func (c *Conn) OnData(p []byte) {
	c.mu.Lock()
	c.buf.Write(p)
	pause := !c.paused && c.buf.Len() >= defaultMaxBuffered
	if pause {
		c.paused = true
	}
	c.mu.Unlock()

	if pause {
		c.s.Pause()
	}
	c.notify()
}

func (c *Conn) OnEnd() {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
	c.notify()
}

func (c *Conn) OnTimeout() {}
func (c *Conn) OnDrain()   {}

func (c *Conn) OnError(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Conn) OnClose(bool) {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	c.notify()
}

func (c *Conn) notify() {
	select {
	case c.readable <- struct{}{}:
	default:
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, net.ErrClosed
		}
		if c.buf.Len() > 0 {
			n, _ := c.buf.Read(p)
			resume := c.paused && c.buf.Len() < defaultMaxBuffered/2
			if resume {
				c.paused = false
			}
			c.mu.Unlock()
			if resume {
				c.s.Resume()
			}
			return n, nil
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return 0, err
		}
		if c.eof {
			c.mu.Unlock()
			return 0, io.EOF
		}
		deadline := c.readDeadline
		c.mu.Unlock()

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		expired, stop := deadlineTimer(deadline)
		select {
		case <-c.readable:
			stop()
		case <-expired:
			return 0, os.ErrDeadlineExceeded
		}
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	deadline := c.writeDeadline
	c.mu.Unlock()
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return 0, os.ErrDeadlineExceeded
	}

	written := make(chan error, 1)
	if _, err := c.s.Write(p, stream.Binary, func(err error) { written <- err }); err != nil {
		return 0, err
	}

	expired, stop := deadlineTimer(deadline)
	defer stop()
	select {
	case err := <-written:
		if err != nil {
			return 0, err
		}
		return len(p), nil
	case <-c.done:
		select {
		case err := <-written:
			if err == nil {
				return len(p), nil
			}
		default:
		}
		return 0, net.ErrClosed
	case <-expired:
		return 0, os.ErrDeadlineExceeded
	}
}

// deadlineTimer returns a channel that fires at deadline, or never for the
// zero time.
func deadlineTimer(deadline time.Time) (<-chan time.Time, func()) {
	if deadline.IsZero() {
		return nil, func() {}
	}
	t := time.NewTimer(time.Until(deadline))
	return t.C, func() { t.Stop() }
}

// Close destroys the socket. Blocked reads return net.ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.notify()
	return c.s.Destroy()
}

// CloseWrite half-closes the connection once pending writes are sent.
func (c *Conn) CloseWrite() error {
	return c.s.End(nil, stream.Binary)
}

func (c *Conn) LocalAddr() net.Addr  { return c.s.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.s.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}
