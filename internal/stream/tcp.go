package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/proxysocket/internal/logging"
)

const (
	defaultHighWaterMark  = 16 * 1024
	defaultReadBufferSize = 32 * 1024
)

// ErrAlreadyConnected is returned by Connect on a transport that has already
// been connected or is connecting.
var ErrAlreadyConnected = errors.New("stream: already connecting or connected")

// Config configures a TCPTransport.
type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect. Zero means no timeout.
	DialTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// HighWaterMark is the number of queued bytes above which Write returns
	// false. Defaults to 16 KiB.
	HighWaterMark int

	// ReadBufferSize defaults to 32 KiB.
	ReadBufferSize int
}

type tcpState int

const (
	tcpIdle tcpState = iota
	tcpConnecting
	tcpOpen
	tcpClosed
)

type queuedWrite struct {
	p    []byte
	done func(error)
}

type pipeDest struct {
	w    io.Writer
	opts PipeOptions
}

// TCPTransport is a Transport over a TCP connection.
type TCPTransport struct {
	cfg    Config
	log    logrus.FieldLogger
	events *dispatcher

	mu          sync.Mutex
	cond        *sync.Cond
	handler     Handler
	state       tcpState
	conn        net.Conn
	writes      []queuedWrite
	queued      int
	needDrain   bool
	ending      bool
	destroySoon bool
	writeClosed bool
	readEnded   bool
	paused      bool
	decoder     *Decoder
	pipes       []pipeDest
	timeout     time.Duration
	timer       *time.Timer
	noDelay     *bool
	keepAlive   *net.KeepAliveConfig
}

var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport returns an unconnected transport. Destroy releases it.
func NewTCPTransport(cfg Config, log logrus.FieldLogger) *TCPTransport {
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = defaultHighWaterMark
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if log == nil {
		log = logging.Discard()
	}

	t := &TCPTransport{cfg: cfg, log: log, events: newDispatcher()}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *TCPTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *TCPTransport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	switch t.state {
	case tcpIdle:
	case tcpClosed:
		t.mu.Unlock()
		return net.ErrClosed
	default:
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.state = tcpConnecting
	t.mu.Unlock()

	go t.dial(ctx, address)
	return nil
}

func (t *TCPTransport) dial(ctx context.Context, address string) {
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		t.fail(fmt.Errorf("dial tcp %s: %w", address, err))
		return
	}

	t.mu.Lock()
	if t.state != tcpConnecting {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.state = tcpOpen
	if tc, ok := conn.(*net.TCPConn); ok {
		ka := t.cfg.KeepAlive
		if t.keepAlive != nil {
			ka = *t.keepAlive
		}
		_ = tc.SetKeepAliveConfig(ka)
		if t.noDelay != nil {
			_ = tc.SetNoDelay(*t.noDelay)
		}
	}
	t.resetTimerLocked()
	t.cond.Broadcast()
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"local":  conn.LocalAddr().String(),
		"remote": conn.RemoteAddr().String(),
	}).Debug("tcp connected")

	t.emit(func(h Handler) { h.OnConnect() })

	go t.readLoop(conn)
	go t.writeLoop(conn)
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	buf := make([]byte, t.cfg.ReadBufferSize)
	for {
		t.mu.Lock()
		for t.paused && t.state == tcpOpen {
			t.cond.Wait()
		}
		open := t.state == tcpOpen
		t.mu.Unlock()
		if !open {
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			p := append([]byte(nil), buf[:n]...)
			t.touch()
			t.events.post(func() { t.deliver(p) })
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.events.post(t.readEOF)
			} else {
				t.fail(err)
			}
			return
		}
	}
}

// deliver runs on the dispatcher.
func (t *TCPTransport) deliver(p []byte) {
	t.mu.Lock()
	h, dec := t.handler, t.decoder
	pipes := t.pipes
	t.mu.Unlock()

	for _, pd := range pipes {
		if _, err := pd.w.Write(p); err != nil {
			t.log.WithError(err).Debug("pipe write failed, unpiping")
			t.unpipe(pd.w)
		}
	}
	if out := dec.Decode(p); h != nil && len(out) > 0 {
		h.OnData(out)
	}
}

func (t *TCPTransport) unpipe(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, pd := range t.pipes {
		if pd.w == w {
			t.pipes = append(t.pipes[:i:i], t.pipes[i+1:]...)
			return
		}
	}
}

// readEOF runs on the dispatcher.
func (t *TCPTransport) readEOF() {
	t.mu.Lock()
	h, dec := t.handler, t.decoder
	pipes := t.pipes
	t.pipes = nil
	t.mu.Unlock()

	if h != nil {
		if rest := dec.Flush(); len(rest) > 0 {
			h.OnData(rest)
		}
	}
	for _, pd := range pipes {
		if c, ok := pd.w.(io.Closer); ok && !pd.opts.KeepOpen {
			_ = c.Close()
		}
	}
	if h != nil {
		h.OnEnd()
	}

	// The peer is done; finish our side too once queued writes are out.
	t.mu.Lock()
	t.readEnded = true
	t.ending = true
	closeNow := t.writeClosed
	t.cond.Broadcast()
	t.mu.Unlock()

	if closeNow {
		t.shutdown(nil)
	}
}

func (t *TCPTransport) writeLoop(conn net.Conn) {
	for {
		t.mu.Lock()
		for len(t.writes) == 0 && !t.ending && t.state == tcpOpen {
			t.cond.Wait()
		}
		if t.state != tcpOpen {
			t.mu.Unlock()
			return
		}
		if len(t.writes) == 0 {
			t.mu.Unlock()
			if cw, ok := conn.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
			t.mu.Lock()
			t.writeClosed = true
			closeNow := t.readEnded || t.destroySoon
			t.mu.Unlock()
			if closeNow {
				t.shutdown(nil)
			}
			return
		}
		w := t.writes[0]
		t.writes[0] = queuedWrite{}
		t.writes = t.writes[1:]
		t.mu.Unlock()

		_, err := conn.Write(w.p)
		t.touch()

		t.mu.Lock()
		t.queued -= len(w.p)
		drain := t.needDrain && t.queued == 0
		if drain {
			t.needDrain = false
		}
		t.mu.Unlock()

		if w.done != nil {
			done := w.done
			t.events.post(func() { done(err) })
		}
		if err != nil {
			t.fail(err)
			return
		}
		if drain {
			t.emit(func(h Handler) { h.OnDrain() })
		}
	}
}

func (t *TCPTransport) Write(p []byte, enc Encoding, done func(error)) (bool, error) {
	b, err := enc.Decode(p)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == tcpClosed || t.ending {
		return false, net.ErrClosed
	}
	t.writes = append(t.writes, queuedWrite{p: append([]byte(nil), b...), done: done})
	t.queued += len(b)
	ok := t.queued < t.cfg.HighWaterMark
	if !ok {
		t.needDrain = true
	}
	t.cond.Broadcast()
	return ok, nil
}

func (t *TCPTransport) Pipe(dst io.Writer, opts PipeOptions) {
	t.mu.Lock()
	t.pipes = append(t.pipes, pipeDest{w: dst, opts: opts})
	t.mu.Unlock()
}

func (t *TCPTransport) End(p []byte, enc Encoding) error {
	if len(p) > 0 {
		if _, err := t.Write(p, enc, nil); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == tcpClosed {
		return net.ErrClosed
	}
	t.ending = true
	t.cond.Broadcast()
	return nil
}

func (t *TCPTransport) SetEncoding(enc Encoding) {
	t.mu.Lock()
	t.decoder = enc.NewDecoder()
	t.mu.Unlock()
}

func (t *TCPTransport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.timeout = d
	if d > 0 && t.state != tcpClosed {
		t.timer = time.AfterFunc(d, t.idle)
	}
}

func (t *TCPTransport) idle() {
	t.mu.Lock()
	closed := t.state == tcpClosed
	t.mu.Unlock()
	if !closed {
		t.emit(func(h Handler) { h.OnTimeout() })
	}
}

func (t *TCPTransport) touch() {
	t.mu.Lock()
	t.resetTimerLocked()
	t.mu.Unlock()
}

func (t *TCPTransport) resetTimerLocked() {
	if t.timer != nil {
		t.timer.Reset(t.timeout)
	}
}

func (t *TCPTransport) SetNoDelay(noDelay bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tc, ok := t.conn.(*net.TCPConn); ok {
		return tc.SetNoDelay(noDelay)
	}
	t.noDelay = &noDelay
	return nil
}

func (t *TCPTransport) SetKeepAlive(cfg net.KeepAliveConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tc, ok := t.conn.(*net.TCPConn); ok {
		return tc.SetKeepAliveConfig(cfg)
	}
	t.keepAlive = &cfg
	return nil
}

func (t *TCPTransport) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

func (t *TCPTransport) Resume() {
	t.mu.Lock()
	t.paused = false
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *TCPTransport) Destroy() error {
	t.shutdown(nil)
	return nil
}

func (t *TCPTransport) DestroySoon() {
	t.mu.Lock()
	switch t.state {
	case tcpClosed:
		t.mu.Unlock()
		return
	case tcpIdle:
		t.mu.Unlock()
		t.shutdown(nil)
		return
	}
	t.ending = true
	t.destroySoon = true
	closeNow := t.writeClosed
	t.cond.Broadcast()
	t.mu.Unlock()

	if closeNow {
		t.shutdown(nil)
	}
}

func (t *TCPTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *TCPTransport) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

func (t *TCPTransport) BufferSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queued
}

// fail closes the transport with err unless it is already closed; errors
// caused by our own Close are dropped that way.
func (t *TCPTransport) fail(err error) {
	t.shutdown(err)
}

func (t *TCPTransport) shutdown(err error) {
	t.mu.Lock()
	if t.state == tcpClosed {
		t.mu.Unlock()
		return
	}
	t.state = tcpClosed
	conn := t.conn
	dropped := t.writes
	t.writes = nil
	t.queued = 0
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.cond.Broadcast()
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	entry := t.log
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.WithField("dropped_writes", len(dropped)).Debug("tcp closed")

	for _, w := range dropped {
		if w.done != nil {
			done := w.done
			t.events.post(func() { done(net.ErrClosed) })
		}
	}
	if err != nil {
		t.emit(func(h Handler) { h.OnError(err) })
	}
	t.emit(func(h Handler) { h.OnClose(err != nil) })
	t.events.close()
}

func (t *TCPTransport) emit(fn func(h Handler)) {
	t.events.post(func() {
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			fn(h)
		}
	})
}
