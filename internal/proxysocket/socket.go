package proxysocket

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/die-net/proxysocket/internal/logging"
	"github.com/die-net/proxysocket/internal/socks5"
	"github.com/die-net/proxysocket/internal/stream"
)

// State is the lifecycle position of a Socket.
type State int

const (
	Idle State = iota
	Connecting
	Negotiating
	Established
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Negotiating:
		return "negotiating"
	case Established:
		return "established"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Socket. Zero fields take defaults.
type Options struct {
	// ProxyHost defaults to 127.0.0.1.
	ProxyHost string
	// ProxyPort defaults to 1080.
	ProxyPort int

	Logger logrus.FieldLogger
}

// SocksDataHandler may be implemented by a Handler that wants to see the raw
// bytes received from the proxy before the connection is established.
type SocksDataHandler interface {
	OnSocksData(p []byte)
}

type pendingWrite struct {
	p    []byte
	done func(error)
}

type pendingPipe struct {
	dst  io.Writer
	opts stream.PipeOptions
}

// Socket is a stream.Transport that tunnels through a SOCKS5 proxy.
type Socket struct {
	id        string
	proxy     Endpoint
	transport stream.Transport
	log       logrus.FieldLogger

	mu          sync.Mutex
	handler     stream.Handler
	state       State
	hadError    bool
	stage       int
	inbound     []byte
	target      Endpoint
	request     []byte
	onConnect   func()
	writes      []pendingWrite
	pending     int
	pipes       []pendingPipe
	ending      bool
	destroySoon bool
	paused      bool
	held        []byte
	heldPipes   []pendingPipe
	encoding    stream.Encoding
	decoder     *stream.Decoder
	local       net.Addr
	remote      net.Addr
}

var _ stream.Transport = (*Socket)(nil)

// New returns an idle Socket that will reach the proxy over t. A nil t gets a
// stream.TCPTransport with default settings. The Socket owns t from now on.
func New(opts Options, t stream.Transport) *Socket {
	if opts.ProxyHost == "" {
		opts.ProxyHost = DefaultProxyHost
	}
	if opts.ProxyPort == 0 {
		opts.ProxyPort = DefaultProxyPort
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}

	id := uuid.NewString()
	proxy := Endpoint{Host: opts.ProxyHost, Port: opts.ProxyPort}
	log = log.WithFields(logrus.Fields{"conn": id, "proxy": proxy.String()})
	if t == nil {
		t = stream.NewTCPTransport(stream.Config{}, log)
	}

	s := &Socket{id: id, proxy: proxy, transport: t, log: log}
	t.SetHandler(transportEvents{s})
	return s
}

// ID identifies the socket in log output.
func (s *Socket) ID() string { return s.id }

// Proxy returns the proxy endpoint the socket connects through.
func (s *Socket) Proxy() Endpoint { return s.proxy }

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Target returns the destination of the current or last connection attempt.
func (s *Socket) Target() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *Socket) SetHandler(h stream.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Connect parses address as "host:port" and calls ConnectTarget.
func (s *Socket) Connect(ctx context.Context, address string) error {
	if err := s.connectable(); err != nil {
		return err
	}
	target, err := ParseEndpoint(address)
	if err != nil {
		return err
	}
	return s.ConnectTarget(ctx, target, nil)
}

// ConnectTarget opens the transport to the proxy and asks it to connect to
// target. It returns once the attempt has started; the outcome is reported
// to the handler. onConnect, if non-nil, runs just before the handler's
// OnConnect.
func (s *Socket) ConnectTarget(ctx context.Context, target Endpoint, onConnect func()) error {
	s.mu.Lock()
	if err := s.connectableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := target.validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	req, err := socks5.ConnectRequest(target.Host, target.Port)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = Connecting
	s.target = target
	s.request = req
	s.onConnect = onConnect
	s.stage = 0
	s.inbound = nil
	s.mu.Unlock()

	s.log.WithField("target", target.String()).Debug("connecting to proxy")

	// Handshake bytes must reach us undecoded.
	s.transport.SetEncoding(stream.Binary)
	if err := s.transport.Connect(ctx, s.proxy.String()); err != nil {
		s.mu.Lock()
		if s.state == Connecting {
			s.state = Idle
		}
		s.mu.Unlock()
		return fmt.Errorf("connect to socks5 proxy %s: %w", s.proxy, err)
	}
	return nil
}

func (s *Socket) connectable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectableLocked()
}

func (s *Socket) connectableLocked() error {
	switch s.state {
	case Idle:
		return nil
	case Connecting, Negotiating:
		return ErrAlreadyConnecting
	case Established:
		return ErrAlreadyConnected
	default:
		return ErrClosed
	}
}

// Write sends p once the connection is established. Before that, p is
// queued and Write reports true.
func (s *Socket) Write(p []byte, enc stream.Encoding, done func(error)) (bool, error) {
	s.mu.Lock()
	switch s.state {
	case Established:
		s.mu.Unlock()
		return s.transport.Write(p, enc, done)
	case Failed, Closed:
		s.mu.Unlock()
		return false, ErrClosed
	}
	defer s.mu.Unlock()
	if s.ending {
		return false, ErrClosed
	}
	return true, s.queueWriteLocked(p, enc, done)
}

func (s *Socket) queueWriteLocked(p []byte, enc stream.Encoding, done func(error)) error {
	b, err := enc.Decode(p)
	if err != nil {
		return err
	}
	s.writes = append(s.writes, pendingWrite{p: append([]byte(nil), b...), done: done})
	s.pending += len(b)
	return nil
}

// Pipe copies payload to dst. Pipes requested before the connection is
// established start with the first payload byte.
func (s *Socket) Pipe(dst io.Writer, opts stream.PipeOptions) {
	s.mu.Lock()
	switch s.state {
	case Established:
		s.mu.Unlock()
		s.transport.Pipe(dst, opts)
		return
	case Failed, Closed:
		s.mu.Unlock()
		return
	}
	s.pipes = append(s.pipes, pendingPipe{dst: dst, opts: opts})
	s.mu.Unlock()
}

// End writes p, if any, and half-closes the connection, after queued
// writes have been flushed.
func (s *Socket) End(p []byte, enc stream.Encoding) error {
	s.mu.Lock()
	switch s.state {
	case Established:
		s.mu.Unlock()
		return s.transport.End(p, enc)
	case Failed, Closed:
		s.mu.Unlock()
		return ErrClosed
	}
	defer s.mu.Unlock()
	if len(p) > 0 {
		if err := s.queueWriteLocked(p, enc, nil); err != nil {
			return err
		}
	}
	s.ending = true
	return nil
}

// SetEncoding selects how payload is delivered to the handler. Before the
// connection is established it only takes effect once it is.
func (s *Socket) SetEncoding(enc stream.Encoding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoding = enc
	if s.state == Established {
		s.decoder = enc.NewDecoder()
	}
}

func (s *Socket) SetTimeout(d time.Duration) {
	s.transport.SetTimeout(d)
}

func (s *Socket) SetNoDelay(noDelay bool) error {
	return s.transport.SetNoDelay(noDelay)
}

func (s *Socket) SetKeepAlive(cfg net.KeepAliveConfig) error {
	return s.transport.SetKeepAlive(cfg)
}

// Pause stops payload delivery. Negotiation continues while paused; the
// pause applies from the first payload byte.
func (s *Socket) Pause() {
	s.mu.Lock()
	if s.state != Established {
		s.paused = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.transport.Pause()
}

// Resume restarts payload delivery. Payload held back by a pause from
// before establishment is delivered first.
func (s *Socket) Resume() {
	s.mu.Lock()
	s.paused = false
	if s.state != Established {
		s.mu.Unlock()
		return
	}
	held, pipes := s.takeHeldLocked()
	h, dec := s.handler, s.decoder
	s.mu.Unlock()

	s.deliverFirst(h, dec, pipes, held)
	s.transport.Resume()
}

// Destroy closes the socket and its transport. Queued writes and pipes are
// dropped.
func (s *Socket) Destroy() error {
	s.mu.Lock()
	if s.state != Failed {
		s.state = Closed
	}
	dropped := s.dropPendingLocked()
	s.mu.Unlock()

	dropWrites(dropped, ErrClosed)
	return s.transport.Destroy()
}

// DestroySoon closes the socket once queued writes have been flushed.
func (s *Socket) DestroySoon() {
	s.mu.Lock()
	switch s.state {
	case Established:
		s.mu.Unlock()
		s.transport.DestroySoon()
		return
	case Connecting, Negotiating:
		s.ending = true
		s.destroySoon = true
		s.mu.Unlock()
		return
	case Idle:
		s.mu.Unlock()
		_ = s.Destroy()
		return
	}
	s.mu.Unlock()
}

// LocalAddr returns the local address of the connection to the proxy, as of
// establishment.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteAddr returns the proxy's address, as of establishment.
func (s *Socket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// BufferSize counts bytes accepted by Write but not yet sent, including
// those held back until establishment.
func (s *Socket) BufferSize() int {
	s.mu.Lock()
	if s.state != Established {
		defer s.mu.Unlock()
		return s.pending
	}
	s.mu.Unlock()
	return s.transport.BufferSize()
}

func (s *Socket) dropPendingLocked() []pendingWrite {
	dropped := s.writes
	s.writes = nil
	s.pending = 0
	s.pipes = nil
	s.inbound = nil
	s.held = nil
	s.heldPipes = nil
	s.onConnect = nil
	return dropped
}

func (s *Socket) takeHeldLocked() ([]byte, []pendingPipe) {
	held, pipes := s.held, s.heldPipes
	s.held, s.heldPipes = nil, nil
	return held, pipes
}

func dropWrites(writes []pendingWrite, err error) {
	for _, w := range writes {
		if w.done != nil {
			w.done(err)
		}
	}
}
