package proxysocket

import (
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/die-net/proxysocket/internal/socks5"
	"github.com/die-net/proxysocket/internal/stream"
)

// A stage consumes one proxy reply from the start of b. It returns the
// reply's length, or 0 while b is incomplete. It runs with s.mu held.
type stage func(s *Socket, b []byte) (int, error)

var stages = [...]stage{
	(*Socket).receiveAuth,
	(*Socket).receiveConnect,
}

func (s *Socket) receiveAuth(b []byte) (int, error) {
	n, err := socks5.ParseAuthReply(b)
	if err != nil || n == 0 {
		return n, err
	}
	if err := s.send(s.request); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Socket) receiveConnect(b []byte) (int, error) {
	return socks5.ParseConnectReply(b)
}

// send writes handshake bytes. A transport asking us to back off counts as
// a failure; the handshake is too small to ever need to wait.
func (s *Socket) send(b []byte) error {
	ok, err := s.transport.Write(b, stream.Binary, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", socks5.ErrTransportWrite, err)
	}
	if !ok {
		return socks5.ErrTransportWrite
	}
	return nil
}

// transportEvents receives the transport's notifications. They all arrive on
// the transport's dispatcher goroutine, so handler calls made from here are
// serialized too.
type transportEvents struct {
	s *Socket
}

func (e transportEvents) OnConnect()            { e.s.proxyConnected() }
func (e transportEvents) OnData(p []byte)       { e.s.receive(p) }
func (e transportEvents) OnEnd()                { e.s.proxyEnded() }
func (e transportEvents) OnTimeout()            { e.s.forward(stream.Handler.OnTimeout) }
func (e transportEvents) OnDrain()              { e.s.drained() }
func (e transportEvents) OnError(err error)     { e.s.transportFailed(err) }
func (e transportEvents) OnClose(hadError bool) { e.s.closed(hadError) }

func (s *Socket) proxyConnected() {
	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		return
	}
	s.state = Negotiating
	s.mu.Unlock()

	s.log.Debug("connected to proxy, sending greeting")
	if err := s.send(socks5.Greeting()); err != nil {
		s.fail(err)
	}
}

func (s *Socket) receive(p []byte) {
	s.mu.Lock()
	switch s.state {
	case Established:
		h, dec := s.handler, s.decoder
		s.mu.Unlock()
		if out := dec.Decode(p); h != nil && len(out) > 0 {
			h.OnData(out)
		}
	case Negotiating:
		h := s.handler
		s.mu.Unlock()
		s.receiveSocksData(h, p)
	default:
		s.mu.Unlock()
	}
}

func (s *Socket) receiveSocksData(h stream.Handler, p []byte) {
	if sh, ok := h.(SocksDataHandler); ok {
		sh.OnSocksData(p)
	}
	s.log.WithField("data", hex.EncodeToString(p)).Debug("socks data received")

	s.mu.Lock()
	if s.state != Negotiating {
		s.mu.Unlock()
		return
	}
	s.inbound = append(s.inbound, p...)
	for s.stage < len(stages) {
		n, err := stages[s.stage](s, s.inbound)
		if err != nil {
			s.mu.Unlock()
			s.fail(err)
			return
		}
		if n == 0 {
			s.mu.Unlock()
			return
		}
		s.inbound = s.inbound[n:]
		s.stage++
	}

	rest := s.inbound
	s.inbound = nil
	est := s.establishLocked(rest)
	s.mu.Unlock()

	est.finish(s)
}

// establishment carries what must happen after s.mu is released.
type establishment struct {
	handler   stream.Handler
	onConnect func()
	decoder   *stream.Decoder
	pipes     []pendingPipe
	rest      []byte
	failed    []pendingWrite
	err       error
}

// establishLocked hands everything held back to the transport, in the order
// it was requested. rest is the payload that followed the final reply; a
// pending pause keeps it until Resume.
func (s *Socket) establishLocked(rest []byte) establishment {
	s.state = Established
	s.local = s.transport.LocalAddr()
	s.remote = s.transport.RemoteAddr()
	s.decoder = s.encoding.NewDecoder()

	est := establishment{
		handler:   s.handler,
		onConnect: s.onConnect,
		decoder:   s.decoder,
		pipes:     s.pipes,
	}

	for i, w := range s.writes {
		if _, err := s.transport.Write(w.p, stream.Binary, w.done); err != nil {
			est.failed = s.writes[i:]
			est.err = err
			break
		}
	}
	for _, pp := range s.pipes {
		s.transport.Pipe(pp.dst, pp.opts)
	}
	switch {
	case s.destroySoon:
		s.transport.DestroySoon()
	case s.ending:
		_ = s.transport.End(nil, stream.Binary)
	}
	if s.paused {
		s.transport.Pause()
		if len(rest) > 0 {
			s.held = rest
			s.heldPipes = s.pipes
		}
	} else {
		est.rest = rest
	}

	s.log.WithFields(logrus.Fields{
		"target":         s.target.String(),
		"flushed_writes": len(s.writes) - len(est.failed),
		"pipes":          len(s.pipes),
	}).Debug("socks connection established")

	s.writes = nil
	s.pending = 0
	s.pipes = nil
	s.onConnect = nil
	s.request = nil
	return est
}

// finish emits connect and then the payload that arrived together with the
// final reply.
func (est establishment) finish(s *Socket) {
	dropWrites(est.failed, est.err)

	if est.onConnect != nil {
		est.onConnect()
	}
	if est.handler != nil {
		est.handler.OnConnect()
	}
	s.deliverFirst(est.handler, est.decoder, est.pipes, est.rest)
}

// deliverFirst hands p to pipes and h. The transport delivered p before any
// pipe was attached, so pipes get it here.
func (s *Socket) deliverFirst(h stream.Handler, dec *stream.Decoder, pipes []pendingPipe, p []byte) {
	if len(p) == 0 {
		return
	}
	for _, pp := range pipes {
		if _, err := pp.dst.Write(p); err != nil {
			s.log.WithError(err).Debug("pipe write failed")
		}
	}
	if out := dec.Decode(p); h != nil && len(out) > 0 {
		h.OnData(out)
	}
}

// fail ends the attempt with err and tears down the transport.
func (s *Socket) fail(err error) {
	s.mu.Lock()
	if s.state == Failed || s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Failed
	s.hadError = true
	dropped := s.dropPendingLocked()
	h := s.handler
	target := s.target
	s.mu.Unlock()

	s.log.WithError(err).WithField("target", target.String()).Warn("socks negotiation failed")
	dropWrites(dropped, ErrClosed)
	if h != nil {
		h.OnError(err)
	}
	_ = s.transport.Destroy()
}

func (s *Socket) proxyEnded() {
	s.mu.Lock()
	state, h, dec, stg := s.state, s.handler, s.decoder, s.stage
	held, pipes := s.takeHeldLocked()
	s.mu.Unlock()

	switch state {
	case Established:
		s.deliverFirst(h, dec, pipes, held)
		if h == nil {
			return
		}
		if rest := dec.Flush(); len(rest) > 0 {
			h.OnData(rest)
		}
		h.OnEnd()
	case Negotiating:
		s.fail(&socks5.ProtocolError{Stage: socks5.Stage(stg), Msg: "The proxy closed the connection."})
	default:
		if h != nil {
			h.OnEnd()
		}
	}
}

func (s *Socket) drained() {
	s.mu.Lock()
	established := s.state == Established
	s.mu.Unlock()
	if established {
		s.forward(stream.Handler.OnDrain)
	}
}

// transportFailed passes transport errors through unchanged. Before
// establishment they also end the attempt.
func (s *Socket) transportFailed(err error) {
	s.mu.Lock()
	var dropped []pendingWrite
	if s.state == Connecting || s.state == Negotiating {
		s.state = Failed
		dropped = s.dropPendingLocked()
	}
	s.hadError = true
	h := s.handler
	s.mu.Unlock()

	s.log.WithError(err).Debug("transport error")
	dropWrites(dropped, ErrClosed)
	if h != nil {
		h.OnError(err)
	}
}

func (s *Socket) closed(hadError bool) {
	s.mu.Lock()
	if s.state != Failed {
		s.state = Closed
	}
	hadError = hadError || s.hadError
	dropped := s.dropPendingLocked()
	h := s.handler
	s.mu.Unlock()

	s.log.WithField("had_error", hadError).Debug("socket closed")
	dropWrites(dropped, ErrClosed)
	if h != nil {
		h.OnClose(hadError)
	}
}

func (s *Socket) forward(fn func(stream.Handler)) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		fn(h)
	}
}
