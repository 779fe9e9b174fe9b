package proxy

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/die-net/proxysocket/internal/logging"
)

// ForwardServer relays every accepted connection to a fixed target.
type ForwardServer struct {
	ctx    context.Context
	cfg    Config
	target string
	accept *rate.Limiter // nil: unlimited
	log    logrus.FieldLogger
	wg     sync.WaitGroup
}

func NewForwardServer(ctx context.Context, cfg Config, target string) *ForwardServer {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	s := &ForwardServer{
		ctx:    ctx,
		cfg:    cfg,
		target: target,
		log:    log.WithField("target", target),
	}
	if cfg.MaxConnRate > 0 {
		s.accept = rate.NewLimiter(rate.Limit(cfg.MaxConnRate), max(1, int(cfg.MaxConnRate)))
	}
	return s
}

// Serve accepts connections until ln is closed or the server's context is
// done, then waits for active relays to finish. It returns nil after a
// clean shutdown.
func (s *ForwardServer) Serve(ln net.Listener) error {
	stop := context.AfterFunc(s.ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()

	s.log.WithField("listen", ln.Addr().String()).Info("forwarding")
	for {
		if s.accept != nil {
			if err := s.accept.Wait(s.ctx); err != nil {
				return nil
			}
		}
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Go(func() { s.handleConn(c) })
	}
}

func (s *ForwardServer) handleConn(conn net.Conn) {
	defer conn.Close()

	log := s.log.WithField("client", conn.RemoteAddr().String())

	up, err := s.cfg.Dialer.DialContext(s.ctx, "tcp", s.target)
	if err != nil {
		log.WithError(err).Warn("upstream dial failed")
		return
	}

	log.Debug("relaying")
	if err := CopyBidirectional(s.ctx, conn, up); err != nil && !errors.Is(err, net.ErrClosed) {
		log.WithError(err).Debug("relay ended with error")
	}
}
