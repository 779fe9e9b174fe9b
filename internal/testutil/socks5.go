package testutil

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"
)

// StartSOCKS5Server runs a no-auth SOCKS5 proxy that serves CONNECT requests
// until ctx is done or the listener is closed.
func StartSOCKS5Server(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	context.AfterFunc(ctx, func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = HandleSOCKS5Connect(ctx, c)
			}()
		}
	}()

	return ln
}

// HandleSOCKS5Connect serves a single SOCKS5 CONNECT exchange on c and relays
// data until both sides are done.
func HandleSOCKS5Connect(ctx context.Context, c net.Conn) error {
	if _, err := socks5.NewNegotiationRequestFrom(c); err != nil {
		return err
	}
	if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(c); err != nil {
		return err
	}

	req, err := socks5.NewRequestFrom(c)
	if err != nil {
		return err
	}
	if req.Cmd != socks5.CmdConnect {
		WriteSOCKS5Reply(c, socks5.RepCommandNotSupported)
		return nil
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		WriteSOCKS5Reply(c, socks5.RepHostUnreachable)
		return nil
	}
	defer dst.Close()

	a, addr, port, err := socks5.ParseAddress(dst.LocalAddr().String())
	if err != nil {
		return err
	}
	if a == socks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := socks5.NewReply(socks5.RepSuccess, a, addr, port).WriteTo(c); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(dst, c)
		closeWrite(dst)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(c, dst)
		closeWrite(c)
		return err
	})
	return g.Wait()
}

// WriteSOCKS5Reply writes a CONNECT reply with rep and a zero bound address.
func WriteSOCKS5Reply(c net.Conn, rep byte) {
	_, _ = socks5.NewReply(rep, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
}

// ReadSOCKS5Request consumes the greeting, answers no-auth and returns the
// CONNECT request, for tests that script the reply themselves.
func ReadSOCKS5Request(c net.Conn) (*socks5.Request, error) {
	if _, err := socks5.NewNegotiationRequestFrom(c); err != nil {
		return nil, err
	}
	if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(c); err != nil {
		return nil, err
	}
	return socks5.NewRequestFrom(c)
}
