package proxysocket

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/proxysocket/internal/socks5"
	"github.com/die-net/proxysocket/internal/stream"
	"github.com/die-net/proxysocket/internal/testutil"
)

func proxyOptions(t *testing.T, ln net.Listener) Options {
	t.Helper()
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Options{ProxyHost: host, ProxyPort: n}
}

func endpointOf(t *testing.T, ln net.Listener) Endpoint {
	t.Helper()
	e, err := ParseEndpoint(ln.Addr().String())
	require.NoError(t, err)
	return e
}

func TestDialEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()
	proxy := testutil.StartSOCKS5Server(t, ctx)

	s := New(proxyOptions(t, proxy), stream.NewTCPTransport(stream.Config{DialTimeout: time.Second}, nil))
	c, err := Dial(ctx, s, endpointOf(t, echo))
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, Established, s.State())
	require.Equal(t, proxy.Addr().String(), c.RemoteAddr().String())
	require.NotNil(t, c.LocalAddr())

	testutil.AssertEcho(t, c, c, []byte("hello through socks"))
	testutil.AssertEcho(t, c, c, make([]byte, 100*1024))

	require.NoError(t, c.CloseWrite())
	rest, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Empty(t, rest)
}

// countingTransport records flow-control calls made on a real transport.
type countingTransport struct {
	*stream.TCPTransport
	pauses  atomic.Int32
	resumes atomic.Int32
}

func (c *countingTransport) Pause() {
	c.pauses.Add(1)
	c.TCPTransport.Pause()
}

func (c *countingTransport) Resume() {
	c.resumes.Add(1)
	c.TCPTransport.Resume()
}

func TestConnReadBackpressure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()
	proxy := testutil.StartSOCKS5Server(t, ctx)

	ct := &countingTransport{TCPTransport: stream.NewTCPTransport(stream.Config{}, nil)}
	s := New(proxyOptions(t, proxy), ct)
	c, err := Dial(ctx, s, endpointOf(t, echo))
	require.NoError(t, err)
	defer c.Close()

	payload := make([]byte, 2*defaultMaxBuffered)
	for i := range payload {
		payload[i] = byte(i)
	}
	writeErr := make(chan error, 1)
	go func() {
		_, err := c.Write(payload)
		writeErr <- err
	}()

	// Nothing reads yet, so the echoed bytes pile up until the Conn pauses.
	require.Eventually(t, func() bool { return ct.pauses.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	c.mu.Lock()
	buffered := c.buf.Len()
	c.mu.Unlock()
	require.GreaterOrEqual(t, buffered, defaultMaxBuffered)
	require.Zero(t, ct.resumes.Load())

	got := make([]byte, len(payload))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.NoError(t, <-writeErr)
	require.GreaterOrEqual(t, ct.resumes.Load(), int32(1))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.False(t, c.paused)
}

func TestConnWriteDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()
	proxy := testutil.StartSOCKS5Server(t, ctx)

	s := New(proxyOptions(t, proxy), nil)
	c, err := Dial(ctx, s, endpointOf(t, echo))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetWriteDeadline(time.Now().Add(-time.Second)))
	_, err = c.Write([]byte("late"))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	require.True(t, nerr.Timeout())

	// SetDeadline covers writes too; clearing it makes writes work again.
	require.NoError(t, c.SetDeadline(time.Now().Add(-time.Second)))
	_, err = c.Write([]byte("late"))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)

	require.NoError(t, c.SetDeadline(time.Time{}))
	testutil.AssertEcho(t, c, c, []byte("on time"))
}

func TestDialRefused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxy, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if _, err := testutil.ReadSOCKS5Request(c); err != nil {
			return
		}
		testutil.WriteSOCKS5Reply(c, socks5.RepConnectionRefused)
	})
	defer wait()

	s := New(proxyOptions(t, proxy), nil)
	_, err := Dial(ctx, s, Endpoint{Host: "example.com", Port: 80})

	var rerr *socks5.ReplyError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "SOCKS connection failed. connection refused by destination host.", err.Error())
	require.Equal(t, Failed, s.State())
}

func TestDialSendsDomainRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gotAddr := make(chan string, 1)
	proxy, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		req, err := testutil.ReadSOCKS5Request(c)
		if err != nil {
			gotAddr <- err.Error()
			return
		}
		gotAddr <- req.Address()
		testutil.WriteSOCKS5Reply(c, socks5.RepSuccess)
		_, _ = c.Write([]byte("banner"))
	})
	defer wait()

	s := New(proxyOptions(t, proxy), nil)
	c, err := Dial(ctx, s, Endpoint{Host: "bücher.example", Port: 8080})
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, "xn--bcher-kva.example:8080", <-gotAddr)

	buf := make([]byte, 6)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, "banner", string(buf))
}

func TestDialContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A proxy that accepts and never answers.
	proxy, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})
	defer wait()

	dialCtx, dialCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer dialCancel()

	s := New(proxyOptions(t, proxy), nil)
	_, err := Dial(dialCtx, s, Endpoint{Host: "example.com", Port: 80})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, Closed, s.State())
}

func TestDialProxyUnreachable(t *testing.T) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	opts := proxyOptions(t, ln)
	require.NoError(t, ln.Close())

	s := New(opts, nil)
	_, err = Dial(context.Background(), s, Endpoint{Host: "example.com", Port: 80})
	require.Error(t, err)
	var opErr *net.OpError
	require.True(t, errors.As(err, &opErr), "got %v", err)
}

func TestConnReadDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxy, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if _, err := testutil.ReadSOCKS5Request(c); err != nil {
			return
		}
		testutil.WriteSOCKS5Reply(c, socks5.RepSuccess)
		_, _ = io.Copy(io.Discard, c)
	})
	defer wait()

	s := New(proxyOptions(t, proxy), nil)
	c, err := Dial(ctx, s, Endpoint{Host: "192.0.2.1", Port: 80})
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	require.True(t, nerr.Timeout())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, net.ErrClosed)
	_, err = c.Write([]byte("x"))
	require.ErrorIs(t, err, net.ErrClosed)
}
