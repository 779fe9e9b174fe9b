package stream

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type event struct {
	kind     string
	data     []byte
	err      error
	hadError bool
}

type recorder struct {
	ch chan event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan event, 256)}
}

func (r *recorder) OnConnect()            { r.ch <- event{kind: "connect"} }
func (r *recorder) OnData(p []byte)       { r.ch <- event{kind: "data", data: append([]byte(nil), p...)} }
func (r *recorder) OnEnd()                { r.ch <- event{kind: "end"} }
func (r *recorder) OnTimeout()            { r.ch <- event{kind: "timeout"} }
func (r *recorder) OnDrain()              { r.ch <- event{kind: "drain"} }
func (r *recorder) OnError(err error)     { r.ch <- event{kind: "error", err: err} }
func (r *recorder) OnClose(hadError bool) { r.ch <- event{kind: "close", hadError: hadError} }

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return event{}
	}
}

func (r *recorder) expect(t *testing.T, kind string) event {
	t.Helper()
	e := r.next(t)
	require.Equal(t, kind, e.kind, "event %+v", e)
	return e
}

// readData collects consecutive data events until n bytes arrived.
func (r *recorder) readData(t *testing.T, n int) []byte {
	t.Helper()
	var out []byte
	for len(out) < n {
		e := r.expect(t, "data")
		out = append(out, e.data...)
	}
	return out
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func accept(t *testing.T, ln net.Listener) <-chan net.Conn {
	t.Helper()
	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(ch)
			return
		}
		ch <- c
	}()
	return ch
}

func TestTCPTransportWriteBeforeConnect(t *testing.T) {
	ln := listen(t)
	accepted := accept(t, ln)

	tr := NewTCPTransport(Config{DialTimeout: time.Second}, nil)
	defer tr.Destroy()
	rec := newRecorder()
	tr.SetHandler(rec)

	type completion struct {
		name string
		err  error
	}
	done := make(chan completion, 2)
	for _, s := range []string{"one", "two"} {
		ok, err := tr.Write([]byte(s), Binary, func(err error) {
			done <- completion{s, err}
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, 6, tr.BufferSize())

	require.NoError(t, tr.Connect(context.Background(), ln.Addr().String()))
	rec.expect(t, "connect")

	c := <-accepted
	require.NotNil(t, c)
	defer c.Close()

	buf := make([]byte, 6)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, "onetwo", string(buf))

	_, err = c.Write([]byte("reply"))
	require.NoError(t, err)
	require.Equal(t, "reply", string(rec.readData(t, 5)))

	for _, want := range []string{"one", "two"} {
		got := <-done
		require.NoError(t, got.err)
		require.Equal(t, want, got.name)
	}

	require.Equal(t, ln.Addr().String(), tr.RemoteAddr().String())
	require.NotNil(t, tr.LocalAddr())
}

func TestTCPTransportConnectTwice(t *testing.T) {
	ln := listen(t)
	accept(t, ln)

	tr := NewTCPTransport(Config{}, nil)
	defer tr.Destroy()

	require.NoError(t, tr.Connect(context.Background(), ln.Addr().String()))
	require.ErrorIs(t, tr.Connect(context.Background(), ln.Addr().String()), ErrAlreadyConnected)
}

func TestTCPTransportPeerEnd(t *testing.T) {
	ln := listen(t)
	accepted := accept(t, ln)

	tr := NewTCPTransport(Config{}, nil)
	rec := newRecorder()
	tr.SetHandler(rec)

	var piped bytes.Buffer
	pr, pw := io.Pipe()
	tr.Pipe(pw, PipeOptions{})
	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		_, _ = io.Copy(&piped, pr)
	}()

	require.NoError(t, tr.Connect(context.Background(), ln.Addr().String()))
	rec.expect(t, "connect")

	c := <-accepted
	_, err := c.Write([]byte("bye"))
	require.NoError(t, err)
	require.Equal(t, "bye", string(rec.readData(t, 3)))
	require.NoError(t, c.(*net.TCPConn).CloseWrite())

	rec.expect(t, "end")
	e := rec.expect(t, "close")
	require.False(t, e.hadError)

	// Our side was ended automatically.
	rest, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Empty(t, rest)
	_ = c.Close()

	<-pipeDone
	require.Equal(t, "bye", piped.String())

	_, err = tr.Write([]byte("late"), Binary, nil)
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestTCPTransportEndHalfCloses(t *testing.T) {
	ln := listen(t)
	accepted := accept(t, ln)

	tr := NewTCPTransport(Config{}, nil)
	defer tr.Destroy()
	rec := newRecorder()
	tr.SetHandler(rec)

	require.NoError(t, tr.Connect(context.Background(), ln.Addr().String()))
	require.NoError(t, tr.End([]byte("6869"), Hex))
	rec.expect(t, "connect")

	c := <-accepted
	defer c.Close()
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "hi", string(got))

	// Still readable after our half-close.
	_, err = c.Write([]byte("ok"))
	require.NoError(t, err)
	require.Equal(t, "ok", string(rec.readData(t, 2)))
}

func TestTCPTransportDialError(t *testing.T) {
	ln := listen(t)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tr := NewTCPTransport(Config{DialTimeout: time.Second}, nil)
	rec := newRecorder()
	tr.SetHandler(rec)

	var doneErr error
	doneCalled := make(chan struct{})
	_, err := tr.Write([]byte("queued"), Binary, func(err error) {
		doneErr = err
		close(doneCalled)
	})
	require.NoError(t, err)

	require.NoError(t, tr.Connect(context.Background(), addr))

	<-doneCalled
	require.ErrorIs(t, doneErr, net.ErrClosed)
	e := rec.expect(t, "error")
	require.Error(t, e.err)
	e = rec.expect(t, "close")
	require.True(t, e.hadError)
}

func TestTCPTransportHighWaterMark(t *testing.T) {
	ln := listen(t)
	accepted := accept(t, ln)

	tr := NewTCPTransport(Config{HighWaterMark: 4}, nil)
	defer tr.Destroy()
	rec := newRecorder()
	tr.SetHandler(rec)

	ok, err := tr.Write([]byte("ab"), Binary, nil)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tr.Write([]byte("cd"), Binary, nil)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tr.Connect(context.Background(), ln.Addr().String()))
	rec.expect(t, "connect")
	c := <-accepted
	defer c.Close()

	rec.expect(t, "drain")
	require.Equal(t, 0, tr.BufferSize())
}

func TestTCPTransportTimeout(t *testing.T) {
	ln := listen(t)
	accepted := accept(t, ln)

	tr := NewTCPTransport(Config{}, nil)
	defer tr.Destroy()
	rec := newRecorder()
	tr.SetHandler(rec)

	require.NoError(t, tr.Connect(context.Background(), ln.Addr().String()))
	rec.expect(t, "connect")
	c := <-accepted
	defer c.Close()

	tr.SetTimeout(20 * time.Millisecond)
	rec.expect(t, "timeout")
}

func TestTCPTransportSetEncoding(t *testing.T) {
	ln := listen(t)
	accepted := accept(t, ln)

	tr := NewTCPTransport(Config{}, nil)
	defer tr.Destroy()
	rec := newRecorder()
	tr.SetHandler(rec)
	tr.SetEncoding(Hex)

	require.NoError(t, tr.Connect(context.Background(), ln.Addr().String()))
	rec.expect(t, "connect")
	c := <-accepted
	defer c.Close()

	_, err := c.Write([]byte{0xca, 0xfe})
	require.NoError(t, err)
	require.Equal(t, "cafe", string(rec.readData(t, 4)))
}

func TestTCPTransportDestroy(t *testing.T) {
	tr := NewTCPTransport(Config{}, nil)
	rec := newRecorder()
	tr.SetHandler(rec)

	require.NoError(t, tr.Destroy())
	e := rec.expect(t, "close")
	require.False(t, e.hadError)

	require.ErrorIs(t, tr.Connect(context.Background(), "127.0.0.1:1"), net.ErrClosed)
	require.ErrorIs(t, tr.End(nil, Binary), net.ErrClosed)
}

func TestTCPTransportPauseHoldsReads(t *testing.T) {
	ln := listen(t)
	accepted := accept(t, ln)

	tr := NewTCPTransport(Config{}, nil)
	defer tr.Destroy()
	rec := newRecorder()
	tr.SetHandler(rec)
	tr.Pause()

	require.NoError(t, tr.Connect(context.Background(), ln.Addr().String()))
	rec.expect(t, "connect")
	c := <-accepted
	defer c.Close()

	_, err := c.Write([]byte("held"))
	require.NoError(t, err)

	select {
	case e := <-rec.ch:
		t.Fatalf("got %s event while paused", e.kind)
	case <-time.After(100 * time.Millisecond):
	}

	tr.Resume()
	require.Equal(t, "held", string(rec.readData(t, 4)))
}
