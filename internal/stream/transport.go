// Package stream defines the event-driven duplex stream used by proxysocket and
// a TCP implementation of it.
//
// A Transport never blocks its caller: Connect dials in the background, Write
// queues, and everything that happens later is reported to the Handler. All
// Handler methods of one Transport are invoked from a single goroutine, one at
// a time, in the order the events occurred.
package stream

import (
	"context"
	"io"
	"net"
	"time"
)

// Handler receives notifications from a Transport.
type Handler interface {
	// OnConnect is called once the stream is ready for payload.
	OnConnect()
	// OnData delivers inbound bytes. p is only valid during the call.
	OnData(p []byte)
	// OnEnd is called when the peer has finished sending.
	OnEnd()
	// OnTimeout is called when the stream has been idle for the duration
	// passed to SetTimeout. The stream stays open.
	OnTimeout()
	// OnDrain is called when the write queue empties after Write returned
	// false.
	OnDrain()
	// OnError reports a fatal error. OnClose follows.
	OnError(err error)
	// OnClose is the last notification.
	OnClose(hadError bool)
}

// PipeOptions configures Pipe.
type PipeOptions struct {
	// KeepOpen leaves the destination open when the stream ends. By default
	// a destination implementing io.Closer is closed.
	KeepOpen bool
}

// Transport is a duplex byte stream with asynchronous notifications.
type Transport interface {
	SetHandler(h Handler)

	// Connect starts connecting to address and returns immediately. ctx
	// bounds only the connection attempt.
	Connect(ctx context.Context, address string) error

	// Write queues p, encoded in enc, for sending. done, if non-nil, is called
	// once p has been written or dropped. The boolean is false when the
	// caller should wait for OnDrain before writing more.
	Write(p []byte, enc Encoding, done func(error)) (bool, error)

	// Pipe copies all inbound bytes to dst in addition to OnData.
	Pipe(dst io.Writer, opts PipeOptions)

	// End writes p, if any, then half-closes the stream.
	End(p []byte, enc Encoding) error

	// SetEncoding makes OnData deliver text in enc instead of raw bytes.
	SetEncoding(enc Encoding)

	SetTimeout(d time.Duration)
	SetNoDelay(noDelay bool) error
	SetKeepAlive(cfg net.KeepAliveConfig) error
	Pause()
	Resume()

	// Destroy closes the stream immediately, dropping queued writes.
	Destroy() error
	// DestroySoon closes the stream once queued writes are flushed.
	DestroySoon()

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// BufferSize is the number of queued bytes not yet written.
	BufferSize() int
}

// HandlerFuncs adapts optional functions to a Handler. Nil fields ignore the
// event.
type HandlerFuncs struct {
	Connect func()
	Data    func(p []byte)
	End     func()
	Timeout func()
	Drain   func()
	Error   func(err error)
	Close   func(hadError bool)
}

func (h HandlerFuncs) OnConnect() {
	if h.Connect != nil {
		h.Connect()
	}
}

func (h HandlerFuncs) OnData(p []byte) {
	if h.Data != nil {
		h.Data(p)
	}
}

func (h HandlerFuncs) OnEnd() {
	if h.End != nil {
		h.End()
	}
}

func (h HandlerFuncs) OnTimeout() {
	if h.Timeout != nil {
		h.Timeout()
	}
}

func (h HandlerFuncs) OnDrain() {
	if h.Drain != nil {
		h.Drain()
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

func (h HandlerFuncs) OnClose(hadError bool) {
	if h.Close != nil {
		h.Close(hadError)
	}
}
