// Package relay copies between a reader/writer pair and a proxysocket.Socket
// in the manner of netcat.
package relay

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/muesli/cancelreader"
	"github.com/sirupsen/logrus"

	"github.com/die-net/proxysocket/internal/logging"
	"github.com/die-net/proxysocket/internal/proxysocket"
	"github.com/die-net/proxysocket/internal/stream"
)

const readBufferSize = 32 * 1024

type Options struct {
	// Encoding, when not Binary, writes payload to the output as text in
	// that encoding instead of raw bytes.
	Encoding stream.Encoding

	Logger logrus.FieldLogger
}

// Input wraps f so that a read blocked in Run can be interrupted once the
// relay is over. Files that cannot be polled are returned as they are.
func Input(f *os.File) io.Reader {
	cr, err := cancelreader.NewReader(f)
	if err != nil {
		return f
	}
	return cr
}

// Run connects s to target and relays in to the socket and the socket to
// out until the socket closes or ctx is done. Input is sent from the start,
// before the proxy has answered; the socket holds it back until the
// connection is established. EOF on in half-closes the socket.
//
// Run cancels a blocked in.Read on return when in has a Cancel method, as
// readers from Input do. It never waits for in.Read to return.
func Run(ctx context.Context, s *proxysocket.Socket, target proxysocket.Endpoint, in io.Reader, out io.Writer, opts Options) error {
	if c, ok := in.(interface{ Cancel() bool }); ok {
		defer c.Cancel()
	}

	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	log = log.WithFields(logrus.Fields{"conn": s.ID(), "target": target.String()})

	var (
		mu       sync.Mutex
		firstErr error
		outErr   error
	)
	closed := make(chan struct{})

	h := stream.HandlerFuncs{
		Connect: func() { log.Info("connected") },
		End:     func() { log.Debug("remote finished sending") },
		Error: func(err error) {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		},
		Close: func(hadError bool) {
			log.WithField("had_error", hadError).Debug("closed")
			close(closed)
		},
	}
	if opts.Encoding == stream.Binary {
		s.Pipe(out, stream.PipeOptions{KeepOpen: true})
	} else {
		s.SetEncoding(opts.Encoding)
		h.Data = func(p []byte) {
			if _, err := out.Write(p); err != nil {
				mu.Lock()
				outErr = err
				mu.Unlock()
				_ = s.Destroy()
			}
		}
	}
	s.SetHandler(h)

	if err := s.ConnectTarget(ctx, target, nil); err != nil {
		_ = s.Destroy()
		return err
	}

	go pump(s, in, closed, log)

	select {
	case <-closed:
	case <-ctx.Done():
		_ = s.Destroy()
		<-closed
		return ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(firstErr, outErr)
}

// pump writes in to s one chunk at a time, waiting for each write to finish
// so that a slow proxy bounds how much input is buffered.
func pump(s *proxysocket.Socket, in io.Reader, closed <-chan struct{}, log logrus.FieldLogger) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			written := make(chan error, 1)
			if _, werr := s.Write(buf[:n], stream.Binary, func(err error) { written <- err }); werr != nil {
				return
			}
			select {
			case werr := <-written:
				if werr != nil {
					return
				}
			case <-closed:
				return
			}
		}
		if err != nil {
			if errors.Is(err, cancelreader.ErrCanceled) {
				return
			}
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Warn("input read failed")
			}
			_ = s.End(nil, stream.Binary)
			return
		}
	}
}
