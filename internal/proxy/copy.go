package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays between left and right until both directions have
// finished, one fails or ctx is canceled. Each side is half-closed when the
// other reaches EOF. Both connections are closed on return.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	// Unblock both copies once either fails or ctx is canceled.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		return copyHalf(left, right)
	})

	g.Go(func() error {
		return copyHalf(right, left)
	})

	return g.Wait()
}

func copyHalf(dst, src net.Conn) error {
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)

	if _, err := io.CopyBuffer(dst, src, *buf); err != nil {
		return err
	}
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
