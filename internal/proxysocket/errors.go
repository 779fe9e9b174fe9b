package proxysocket

import "errors"

var (
	// ErrAlreadyConnected is returned by Connect once the proxy has
	// established the connection.
	ErrAlreadyConnected = errors.New("proxysocket: already connected")

	// ErrAlreadyConnecting is returned by Connect while a connection attempt
	// is in progress.
	ErrAlreadyConnecting = errors.New("proxysocket: already connecting")

	ErrMissingHost = errors.New("proxysocket: target host is required")
	ErrMissingPort = errors.New("proxysocket: target port must be between 1 and 65535")

	// ErrClosed is returned for I/O on a socket that failed or was closed.
	ErrClosed = errors.New("proxysocket: socket is closed")
)
