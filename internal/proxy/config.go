package proxy

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/die-net/proxysocket/internal/dialer"
)

type Config struct {
	KeepAlive net.KeepAliveConfig

	Dialer dialer.Dialer

	// MaxConnRate limits accepted connections per second, with bursts of
	// up to one second's worth. Zero means unlimited.
	MaxConnRate float64

	Logger logrus.FieldLogger
}
