package dialer

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	DialTimeout time.Duration
	// NegotiationTimeout bounds the SOCKS5 handshake, including the TCP
	// connect to the proxy. Zero means no limit beyond the caller's context.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
	// DNSServer ("host:port") answers lookups for socks5:// proxies, which
	// resolve target names locally. Empty uses the system resolver.
	DNSServer string
	Logger    logrus.FieldLogger
}
