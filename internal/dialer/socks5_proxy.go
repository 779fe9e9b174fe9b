package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/die-net/proxysocket/internal/logging"
	"github.com/die-net/proxysocket/internal/proxysocket"
	"github.com/die-net/proxysocket/internal/resolve"
	"github.com/die-net/proxysocket/internal/stream"
)

// SOCKS5ProxyDialer connects through a SOCKS5 proxy using proxysocket.
type SOCKS5ProxyDialer struct {
	cfg      Config
	proxy    proxysocket.Endpoint
	resolver *resolve.Resolver // nil: the proxy resolves names
	log      logrus.FieldLogger
}

// NewSOCKS5ProxyDialer returns a dialer that leaves name resolution to the
// proxy.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr string) (Dialer, error) {
	d, err := newSOCKS5ProxyDialer(cfg, proxyAddr)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func newSOCKS5ProxyDialer(cfg Config, proxyAddr string) (*SOCKS5ProxyDialer, error) {
	proxy, err := proxysocket.ParseEndpoint(proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy address: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &SOCKS5ProxyDialer{cfg: cfg, proxy: proxy, log: log}, nil
}

// Proxy returns the proxy endpoint.
func (f *SOCKS5ProxyDialer) Proxy() proxysocket.Endpoint { return f.proxy }

// Resolve replaces target's name with an address when this dialer resolves
// locally, and returns target unchanged otherwise.
func (f *SOCKS5ProxyDialer) Resolve(ctx context.Context, target proxysocket.Endpoint) (proxysocket.Endpoint, error) {
	if f.resolver == nil {
		return target, nil
	}
	addr, err := f.resolver.Lookup(ctx, target.Host)
	if err != nil {
		return proxysocket.Endpoint{}, err
	}
	if addr.String() != target.Host {
		f.log.WithFields(logrus.Fields{"host": target.Host, "addr": addr.String()}).Debug("resolved target locally")
	}
	target.Host = addr.String()
	return target, nil
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	target, err := proxysocket.ParseEndpoint(address)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}
	if target, err = f.Resolve(ctx, target); err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.NegotiationTimeout)
		defer cancel()
	}

	t := stream.NewTCPTransport(stream.Config{DialTimeout: f.cfg.DialTimeout, KeepAlive: f.cfg.KeepAlive}, f.log)
	s := proxysocket.New(proxysocket.Options{
		ProxyHost: f.proxy.Host,
		ProxyPort: f.proxy.Port,
		Logger:    f.log,
	}, t)

	c, err := proxysocket.Dial(ctx, s, target)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}
	return c, nil
}
