package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/die-net/proxysocket/internal/proxysocket"
	"github.com/die-net/proxysocket/internal/resolve"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New parses upstream and constructs the appropriate outbound Dialer.
//
// Supported schemes:
//   - direct://
//   - socks5://host[:port]
//   - socks5h://host[:port]
//
// socks5:// resolves target names locally and sends the proxy an address;
// socks5h:// sends the name and leaves resolution to the proxy. The port
// defaults to 1080. Credentials are rejected since only the no-authentication method
// is supported.
func New(cfg Config, upstream string) (Dialer, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}

	switch u.Scheme {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "direct":
		return NewDirectDialer(cfg), nil
	case "socks5", "socks5h":
		if u.User != nil {
			return nil, errors.New("invalid url: socks5 authentication is not supported")
		}
		host := u.Hostname()
		if host == "" {
			return nil, errors.New("invalid url: missing host")
		}
		port := u.Port()
		if port == "" {
			port = strconv.Itoa(proxysocket.DefaultProxyPort)
		}
		d, err := newSOCKS5ProxyDialer(cfg, net.JoinHostPort(host, port))
		if err != nil {
			return nil, err
		}
		if u.Scheme == "socks5" {
			d.resolver = resolve.New(cfg.DNSServer, cfg.DialTimeout)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}
