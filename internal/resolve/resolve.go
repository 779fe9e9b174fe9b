// Package resolve looks up target names on the client side, for proxies
// that are given addresses rather than names.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// ErrNoAddress is returned when a name has neither A nor AAAA records.
var ErrNoAddress = errors.New("resolve: no address records")

// Resolver queries one DNS server directly, or the system resolver when no
// server is configured.
type Resolver struct {
	server string
	client *dns.Client
}

// New returns a Resolver that sends queries to server ("host:port"). An
// empty server uses the system resolver.
func New(server string, timeout time.Duration) *Resolver {
	if server == "" {
		return &Resolver{}
	}
	return &Resolver{server: server, client: &dns.Client{Timeout: timeout}}
}

// FromResolvConf returns a Resolver for the first nameserver in a
// resolv.conf file.
func FromResolvConf(path string, timeout time.Duration) (*Resolver, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("read %s: no nameservers", path)
	}
	return New(net.JoinHostPort(cfg.Servers[0], cfg.Port), timeout), nil
}

// Server returns the queried server, or "" for the system resolver.
func (r *Resolver) Server() string { return r.server }

// Lookup returns one address for host, preferring IPv4. IP literals are
// returned as they are.
func (r *Resolver) Lookup(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}

	name, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}

	if r.client == nil {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", name)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
		}
		return pick(addrs, host)
	}

	var addrs []netip.Addr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := r.exchange(ctx, name, qtype)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
		}
		addrs = append(addrs, found...)
		if len(addrs) > 0 {
			break
		}
	}
	return pick(addrs, host)
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, err
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("%s query: %s", dns.TypeToString[qtype], dns.RcodeToString[in.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range in.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, addr.Unmap())
		}
	}
	return addrs, nil
}

func pick(addrs []netip.Addr, host string) (netip.Addr, error) {
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0], nil
	}
	return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, ErrNoAddress)
}
