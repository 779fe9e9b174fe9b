package socks5

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/idna"
)

const (
	// Version is the SOCKS protocol version byte.
	Version byte = 0x05

	// MethodNone is the "no authentication required" method.
	MethodNone byte = 0x00

	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect byte = 0x01

	// Address types.
	ATYPIPv4   byte = 0x01
	ATYPDomain byte = 0x03
	ATYPIPv6   byte = 0x04

	reserved byte = 0x00

	// MaxHostLen is the longest domain name a request can carry.
	MaxHostLen = 255
)

var (
	// ErrMissingHost is returned when a request is built for an empty host.
	ErrMissingHost = errors.New("socks5: host must be provided")

	// ErrHostTooLong is returned for domain names that do not fit the one
	// byte length prefix.
	ErrHostTooLong = errors.New("socks5: host name longer than 255 bytes")

	// ErrInvalidPort is returned for ports outside 1..65535.
	ErrInvalidPort = errors.New("socks5: port out of range")
)

// Greeting returns the method selection message, offering only "no
// authentication": 05 01 00.
func Greeting() []byte {
	return []byte{Version, 0x01, MethodNone}
}

// ConnectRequest returns the CONNECT request for host and port.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
//
// IP literals are sent as such; every other host is sent as a domain name and
// resolved by the proxy.
func ConnectRequest(host string, port int) ([]byte, error) {
	if port <= 0 || port > 0xffff {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	b := make([]byte, 0, 4+1+MaxHostLen+2)
	b = append(b, Version, CmdConnect, reserved)

	b, err := AppendAddr(b, host)
	if err != nil {
		return nil, err
	}

	return append(b, byte(port>>8), byte(port)), nil
}

// AppendAddr appends ATYP and DST.ADDR for host to b.
func AppendAddr(b []byte, host string) ([]byte, error) {
	if host == "" {
		return nil, ErrMissingHost
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Is4() {
			a := ip.As4()
			b = append(b, ATYPIPv4)
			return append(b, a[:]...), nil
		}
		// As16 expands any "::" run to the full eight groups.
		a := ip.As16()
		b = append(b, ATYPIPv6)
		return append(b, a[:]...), nil
	}

	name, err := asciiHost(host)
	if err != nil {
		return nil, err
	}
	if len(name) > MaxHostLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrHostTooLong, len(name))
	}

	b = append(b, ATYPDomain, byte(len(name)))
	return append(b, name...), nil
}

func asciiHost(host string) (string, error) {
	for i := 0; i < len(host); i++ {
		if host[i] >= 0x80 {
			name, err := idna.Lookup.ToASCII(host)
			if err != nil {
				return "", fmt.Errorf("socks5: host %q: %w", host, err)
			}
			return name, nil
		}
	}
	return host, nil
}
