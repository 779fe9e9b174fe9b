package proxysocket

import (
	"fmt"
	"net"
	"strconv"
)

const (
	DefaultProxyHost = "127.0.0.1"
	DefaultProxyPort = 1080
)

// Endpoint is a host and port. Host may be an IP literal or a name.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) validate() error {
	if e.Host == "" {
		return ErrMissingHost
	}
	if e.Port < 1 || e.Port > 65535 {
		return ErrMissingPort
	}
	return nil
}

// ParseEndpoint splits "host:port". The port may be a service name.
func ParseEndpoint(address string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", address, err)
	}
	if host == "" {
		return Endpoint{}, ErrMissingHost
	}
	if port == "" {
		return Endpoint{}, ErrMissingPort
	}
	n, err := net.LookupPort("tcp", port)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", address, err)
	}

	e := Endpoint{Host: host, Port: n}
	return e, e.validate()
}
