// Package proxy implements the local forwarder and its connection plumbing.
//
// A ForwardServer accepts local TCP connections and relays each one to a
// fixed target through a dialer.Dialer, typically a SOCKS5 proxy. Keepalive
// listeners and bidirectional copy live here too.
package proxy
