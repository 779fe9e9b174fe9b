// Package dialer provides outbound dialing implementations used by proxysocket.
//
// Dialers implement a small interface (DialContext) and are used by the
// forwarder, the relay and HTTP clients to establish outbound connections
// either directly or through a SOCKS5 proxy.
package dialer
