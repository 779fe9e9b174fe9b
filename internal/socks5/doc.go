// Package socks5 encodes the client side of the SOCKS5 CONNECT handshake and
// parses the proxy's replies.
//
// It knows nothing about sockets: callers feed it the bytes received so far and
// it reports how many of them belong to the reply being parsed, so a reply
// split across several reads is handled by simply calling again with more
// bytes.
//
// Only the "no authentication" method and the CONNECT command are supported.
package socks5
