// Package proxysocket reaches TCP destinations through a SOCKS5 proxy while
// looking like a direct stream to the caller.
//
// A Socket wraps a stream.Transport connected to the proxy. It performs the
// SOCKS5 handshake (no authentication, CONNECT) on that transport and only
// then lets payload through. Writes, pipes, End and the text encoding
// requested before the handshake completes are held back and applied in
// order once the proxy has granted the connection. Socket implements
// stream.Transport itself, so code written against a plain TCP transport
// works unchanged.
//
// Dial wraps the event API in a blocking net.Conn.
package proxysocket
