package socks5

import (
	"errors"
	"fmt"
)

// Reply codes sent by the proxy in response to CONNECT.
const (
	RepSuccess             byte = 0x00
	RepServerFailure       byte = 0x01
	RepNotAllowed          byte = 0x02
	RepNetworkUnreachable  byte = 0x03
	RepHostUnreachable     byte = 0x04
	RepConnectionRefused   byte = 0x05
	RepTTLExpired          byte = 0x06
	RepCommandNotSupported byte = 0x07
	RepAddressNotSupported byte = 0x08
)

var replyReasons = [...]string{
	RepSuccess:             "request granted",
	RepServerFailure:       "general failure",
	RepNotAllowed:          "connection not allowed by ruleset",
	RepNetworkUnreachable:  "network unreachable",
	RepHostUnreachable:     "host unreachable",
	RepConnectionRefused:   "connection refused by destination host",
	RepTTLExpired:          "TTL expired",
	RepCommandNotSupported: "command not supported / protocol error",
	RepAddressNotSupported: "address type not supported",
}

// ReplyReason describes a CONNECT reply code.
func ReplyReason(code byte) string {
	if int(code) < len(replyReasons) {
		return replyReasons[code]
	}
	return fmt.Sprintf("unknown reply code 0x%02x", code)
}

// ErrTransportWrite is returned when the transport refuses a handshake write.
var ErrTransportWrite = errors.New("socks5: unable to write to proxy socket")

// Stage identifies the handshake reply a ProtocolError was found in.
type Stage int

const (
	StageAuth Stage = iota
	StageConnect
)

func (s Stage) String() string {
	switch s {
	case StageAuth:
		return "authentication"
	case StageConnect:
		return "connection"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// ProtocolError reports malformed or unexpected handshake bytes.
type ProtocolError struct {
	Stage Stage
	Msg   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("SOCKS %s failed. %s", e.Stage, e.Msg)
}

// ReplyError reports a CONNECT request rejected by the proxy.
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	return "SOCKS connection failed. " + e.Reason() + "."
}

// Reason returns the human readable rejection reason.
func (e *ReplyError) Reason() string {
	return ReplyReason(e.Code)
}

// ParseAuthReply parses the method selection reply at the start of b.
//
// It returns the number of bytes the reply occupies, or 0 if b does not hold
// the whole reply yet. Bytes that are present are validated immediately.
func ParseAuthReply(b []byte) (int, error) {
	if len(b) >= 1 && b[0] != Version {
		return 0, &ProtocolError{StageAuth, fmt.Sprintf("Unexpected SOCKS version number: %d.", b[0])}
	}
	if len(b) < 2 {
		return 0, nil
	}
	if b[1] != MethodNone {
		return 0, &ProtocolError{StageAuth, fmt.Sprintf("Unexpected SOCKS authentication method: %d.", b[1])}
	}
	return 2, nil
}

// ParseConnectReply parses the CONNECT reply at the start of b, with the same
// contract as ParseAuthReply.
//
// Only VER, REP and RSV are checked; BND.ADDR and BND.PORT are skipped.
func ParseConnectReply(b []byte) (int, error) {
	if len(b) >= 1 && b[0] != Version {
		return 0, &ProtocolError{StageConnect, fmt.Sprintf("Unexpected SOCKS version number: %d.", b[0])}
	}
	if len(b) >= 2 && b[1] != RepSuccess {
		return 0, &ReplyError{Code: b[1]}
	}
	if len(b) >= 3 && b[2] != reserved {
		return 0, &ProtocolError{StageConnect, "The reserved byte must be 0x00."}
	}
	if len(b) < 4 {
		return 0, nil
	}

	var addrLen int
	switch b[3] {
	case ATYPIPv4:
		addrLen = 4
	case ATYPIPv6:
		addrLen = 16
	case ATYPDomain:
		if len(b) < 5 {
			return 0, nil
		}
		addrLen = 1 + int(b[4])
	default:
		return 0, &ProtocolError{StageConnect, fmt.Sprintf("Unexpected address type: %d.", b[3])}
	}

	n := 4 + addrLen + 2
	if len(b) < n {
		return 0, nil
	}
	return n, nil
}
