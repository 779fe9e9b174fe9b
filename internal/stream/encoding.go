package stream

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encoding names how payload text is represented. The zero value is Binary.
type Encoding string

const (
	Binary Encoding = ""
	UTF8   Encoding = "utf8"
	Latin1 Encoding = "latin1"
	Hex    Encoding = "hex"
	Base64 Encoding = "base64"
)

// ParseEncoding accepts the encoding names understood by the CLI.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "binary", "buffer":
		return Binary, nil
	case "utf8", "utf-8":
		return UTF8, nil
	case "latin1", "iso-8859-1", "iso8859-1":
		return Latin1, nil
	case "hex":
		return Hex, nil
	case "base64":
		return Base64, nil
	default:
		return Binary, fmt.Errorf("unknown encoding %q", s)
	}
}

func (e Encoding) String() string {
	if e == Binary {
		return "binary"
	}
	return string(e)
}

// Decode converts p, written in e, to the bytes to put on the wire.
func (e Encoding) Decode(p []byte) ([]byte, error) {
	switch e {
	case Binary, UTF8:
		return p, nil
	case Latin1:
		b, _, err := transform.Bytes(charmap.ISO8859_1.NewEncoder(), p)
		if err != nil {
			return nil, fmt.Errorf("latin1: %w", err)
		}
		return b, nil
	case Hex:
		b := make([]byte, hex.DecodedLen(len(p)))
		n, err := hex.Decode(b, p)
		if err != nil {
			return nil, fmt.Errorf("hex: %w", err)
		}
		return b[:n], nil
	case Base64:
		b := make([]byte, base64.StdEncoding.DecodedLen(len(p)))
		n, err := base64.StdEncoding.Decode(b, p)
		if err != nil {
			return nil, fmt.Errorf("base64: %w", err)
		}
		return b[:n], nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", string(e))
	}
}

// NewDecoder returns a decoder turning inbound bytes into text in e, or nil
// for Binary.
func (e Encoding) NewDecoder() *Decoder {
	switch e {
	case UTF8:
		return &Decoder{enc: e, t: unicode.UTF8.NewDecoder()}
	case Latin1:
		return &Decoder{enc: e, t: charmap.ISO8859_1.NewDecoder()}
	case Hex, Base64:
		return &Decoder{enc: e}
	default:
		return nil
	}
}

// Decoder converts a byte stream to text chunk by chunk. Multi-byte sequences
// split across chunks are held back until they are complete. A nil *Decoder
// passes bytes through.
type Decoder struct {
	enc     Encoding
	t       transform.Transformer
	pending []byte
}

// Decode returns the text for p.
func (d *Decoder) Decode(p []byte) []byte {
	if d == nil {
		return p
	}

	switch d.enc {
	case Hex:
		out := make([]byte, hex.EncodedLen(len(p)))
		hex.Encode(out, p)
		return out
	case Base64:
		src := append(d.pending, p...)
		n := len(src) - len(src)%3
		out := make([]byte, base64.StdEncoding.EncodedLen(n))
		base64.StdEncoding.Encode(out, src[:n])
		d.pending = append([]byte(nil), src[n:]...)
		return out
	default:
		return d.transform(p, false)
	}
}

// Flush returns whatever text is still held back. It is called when the
// stream ends.
func (d *Decoder) Flush() []byte {
	if d == nil {
		return nil
	}

	switch d.enc {
	case Hex:
		return nil
	case Base64:
		if len(d.pending) == 0 {
			return nil
		}
		out := []byte(base64.StdEncoding.EncodeToString(d.pending))
		d.pending = nil
		return out
	default:
		return d.transform(nil, true)
	}
}

func (d *Decoder) transform(p []byte, atEOF bool) []byte {
	src := append(d.pending, p...)
	d.pending = nil

	var out []byte
	buf := make([]byte, 3*len(src)+utf8.UTFMax)
	for {
		nDst, nSrc, err := d.t.Transform(buf, src, atEOF)
		out = append(out, buf[:nDst]...)
		src = src[nSrc:]

		switch err {
		case nil:
			return out
		case transform.ErrShortSrc:
			d.pending = append([]byte(nil), src...)
			return out
		case transform.ErrShortDst:
			if nDst == 0 && nSrc == 0 {
				buf = make([]byte, 2*len(buf))
			}
		default:
			// Neither decoder reports other errors; invalid input becomes
			// U+FFFD.
			return out
		}
	}
}
