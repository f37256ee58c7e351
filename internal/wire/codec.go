// Package wire implements the framed control-message codec and the fixed
// binary layout of ping datagrams described in the protocol design. Two
// channels exist per test: a length-prefixed reliable channel carrying
// Message values, and an unreliable datagram channel carrying PingFrame
// values with no length prefix (the frame is fixed-size).
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrUnknownTag is returned when a frame's tag byte doesn't match any known
// Message variant. It is always fatal (protocol violation).
var ErrUnknownTag = errors.New("wire: unknown message tag")

// ErrTruncated is returned when a message body is the wrong length for its
// tag.
var ErrTruncated = errors.New("wire: truncated message")

// ErrFrameTooLarge guards against a corrupt or hostile length prefix causing
// an unbounded allocation.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// MaxFrameSize bounds a single control frame's payload.
const MaxFrameSize = 16 << 20

// Codec encodes/decodes control messages. Stateless and safe for concurrent
// use.
type Codec struct{}

// Encode packs a single message into its wire representation:
// u32 BE length | tag byte | body.
func (c *Codec) Encode(m Message) []byte {
	var buf bytes.Buffer
	_, _ = c.EncodeTo(&buf, m)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of m to w and returns the number
// of bytes written.
func (c *Codec) EncodeTo(w io.Writer, m Message) (int, error) {
	var body bytes.Buffer
	body.WriteByte(byte(m.Tag()))
	m.encodeBody(&body)

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(body.Len()))

	total := 0
	n, err := w.Write(lenPrefix[:])
	total += n
	if err != nil {
		return total, fmt.Errorf("wire encode length: %w", err)
	}
	n, err = w.Write(body.Bytes())
	total += n
	if err != nil {
		return total, fmt.Errorf("wire encode body: %w", err)
	}
	return total, nil
}

// Decode reads exactly one framed message from r.
func (c *Codec) Decode(r io.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty frame (missing tag byte)", ErrTruncated)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("wire decode: %w", ErrTruncated)
		}
		return nil, err
	}
	msg, err := newByTag(MsgTag(body[0]))
	if err != nil {
		return nil, err
	}
	if err := msg.decodeBody(body[1:]); err != nil {
		return nil, err
	}
	return msg, nil
}
