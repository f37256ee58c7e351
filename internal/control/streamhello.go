package control

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/crusader-labs/lull/internal/wire"

	"github.com/google/uuid"
)

// connKind is the single byte every freshly dialed connection starts with,
// distinguishing the one control connection from the many bulk-stream
// connections sharing the same listener, since the server's accept loop has
// no other way to tell them apart before reading further.
type connKind byte

const (
	kindControl connKind = 'C'
	kindStream  connKind = 'S'
)

// KindControlByte and KindStreamByte let internal/lullserver's demux switch
// on the same leading byte without importing the unexported connKind type.
const (
	KindControlByte = byte(kindControl)
	KindStreamByte  = byte(kindStream)
)

// streamHello is the fixed 25-byte header sent immediately after dialing a
// bulk connection, before any raw stream bytes flow: it tells the peer
// which test (UUID), group and stream index this connection belongs to, and
// which side is meant to write. Unlike the control channel's tagged
// messages, a bulk connection carries no further framing after this header,
// so streamHello is a flat binary struct rather than a wire.Message.
type streamHello struct {
	UUID     uuid.UUID
	GroupID  uint32
	Index    uint32
	Download bool // true: server writes, client reads. false: the reverse.
}

const streamHelloSize = 16 + 4 + 4 + 1

func (h streamHello) encode() [streamHelloSize]byte {
	var b [streamHelloSize]byte
	copy(b[0:16], h.UUID[:])
	binary.BigEndian.PutUint32(b[16:20], h.GroupID)
	binary.BigEndian.PutUint32(b[20:24], h.Index)
	if h.Download {
		b[24] = 1
	}
	return b
}

func decodeStreamHello(b []byte) (streamHello, error) {
	if len(b) != streamHelloSize {
		return streamHello{}, fmt.Errorf("%w: streamHello body len %d", wire.ErrTruncated, len(b))
	}
	var h streamHello
	copy(h.UUID[:], b[0:16])
	h.GroupID = binary.BigEndian.Uint32(b[16:20])
	h.Index = binary.BigEndian.Uint32(b[20:24])
	h.Download = b[24] != 0
	return h, nil
}

// writeStreamHello writes the kindStream marker byte followed by the
// encoded header.
func writeStreamHello(w io.Writer, h streamHello) error {
	if _, err := w.Write([]byte{byte(kindStream)}); err != nil {
		return err
	}
	body := h.encode()
	_, err := w.Write(body[:])
	return err
}

// readStreamHello reads a streamHello body (the kind byte must already have
// been consumed by the caller).
func readStreamHello(r io.Reader) (streamHello, error) {
	var b [streamHelloSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return streamHello{}, fmt.Errorf("%w: %v", wire.ErrTruncated, err)
	}
	return decodeStreamHello(b[:])
}

// StreamHeader is the exported view of streamHello that internal/lullserver
// uses to demultiplex a freshly dialed bulk connection: first by UUID to the
// right client's ConnHandler, then by GroupID to the right serverGroup
// within it via ConnHandler.Deliver.
type StreamHeader struct {
	UUID     uuid.UUID
	GroupID  uint32
	Index    uint32
	Download bool
}

// ReadStreamHeader reads a bulk connection's header, assuming the caller has
// already consumed the leading connKind byte.
func ReadStreamHeader(r io.Reader) (StreamHeader, error) {
	h, err := readStreamHello(r)
	if err != nil {
		return StreamHeader{}, err
	}
	return StreamHeader{UUID: h.UUID, GroupID: h.GroupID, Index: h.Index, Download: h.Download}, nil
}
