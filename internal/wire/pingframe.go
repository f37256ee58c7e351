package wire

import (
	"context"
	"encoding/binary"
	"fmt"
)

// PingFrameSize is the fixed wire size of a ping datagram.
const PingFrameSize = 24

// PingFrame is the fixed header carried by every ping datagram: an id used
// to match replies, the client's send timestamp, and the server's receive
// timestamp (zero on egress from the client; filled in by the server before
// it echoes the datagram back).
type PingFrame struct {
	ID           uint64
	ClientSendUS int64
	ServerRecvUS int64
}

// Encode writes the frame into a fixed 24-byte buffer.
func (f PingFrame) Encode() [PingFrameSize]byte {
	var b [PingFrameSize]byte
	binary.BigEndian.PutUint64(b[0:8], f.ID)
	binary.BigEndian.PutUint64(b[8:16], uint64(f.ClientSendUS))
	binary.BigEndian.PutUint64(b[16:24], uint64(f.ServerRecvUS))
	return b
}

// DecodePingFrame parses a datagram payload into a PingFrame. The payload
// must be at least PingFrameSize bytes; any trailing bytes are ignored so
// that future protocol versions can append fields without breaking older
// readers -- readers just can't see them.
func DecodePingFrame(b []byte) (PingFrame, error) {
	if len(b) < PingFrameSize {
		return PingFrame{}, fmt.Errorf("%w: ping frame is %d bytes, want >= %d", ErrTruncated, len(b), PingFrameSize)
	}
	return PingFrame{
		ID:           binary.BigEndian.Uint64(b[0:8]),
		ClientSendUS: int64(binary.BigEndian.Uint64(b[8:16])),
		ServerRecvUS: int64(binary.BigEndian.Uint64(b[16:24])),
	}, nil
}

// PingConn abstracts the unreliable ping channel so callers (clock sync, the
// ping engine) can be driven by a real net.PacketConn or, in tests, an
// in-memory substitute.
type PingConn interface {
	SendPing(PingFrame) error
	RecvPing(ctx context.Context) (PingFrame, error)
}
