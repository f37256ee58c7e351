package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MsgTag identifies the tagged-union variant of a control message on the
// reliable channel.
type MsgTag uint8

const (
	TagHello MsgTag = iota
	TagNewClient
	TagAssociatePing
	TagLoadFromClient
	TagLoadFromServer
	TagLoadComplete
	TagGetMeasurements
	TagMeasurements
	TagServerOverload
	TagDone
)

func (t MsgTag) String() string {
	switch t {
	case TagHello:
		return "Hello"
	case TagNewClient:
		return "NewClient"
	case TagAssociatePing:
		return "AssociatePing"
	case TagLoadFromClient:
		return "LoadFromClient"
	case TagLoadFromServer:
		return "LoadFromServer"
	case TagLoadComplete:
		return "LoadComplete"
	case TagGetMeasurements:
		return "GetMeasurements"
	case TagMeasurements:
		return "Measurements"
	case TagServerOverload:
		return "ServerOverload"
	case TagDone:
		return "Done"
	default:
		return fmt.Sprintf("MsgTag(%d)", t)
	}
}

// Message is the tagged-union interface every control message implements.
// Stateless and safe for concurrent use, mirroring the teacher's frame codec.
type Message interface {
	Tag() MsgTag
	encodeBody(*bytes.Buffer)
	decodeBody([]byte) error
}

// Hello is the first message sent by both peers, carrying the sender's
// highest supported protocol version.
type Hello struct{ Version uint64 }

func (m *Hello) Tag() MsgTag { return TagHello }
func (m *Hello) encodeBody(buf *bytes.Buffer) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], m.Version)
	buf.Write(b[:])
}
func (m *Hello) decodeBody(b []byte) error {
	if len(b) != 8 {
		return fmt.Errorf("%w: Hello body len %d", ErrTruncated, len(b))
	}
	m.Version = binary.BigEndian.Uint64(b)
	return nil
}

// NewClient requests that the server allocate a test context, identified
// thereafter by UUID.
type NewClient struct{ UUID uuid.UUID }

func (m *NewClient) Tag() MsgTag                 { return TagNewClient }
func (m *NewClient) encodeBody(buf *bytes.Buffer) { buf.Write(m.UUID[:]) }
func (m *NewClient) decodeBody(b []byte) error {
	if len(b) != 16 {
		return fmt.Errorf("%w: NewClient body len %d", ErrTruncated, len(b))
	}
	copy(m.UUID[:], b)
	return nil
}

// AssociatePing binds a newly opened ping datagram channel to an existing
// test context.
type AssociatePing struct{ UUID uuid.UUID }

func (m *AssociatePing) Tag() MsgTag                  { return TagAssociatePing }
func (m *AssociatePing) encodeBody(buf *bytes.Buffer) { buf.Write(m.UUID[:]) }
func (m *AssociatePing) decodeBody(b []byte) error {
	if len(b) != 16 {
		return fmt.Errorf("%w: AssociatePing body len %d", ErrTruncated, len(b))
	}
	copy(m.UUID[:], b)
	return nil
}

// LoadFromClient announces an upload group: the client dials Streams
// reliable connections for GroupID, staggered by Stagger, and sends on them
// while the server receives.
type LoadFromClient struct {
	GroupID uint32
	Streams uint32
	Stagger time.Duration
}

func (m *LoadFromClient) Tag() MsgTag { return TagLoadFromClient }
func (m *LoadFromClient) encodeBody(buf *bytes.Buffer) {
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], m.GroupID)
	binary.BigEndian.PutUint32(b[4:8], m.Streams)
	binary.BigEndian.PutUint64(b[8:16], uint64(m.Stagger))
	buf.Write(b[:])
}
func (m *LoadFromClient) decodeBody(b []byte) error {
	if len(b) != 16 {
		return fmt.Errorf("%w: LoadFromClient body len %d", ErrTruncated, len(b))
	}
	m.GroupID = binary.BigEndian.Uint32(b[0:4])
	m.Streams = binary.BigEndian.Uint32(b[4:8])
	m.Stagger = time.Duration(binary.BigEndian.Uint64(b[8:16]))
	return nil
}

// LoadFromServer mirrors LoadFromClient for server-driven directions
// (download streams, where the server is the sender).
type LoadFromServer struct {
	GroupID  uint32
	Streams  uint32
	Stagger  time.Duration
	Download bool
}

func (m *LoadFromServer) Tag() MsgTag { return TagLoadFromServer }
func (m *LoadFromServer) encodeBody(buf *bytes.Buffer) {
	var b [17]byte
	binary.BigEndian.PutUint32(b[0:4], m.GroupID)
	binary.BigEndian.PutUint32(b[4:8], m.Streams)
	binary.BigEndian.PutUint64(b[8:16], uint64(m.Stagger))
	if m.Download {
		b[16] = 1
	}
	buf.Write(b[:])
}
func (m *LoadFromServer) decodeBody(b []byte) error {
	if len(b) != 17 {
		return fmt.Errorf("%w: LoadFromServer body len %d", ErrTruncated, len(b))
	}
	m.GroupID = binary.BigEndian.Uint32(b[0:4])
	m.Streams = binary.BigEndian.Uint32(b[4:8])
	m.Stagger = time.Duration(binary.BigEndian.Uint64(b[8:16]))
	m.Download = b[16] != 0
	return nil
}

// LoadComplete signals that the sender is done writing for GroupID and the
// receiver should begin draining its grace window.
type LoadComplete struct{ GroupID uint32 }

func (m *LoadComplete) Tag() MsgTag { return TagLoadComplete }
func (m *LoadComplete) encodeBody(buf *bytes.Buffer) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], m.GroupID)
	buf.Write(b[:])
}
func (m *LoadComplete) decodeBody(b []byte) error {
	if len(b) != 4 {
		return fmt.Errorf("%w: LoadComplete body len %d", ErrTruncated, len(b))
	}
	m.GroupID = binary.BigEndian.Uint32(b)
	return nil
}

// GetMeasurements requests the peer's accumulated StreamSample vectors.
type GetMeasurements struct{}

func (m *GetMeasurements) Tag() MsgTag                  { return TagGetMeasurements }
func (m *GetMeasurements) encodeBody(buf *bytes.Buffer) {}
func (m *GetMeasurements) decodeBody(b []byte) error {
	if len(b) != 0 {
		return fmt.Errorf("%w: GetMeasurements body len %d", ErrTruncated, len(b))
	}
	return nil
}

// StreamMeasurement is one stream's sampled byte counter series, as carried
// inside a Measurements message.
type StreamMeasurement struct {
	TimeUS          []uint64
	CumulativeBytes []uint64
}

// Measurements answers GetMeasurements with one series per stream, grouped
// in the order streams were opened.
type Measurements struct {
	GroupID uint32
	Streams []StreamMeasurement
}

func (m *Measurements) Tag() MsgTag { return TagMeasurements }
func (m *Measurements) encodeBody(buf *bytes.Buffer) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], m.GroupID)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(m.Streams)))
	buf.Write(hdr[:])
	for _, s := range m.Streams {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(s.TimeUS)))
		buf.Write(n[:])
		for i := range s.TimeUS {
			var pair [16]byte
			binary.BigEndian.PutUint64(pair[0:8], s.TimeUS[i])
			binary.BigEndian.PutUint64(pair[8:16], s.CumulativeBytes[i])
			buf.Write(pair[:])
		}
	}
}
func (m *Measurements) decodeBody(b []byte) error {
	if len(b) < 8 {
		return fmt.Errorf("%w: Measurements header", ErrTruncated)
	}
	m.GroupID = binary.BigEndian.Uint32(b[0:4])
	nStreams := binary.BigEndian.Uint32(b[4:8])
	b = b[8:]
	m.Streams = make([]StreamMeasurement, 0, nStreams)
	for i := uint32(0); i < nStreams; i++ {
		if len(b) < 4 {
			return fmt.Errorf("%w: Measurements stream header", ErrTruncated)
		}
		n := binary.BigEndian.Uint32(b[0:4])
		b = b[4:]
		sm := StreamMeasurement{TimeUS: make([]uint64, n), CumulativeBytes: make([]uint64, n)}
		for j := uint32(0); j < n; j++ {
			if len(b) < 16 {
				return fmt.Errorf("%w: Measurements sample", ErrTruncated)
			}
			sm.TimeUS[j] = binary.BigEndian.Uint64(b[0:8])
			sm.CumulativeBytes[j] = binary.BigEndian.Uint64(b[8:16])
			b = b[16:]
		}
		m.Streams = append(m.Streams, sm)
	}
	return nil
}

// ServerOverload is a one-shot, non-fatal warning that the server detected
// sustained egress queue growth.
type ServerOverload struct{}

func (m *ServerOverload) Tag() MsgTag                  { return TagServerOverload }
func (m *ServerOverload) encodeBody(buf *bytes.Buffer) {}
func (m *ServerOverload) decodeBody(b []byte) error {
	if len(b) != 0 {
		return fmt.Errorf("%w: ServerOverload body len %d", ErrTruncated, len(b))
	}
	return nil
}

// Done ends the control session cleanly.
type Done struct{}

func (m *Done) Tag() MsgTag                  { return TagDone }
func (m *Done) encodeBody(buf *bytes.Buffer) {}
func (m *Done) decodeBody(b []byte) error {
	if len(b) != 0 {
		return fmt.Errorf("%w: Done body len %d", ErrTruncated, len(b))
	}
	return nil
}

func newByTag(tag MsgTag) (Message, error) {
	switch tag {
	case TagHello:
		return &Hello{}, nil
	case TagNewClient:
		return &NewClient{}, nil
	case TagAssociatePing:
		return &AssociatePing{}, nil
	case TagLoadFromClient:
		return &LoadFromClient{}, nil
	case TagLoadFromServer:
		return &LoadFromServer{}, nil
	case TagLoadComplete:
		return &LoadComplete{}, nil
	case TagGetMeasurements:
		return &GetMeasurements{}, nil
	case TagMeasurements:
		return &Measurements{}, nil
	case TagServerOverload:
		return &ServerOverload{}, nil
	case TagDone:
		return &Done{}, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownTag, tag)
	}
}
