package wire

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := Codec{}
	msgs := []Message{
		&Hello{Version: 2},
		&NewClient{UUID: uuid.New()},
		&AssociatePing{UUID: uuid.New()},
		&LoadFromClient{GroupID: 1, Streams: 4, Stagger: 100 * time.Millisecond},
		&LoadFromServer{GroupID: 2, Streams: 4, Stagger: 0, Download: true},
		&LoadComplete{GroupID: 1},
		&GetMeasurements{},
		&Measurements{GroupID: 1, Streams: []StreamMeasurement{
			{TimeUS: []uint64{0, 1000}, CumulativeBytes: []uint64{0, 500}},
		}},
		&ServerOverload{},
		&Done{},
	}

	var buf bytes.Buffer
	for _, m := range msgs {
		if _, err := codec.EncodeTo(&buf, m); err != nil {
			t.Fatalf("encode %v: %v", m.Tag(), err)
		}
	}

	for _, want := range msgs {
		got, err := codec.Decode(&buf)
		if err != nil {
			t.Fatalf("decode %v: %v", want.Tag(), err)
		}
		if got.Tag() != want.Tag() {
			t.Fatalf("tag = %v, want %v", got.Tag(), want.Tag())
		}
	}
}

func TestCodecUnknownTagIsFatal(t *testing.T) {
	codec := Codec{}
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1, 0xFF})
	_, err := codec.Decode(&buf)
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("err = %v, want ErrUnknownTag", err)
	}
}

func TestCodecTruncatedFrame(t *testing.T) {
	codec := Codec{}
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 20, byte(TagHello)}) // claims 20 bytes, has 1
	_, err := codec.Decode(&buf)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestCodecEncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	m := &Hello{Version: 1}
	a := codec.Encode(m)
	var buf bytes.Buffer
	if _, err := codec.EncodeTo(&buf, m); err != nil {
		t.Fatalf("EncodeTo: %v", err)
	}
	if !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode and EncodeTo disagree: %x vs %x", a, buf.Bytes())
	}
}

func TestPingFrameRoundTrip(t *testing.T) {
	f := PingFrame{ID: 42, ClientSendUS: 1_000_000, ServerRecvUS: 1_000_500}
	enc := f.Encode()
	got, err := DecodePingFrame(enc[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != f {
		t.Fatalf("got %+v, want %+v", got, f)
	}
}

func TestDecodePingFrameTruncated(t *testing.T) {
	_, err := DecodePingFrame(make([]byte, 10))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}
