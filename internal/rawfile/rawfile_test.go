package rawfile

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"testing"
	"time"

	"github.com/crusader-labs/lull/internal/model"
)

func sampleResult() model.RawResult {
	down := 5 * time.Millisecond
	total := 10 * time.Millisecond
	return model.RawResult{
		GeneratedBy:   "lull-test",
		Config:        model.Config{Streams: 4, Download: true, Upload: true},
		IPv6:          true,
		ServerLatency: 4 * time.Millisecond,
		Duration:      2 * time.Second,
		StreamGroups: []model.StreamGroup{
			{Download: true, Streams: [][]model.StreamSample{{{TimeUS: 0, CumulativeBytes: 0}, {TimeUS: 1000, CumulativeBytes: 100}}}},
		},
		Pings: []model.RawPing{
			{Index: 0, Sent: time.Millisecond, Latency: &model.RawLatency{Up: 5 * time.Millisecond, Down: &down, Total: &total}},
			{Index: 1, Sent: 2 * time.Millisecond, Latency: nil},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := sampleResult()
	var buf bytes.Buffer
	if _, err := EncodeTo(&buf, want); err != nil {
		t.Fatalf("EncodeTo: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Version != CurrentVersion {
		t.Fatalf("Version = %d, want %d", got.Version, CurrentVersion)
	}
	got.Version = want.Version // Version is stamped on encode, not part of the equality check below
	if got.GeneratedBy != want.GeneratedBy || got.IPv6 != want.IPv6 || got.Duration != want.Duration {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if len(got.Pings) != len(want.Pings) || got.Pings[0].Latency.Up != want.Pings[0].Latency.Up {
		t.Fatalf("pings round trip mismatch: got %+v, want %+v", got.Pings, want.Pings)
	}
	if got.Pings[1].Latency != nil {
		t.Fatalf("lost ping should decode with nil Latency, got %+v", got.Pings[1])
	}
}

func TestEncodeConvenienceMatchesEncodeTo(t *testing.T) {
	r := sampleResult()
	a, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var buf bytes.Buffer
	if _, err := EncodeTo(&buf, r); err != nil {
		t.Fatalf("EncodeTo: %v", err)
	}
	if !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode and EncodeTo diverge")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data, _ := Encode(sampleResult())
	data[0] = 'x'
	if _, err := Decode(bytes.NewReader(data)); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	data, _ := Encode(sampleResult())
	binary.BigEndian.PutUint64(data[4:12], CurrentVersion+1)
	if _, err := Decode(bytes.NewReader(data)); !errors.Is(err, ErrFutureVersion) {
		t.Fatalf("err = %v, want ErrFutureVersion", err)
	}
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	data, _ := Encode(sampleResult())
	if _, err := Decode(bytes.NewReader(data[:len(data)-5])); !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

// olderRawResult mimics a pre-IPv6-field version of RawResult: decoding its
// gob body into the current model.RawResult must leave IPv6, ServerOverload
// and LoadTerminationTimeout at their zero values rather than failing.
type olderRawResult struct {
	GeneratedBy string
	Duration    time.Duration
	Pings       []model.RawPing
}

func TestDecodeToleratesOlderVersionMissingFields(t *testing.T) {
	var body bytes.Buffer
	old := olderRawResult{GeneratedBy: "lull-old", Duration: time.Second, Pings: []model.RawPing{{Index: 0}}}
	if err := gob.NewEncoder(&body).Encode(old); err != nil {
		t.Fatalf("gob encode: %v", err)
	}

	var header [4 + 8 + 8]byte
	copy(header[0:4], magic[:])
	binary.BigEndian.PutUint64(header[4:12], 0) // version 0, predates this build
	binary.BigEndian.PutUint64(header[12:20], uint64(body.Len()))

	var file bytes.Buffer
	file.Write(header[:])
	file.Write(body.Bytes())

	got, err := Decode(&file)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.GeneratedBy != "lull-old" || got.Duration != time.Second {
		t.Fatalf("got %+v, want fields from the older body preserved", got)
	}
	if got.IPv6 || got.ServerOverload || got.LoadTerminationTimeout {
		t.Fatalf("got %+v, want zero-valued newer fields", got)
	}
}
