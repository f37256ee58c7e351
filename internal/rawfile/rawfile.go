// Package rawfile implements the versioned, self-describing container used
// to persist a model.RawResult to a ".crr" file: magic + u64 version + u64
// body length + gob body. Readers tolerate older versions (gob leaves newly
// added fields at their zero value when decoding an older body) and reject
// newer versions with a dedicated error rather than silently truncating or
// misinterpreting them.
package rawfile

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/crusader-labs/lull/internal/model"
)

// CurrentVersion is the highest RawResult version this build can produce and
// consume. Files stamped with a higher version are rejected outright.
const CurrentVersion = 1

var magic = [4]byte{'l', 'u', 'l', 'l'}

// Sentinel errors, classified the way internal/wire classifies its own
// framing failures.
var (
	ErrBadMagic      = errors.New("rawfile: bad magic")
	ErrFutureVersion = errors.New("rawfile: file version is newer than this build supports")
	ErrTruncated     = errors.New("rawfile: truncated file")
)

// Encode serializes r into a self-contained byte slice.
func Encode(r model.RawResult) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := EncodeTo(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo writes r's container framing and gob body to w, returning the
// number of bytes written.
func EncodeTo(w io.Writer, r model.RawResult) (int, error) {
	r.Version = CurrentVersion

	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(r); err != nil {
		return 0, fmt.Errorf("rawfile encode: %w", err)
	}

	var header [4 + 8 + 8]byte
	copy(header[0:4], magic[:])
	binary.BigEndian.PutUint64(header[4:12], CurrentVersion)
	binary.BigEndian.PutUint64(header[12:20], uint64(body.Len()))

	n1, err := w.Write(header[:])
	if err != nil {
		return n1, fmt.Errorf("rawfile encode: %w", err)
	}
	n2, err := w.Write(body.Bytes())
	if err != nil {
		return n1 + n2, fmt.Errorf("rawfile encode: %w", err)
	}
	return n1 + n2, nil
}

// Decode reads and validates the container framing from r, then gob-decodes
// the body into a model.RawResult.
func Decode(r io.Reader) (model.RawResult, error) {
	var header [4 + 8 + 8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return model.RawResult{}, fmt.Errorf("rawfile decode: %w", ErrTruncated)
	}
	if !bytes.Equal(header[0:4], magic[:]) {
		return model.RawResult{}, ErrBadMagic
	}
	version := binary.BigEndian.Uint64(header[4:12])
	if version > CurrentVersion {
		return model.RawResult{}, fmt.Errorf("%w: file version %d, this build supports up to %d", ErrFutureVersion, version, CurrentVersion)
	}
	bodyLen := binary.BigEndian.Uint64(header[12:20])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return model.RawResult{}, fmt.Errorf("rawfile decode: %w", ErrTruncated)
	}

	var result model.RawResult
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&result); err != nil {
		return model.RawResult{}, fmt.Errorf("rawfile decode: %w", err)
	}
	result.Version = version
	return result, nil
}
