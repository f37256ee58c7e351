// Package streamio drives the bulk-transfer streams: a sender that writes
// from a pre-allocated zeroed buffer in a tight loop, a receiver that reads
// into a scratch buffer and discards, and a recorder that samples each
// stream's cumulative byte counter onto a fixed interval. Buffers are
// per-goroutine and never shared, per the concurrency model.
package streamio

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crusader-labs/lull/internal/model"
)

// BufferSize is the fixed size of the sender's zeroed write buffer and the
// receiver's scratch read buffer.
const BufferSize = 64 * 1024

// Recorder accumulates one stream's StreamSample vector. Sample times are
// strictly increasing (Record drops a tied or earlier timestamp) and
// cumulative byte counts never decrease.
type Recorder struct {
	mu      sync.Mutex
	samples []model.StreamSample
	lastT   uint64
}

// Record appends a sample if its timestamp is strictly greater than the
// last recorded one; a tied or out-of-order timestamp is dropped rather than
// violating the monotonic invariant.
func (r *Recorder) Record(timeUS uint64, cumulativeBytes uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) > 0 && timeUS <= r.lastT {
		return
	}
	r.samples = append(r.samples, model.StreamSample{TimeUS: timeUS, CumulativeBytes: cumulativeBytes})
	r.lastT = timeUS
}

// Samples returns a copy of the recorded samples.
func (r *Recorder) Samples() []model.StreamSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.StreamSample, len(r.samples))
	copy(out, r.samples)
	return out
}

// RunSender writes a pre-allocated zeroed buffer to w in a tight loop,
// sampling the cumulative byte counter every interval into rec, until stop
// is closed, ctx is cancelled, or a write fails. The buffer is allocated
// once and never touched again -- no allocation occurs on the hot path.
func RunSender(ctx context.Context, w io.Writer, interval time.Duration, rec *Recorder, stop <-chan struct{}) error {
	buf := make([]byte, BufferSize)
	var cumulative atomic.Uint64
	start := time.Now()

	// loopDone lets the sampler exit on a clean EOF/write-error return too,
	// not just stop or ctx -- otherwise a natural end with stop never closed
	// (the draining side of a grace window) would wait on sampleDone forever.
	loopDone := make(chan struct{})
	sampleDone := make(chan struct{})
	go func() {
		defer close(sampleDone)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				rec.Record(uint64(time.Since(start).Microseconds()), cumulative.Load())
			case <-stop:
				rec.Record(uint64(time.Since(start).Microseconds()), cumulative.Load())
				return
			case <-loopDone:
				rec.Record(uint64(time.Since(start).Microseconds()), cumulative.Load())
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var err error
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		default:
		}
		n, werr := w.Write(buf)
		if n > 0 {
			cumulative.Add(uint64(n))
		}
		if werr != nil {
			err = werr
			break loop
		}
	}
	close(loopDone)
	<-sampleDone
	return err
}

// RunReceiver reads from r into a scratch buffer and discards, sampling the
// cumulative byte counter every interval into rec, until stop is closed, ctx
// is cancelled, or the peer closes the stream (io.EOF, which is not
// returned as an error -- a clean end-of-data is success).
func RunReceiver(ctx context.Context, r io.Reader, interval time.Duration, rec *Recorder, stop <-chan struct{}) error {
	buf := make([]byte, BufferSize)
	var cumulative atomic.Uint64
	start := time.Now()

	loopDone := make(chan struct{})
	sampleDone := make(chan struct{})
	go func() {
		defer close(sampleDone)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				rec.Record(uint64(time.Since(start).Microseconds()), cumulative.Load())
			case <-stop:
				rec.Record(uint64(time.Since(start).Microseconds()), cumulative.Load())
				return
			case <-loopDone:
				rec.Record(uint64(time.Since(start).Microseconds()), cumulative.Load())
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var err error
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		default:
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			cumulative.Add(uint64(n))
		}
		if rerr != nil {
			if rerr != io.EOF {
				err = rerr
			}
			break loop
		}
	}
	close(loopDone)
	<-sampleDone
	return err
}
