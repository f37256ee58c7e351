package control

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crusader-labs/lull/internal/transport"
)

// overloadQueueDepth is the number of writes tolerated on a download
// stream's egress queue before it counts as saturated. It stands in for
// the server tracking "the depth of unsent queues toward the client".
const overloadQueueDepth = 4

// overloadSustain is how long the queue must stay saturated before the
// stream is judged overloaded rather than merely bursty.
const overloadSustain = 500 * time.Millisecond

var errEgressQueueFull = errors.New("egress queue full")

// overloadWriter wraps one download stream's connection with an AsyncTx so
// the channel's occupancy is a direct measurement of bytes queued for
// transmission but not yet handed to the kernel. Its Write retries rather
// than drops on a full queue -- RunSender's byte counters must stay
// accurate, so a queued write can never silently vanish -- and it is the
// retrying itself, sustained past overloadSustain, that trips report.
type overloadWriter struct {
	ctx    context.Context
	tx     *transport.AsyncTx[[]byte]
	depth  atomic.Int32
	satAt  atomic.Int64
	once   sync.Once
	report func()
}

func newOverloadWriter(ctx context.Context, conn net.Conn, report func()) *overloadWriter {
	w := &overloadWriter{ctx: ctx, report: report}
	w.tx = transport.NewAsyncTx[[]byte](ctx, overloadQueueDepth, func(b []byte) error {
		_, err := conn.Write(b)
		w.depth.Add(-1)
		return err
	}, transport.Hooks{
		OnDrop: func() error { return errEgressQueueFull },
	})
	return w
}

func (w *overloadWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	for {
		err := w.tx.Send(cp)
		if err == nil {
			w.checkSaturation(w.depth.Add(1))
			return len(p), nil
		}
		if errors.Is(err, transport.ErrAsyncTxClosed) {
			return 0, err
		}
		w.checkSaturation(overloadQueueDepth)
		select {
		case <-w.ctx.Done():
			return 0, w.ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (w *overloadWriter) checkSaturation(depth int32) {
	if depth < overloadQueueDepth {
		w.satAt.Store(0)
		return
	}
	now := time.Now().UnixNano()
	first := w.satAt.Load()
	if first == 0 {
		w.satAt.Store(now)
		return
	}
	if time.Duration(now-first) >= overloadSustain {
		w.once.Do(func() {
			if w.report != nil {
				w.report()
			}
		})
	}
}

func (w *overloadWriter) Close() { w.tx.Close() }
