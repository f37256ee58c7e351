package control

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/crusader-labs/lull/internal/wire"
)

// overloadPollInterval bounds how long a watcher blocks on a single read
// before checking whether it has been asked to stop, since ctrl's Decode
// would otherwise block indefinitely with nothing else ever arriving on the
// wire until GetMeasurements.
const overloadPollInterval = 200 * time.Millisecond

// overloadWatcher owns ctrl's read side from just after streams open until
// Stop is called, watching for an async ServerOverload the server may send
// at any point during Loading or Grace. It hands the connection back with
// no read deadline set, so the caller's subsequent synchronous
// GetMeasurements/Measurements/Done exchange behaves exactly as before.
type overloadWatcher struct {
	conn   net.Conn
	stopCh chan struct{}
	doneCh chan struct{}
	seen   atomic.Bool
}

func watchServerOverload(conn net.Conn, codec *wire.Codec) *overloadWatcher {
	w := &overloadWatcher{conn: conn, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	go func() {
		defer close(w.doneCh)
		for {
			select {
			case <-w.stopCh:
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(overloadPollInterval))
			msg, err := codec.Decode(conn)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				return
			}
			if _, ok := msg.(*wire.ServerOverload); ok {
				w.seen.Store(true)
			}
		}
	}()
	return w
}

// Stop signals the watcher goroutine to exit, waits for it to actually
// stop reading, and clears ctrl's read deadline so the caller can resume
// synchronous reads immediately afterward.
func (w *overloadWatcher) Stop() bool {
	close(w.stopCh)
	<-w.doneCh
	_ = w.conn.SetReadDeadline(time.Time{})
	return w.seen.Load()
}
