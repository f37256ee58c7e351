// Package latency holds the continuous latency-monitor variant's live state:
// a fixed-capacity ring buffer of recent pings and a small connection-phase
// enum, both watched by a caller-supplied repaint callback. Unlike a full
// test run, the monitor never terminates on its own; it keeps the most
// recent history/ping_interval samples and drops the rest.
package latency

import (
	"sync"

	"github.com/crusader-labs/lull/internal/model"
)

// State is the monitor's connection phase, advancing monotonically except
// for a transition back to Connecting on disconnect.
type State int

const (
	Connecting State = iota
	Syncing
	Monitoring
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	case Monitoring:
		return "monitoring"
	default:
		return "unknown"
	}
}

// Data is the shared, mutex-guarded state driving a live latency display. It
// has no owner other than the monitor's state-machine goroutine, which
// mutates it, and the repaint callback, which reads a copy via Snapshot.
type Data struct {
	mu       sync.Mutex
	state    State
	buf      []model.RawPing
	head     int
	count    int
	cap      int
	onUpdate func()
}

// NewData creates a ring buffer sized for historyCapacity entries. A
// non-positive historyCapacity is treated as 1 so Push never panics.
func NewData(historyCapacity int, onUpdate func()) *Data {
	if historyCapacity < 1 {
		historyCapacity = 1
	}
	return &Data{
		buf:      make([]model.RawPing, historyCapacity),
		cap:      historyCapacity,
		onUpdate: onUpdate,
	}
}

// SetState updates the connection phase and fires the repaint callback
// outside the lock.
func (d *Data) SetState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.notify()
}

// State returns the current connection phase.
func (d *Data) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Push appends a ping to the ring buffer, evicting the oldest entry once the
// buffer is full. O(1), and the mutex is held only for the slice write, so
// it never blocks the ping task for longer than that.
func (d *Data) Push(p model.RawPing) {
	d.mu.Lock()
	idx := (d.head + d.count) % d.cap
	d.buf[idx] = p
	if d.count < d.cap {
		d.count++
	} else {
		d.head = (d.head + 1) % d.cap
	}
	d.mu.Unlock()
	d.notify()
}

// Snapshot copies the current ring buffer contents out in chronological
// order (oldest first) and the current state. Callers must not hold onto
// the mutex while rendering -- this is the copy-under-lock,
// operate-after-unlock half of that contract.
func (d *Data) Snapshot() ([]model.RawPing, State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.RawPing, d.count)
	for i := 0; i < d.count; i++ {
		out[i] = d.buf[(d.head+i)%d.cap]
	}
	return out, d.state
}

func (d *Data) notify() {
	if d.onUpdate != nil {
		d.onUpdate()
	}
}

// HistoryCapacity computes the ring buffer size from a history window and
// ping interval, per spec.md §9: history / ping_interval, rounded down and
// floored at 1.
func HistoryCapacity(history, pingInterval int64) int {
	if pingInterval <= 0 {
		return 1
	}
	n := int(history / pingInterval)
	if n < 1 {
		return 1
	}
	return n
}
