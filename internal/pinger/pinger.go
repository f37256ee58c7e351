// Package pinger implements the ping engine (§4.D of the design): it emits a
// ping every ping_interval for the pre-roll-plus-test-duration window over
// the unreliable channel, keeps an in-flight map keyed by ping id guarded
// the way hub.Hub guards its client map, and on reply computes one-way and
// round-trip latency using the clock offset produced by clocksync.Estimate.
//
// Protocol version gates which fields are derivable: v0 records total only,
// via the matched round trip; v1 adds the server's receive timestamp so
// down becomes computable; v2 is represented downstream by a RawLatency with
// Up set but Total nil, meaning the server saw the ping but the client never
// got a usable reply -- the fixed 24-byte ping frame does not currently
// carry a high-water mark that would let v2 distinguish that case from a
// fully dropped datagram on the wire, so this engine treats every
// unanswered ping as a full loss (Latency == nil) regardless of version;
// see DESIGN.md for the tradeoff.
package pinger

import (
	"context"
	"sync"
	"time"

	"github.com/crusader-labs/lull/internal/model"
	"github.com/crusader-labs/lull/internal/wire"
)

// PreRoll is added ahead of the stagger-plus-load window so the engine is
// already sampling latency before the streams ramp up.
const PreRoll = time.Second

type entry struct {
	sentUS  int64
	latency *model.RawLatency
}

// Engine accumulates one side's view of a ping exchange. It is safe for
// concurrent use: Run's sender and receiver goroutines, and any caller of
// Snapshot, all serialize through the same mutex.
type Engine struct {
	mu       sync.Mutex
	version  int
	offsetUS int64
	epochUS  int64
	nextID   uint64
	order    []uint64
	pings    map[uint64]*entry
}

// NewEngine creates a ping engine. version is the negotiated protocol
// version (0, 1 or 2); offsetUS is the server-minus-client clock offset from
// a clocksync.Result; epochUS is the client-clock timestamp of test start,
// used to turn absolute send timestamps into RawPing.Sent durations.
func NewEngine(version int, offsetUS int64, epochUS int64) *Engine {
	return &Engine{
		version:  version,
		offsetUS: offsetUS,
		epochUS:  epochUS,
		pings:    make(map[uint64]*entry),
	}
}

// Run drives the send/receive pump until ctx is cancelled or duration
// elapses, whichever comes first. Every tick of interval sends one ping
// frame and records it in the in-flight map; a second goroutine drains
// replies as they arrive and matches them by id. now must return the
// client's clock in microseconds, consistent with the epoch passed to
// NewEngine and with the clock used during the clocksync burst.
func (e *Engine) Run(ctx context.Context, conn wire.PingConn, interval, duration time.Duration, now func() int64) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			f, err := conn.RecvPing(ctx)
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
			e.handleReply(f, now())
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var sendErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if err := e.send(conn, now()); err != nil {
				sendErr = err
				break loop
			}
		}
	}

	wg.Wait()
	if sendErr != nil {
		return sendErr
	}
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil // the deadline ending the pump is not a failure
		}
		return err
	default:
		return nil
	}
}

func (e *Engine) send(conn wire.PingConn, sendUS int64) error {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.pings[id] = &entry{sentUS: sendUS}
	e.order = append(e.order, id)
	e.mu.Unlock()

	return conn.SendPing(wire.PingFrame{ID: id, ClientSendUS: sendUS})
}

func (e *Engine) handleReply(f wire.PingFrame, clientRecvUS int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.pings[f.ID]
	if !ok || st.latency != nil {
		return // unknown id (stale/duplicate reply) or already matched
	}

	up := time.Duration(f.ServerRecvUS+e.offsetUS-st.sentUS) * time.Microsecond
	lat := &model.RawLatency{Up: up}

	if e.version >= 1 {
		down := time.Duration(clientRecvUS-(f.ServerRecvUS+e.offsetUS)) * time.Microsecond
		total := up + down
		lat.Down = &down
		lat.Total = &total
	} else {
		total := time.Duration(clientRecvUS-st.sentUS) * time.Microsecond
		lat.Total = &total
	}
	st.latency = lat
}

// Snapshot returns the ordered RawPing trace collected so far, representing
// any still-unmatched ping as lost (Latency == nil). It is safe to call
// before Run returns, for live monitoring by internal/latency, and after,
// for final-result assembly.
func (e *Engine) Snapshot() []model.RawPing {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.RawPing, 0, len(e.order))
	for i, id := range e.order {
		st := e.pings[id]
		out = append(out, model.RawPing{
			Index:   uint64(i),
			Sent:    time.Duration(st.sentUS-e.epochUS) * time.Microsecond,
			Latency: st.latency,
		})
	}
	return out
}

// InFlight reports the number of pings sent but not yet matched, for
// overload/backpressure heuristics.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, st := range e.pings {
		if st.latency == nil {
			n++
		}
	}
	return n
}
